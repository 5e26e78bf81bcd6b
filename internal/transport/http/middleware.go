package http

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/snehjoshi/fastq/internal/metrics"
)

// ─── Status capture ──────────────────────────────────────────────────────────

// responseWriter captures the status code. It forwards Hijack so WebSocket
// upgrades work behind the middleware chain.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http: response writer does not support hijacking")
	}
	rw.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

func wrap(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

// ─── Logging ──────────────────────────────────────────────────────────────────

// LoggingMiddleware logs method, path, status, and duration for every request.
func LoggingMiddleware(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrap(w)
			next.ServeHTTP(wrapped, r)
			log.Info("http",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// ─── Metrics ──────────────────────────────────────────────────────────────────

// MetricsMiddleware counts requests by route pattern and status, and sums
// their durations.
func MetricsMiddleware(reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrap(w)
			next.ServeHTTP(wrapped, r)

			// The mux records the matched pattern on the request.
			path := r.Pattern
			if i := strings.IndexByte(path, ' '); i >= 0 {
				path = path[i+1:]
			}
			if path == "" {
				path = "unmatched"
			}
			reg.HTTPReqs.Inc(metrics.HTTPKey(r.Method, path, strconv.Itoa(wrapped.status)))
			dk := metrics.HTTPDurKey(r.Method, path)
			reg.HTTPDurMs.Add(dk, time.Since(start).Milliseconds())
			reg.HTTPDurCnt.Inc(dk)
		})
	}
}

// ─── Auth ─────────────────────────────────────────────────────────────────────

// AuthMiddleware checks for a static API key when auth is enabled. The key is
// read from the X-Api-Key header and compared in constant time. /health is
// always open.
func AuthMiddleware(apiKey string, enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled || apiKey == "" {
			return next
		}
		keyBytes := []byte(apiKey)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			provided := []byte(r.Header.Get("X-Api-Key"))
			if subtle.ConstantTimeCompare(provided, keyBytes) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorResp{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ─── Rate limiting ────────────────────────────────────────────────────────────

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterSweepSize is the table size at which idle entries are evicted.
const limiterSweepSize = 5000

// RateLimitMiddleware applies per-IP token-bucket rate limiting. A
// non-positive rps disables it. WebSocket frames are not rate limited, only
// the upgrade request.
func RateLimitMiddleware(rps float64, burst int) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst < 1 {
		burst = 1
	}

	var (
		mu       sync.Mutex
		limiters = make(map[string]*ipEntry)
	)
	get := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		if e, ok := limiters[ip]; ok {
			e.lastSeen = now
			return e.limiter
		}
		if len(limiters) >= limiterSweepSize {
			cutoff := now.Add(-10 * time.Minute)
			for k, v := range limiters {
				if v.lastSeen.Before(cutoff) {
					delete(limiters, k)
				}
			}
		}
		l := rate.NewLimiter(rate.Limit(rps), burst)
		limiters[ip] = &ipEntry{limiter: l, lastSeen: now}
		return l
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !get(clientIP(r)).Allow() {
				writeJSON(w, http.StatusTooManyRequests, errorResp{Error: "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP prefers the first X-Forwarded-For hop and falls back to
// RemoteAddr. X-Forwarded-For is only trustworthy behind a reverse proxy.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ─── Body size limit ─────────────────────────────────────────────────────────

// MaxBodyMiddleware caps every request body at limit bytes.
func MaxBodyMiddleware(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

// ─── Chain ────────────────────────────────────────────────────────────────────

// chain composes middleware around h, first = outermost.
func chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
