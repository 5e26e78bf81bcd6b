// Package http provides the HTTP transport layer for FastQ.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	GET    /topics
//	PUT    /topics/{topic}
//	GET    /topics/{topic}
//	DELETE /topics/{topic}
//	POST   /topics/{topic}/messages
//	GET    /topics/{topic}/writer                      (WebSocket)
//	GET    /topics/{topic}/subscriptions
//	PUT    /topics/{topic}/subscriptions/{sub}
//	GET    /topics/{topic}/subscriptions/{sub}
//	DELETE /topics/{topic}/subscriptions/{sub}
//	GET    /topics/{topic}/subscriptions/{sub}/stream  (WebSocket)
//	GET    /metrics
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/snehjoshi/fastq/internal/broker"
	"github.com/snehjoshi/fastq/internal/config"
	"github.com/snehjoshi/fastq/internal/metrics"
	"github.com/snehjoshi/fastq/internal/node"
	transportws "github.com/snehjoshi/fastq/internal/transport/websocket"
)

// Version is reported by /health.
const Version = "1.0.0"

// Server wraps the stdlib HTTP server with FastQ route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server around a Broker. reg may be nil, which disables
// /metrics and request counting. The caller is responsible for calling
// ListenAndServe / Shutdown.
func New(b *broker.Broker, n *node.Node, cfg *config.Config, reg *metrics.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	maxMsg := cfg.Node.MaxMessageSizeKB << 10
	h := &Handler{broker: b, node: n, maxMessageBytes: maxMsg}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	// Topics
	mux.HandleFunc("GET /topics", h.listTopics)
	mux.HandleFunc("PUT /topics/{topic}", h.createTopic)
	mux.HandleFunc("GET /topics/{topic}", h.topicStats)
	mux.HandleFunc("DELETE /topics/{topic}", h.deleteTopic)
	mux.HandleFunc("POST /topics/{topic}/messages", h.publish)

	// Subscriptions
	mux.HandleFunc("GET /topics/{topic}/subscriptions", h.listSubscriptions)
	mux.HandleFunc("PUT /topics/{topic}/subscriptions/{sub}", h.createSubscription)
	mux.HandleFunc("GET /topics/{topic}/subscriptions/{sub}", h.getSubscription)
	mux.HandleFunc("DELETE /topics/{topic}/subscriptions/{sub}", h.deleteSubscription)

	// Streams
	mux.Handle("GET /topics/{topic}/writer", &transportws.WriterHandler{Broker: b, Log: log, MaxMessageBytes: maxMsg})
	mux.Handle("GET /topics/{topic}/subscriptions/{sub}/stream", &transportws.SubscriberHandler{Broker: b, Log: log})

	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	middleware := []func(http.Handler) http.Handler{
		MaxBodyMiddleware(maxRequestBytes(cfg)),
		LoggingMiddleware(log),
	}
	if reg != nil {
		middleware = append(middleware, MetricsMiddleware(reg))
	}
	middleware = append(middleware,
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(float64(cfg.Producers.MaxRate), cfg.Producers.Burst),
	)

	return &Server{
		inner: &http.Server{
			Handler:           chain(mux, middleware...),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// maxRequestBytes allows one full publish batch of maximum-size messages,
// base64-inflated, plus framing.
func maxRequestBytes(cfg *config.Config) int64 {
	per := int64(cfg.Node.MaxMessageSizeKB) << 10
	return per*maxPublishBatch*4/3 + 1<<20
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish. Hijacked WebSocket connections are not
// tracked by the server; they end when the broker closes their topics.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
