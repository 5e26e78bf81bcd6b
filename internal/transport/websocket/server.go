// Package websocket serves the streaming side of FastQ: publisher sessions
// and subscriber sessions, one WebSocket connection each.
//
// Writer stream, mounted at GET /topics/{topic}/writer:
//
//	client → {"type":"write","seq":7,"bodies":["<base64>",...]}
//	server → {"type":"ack","seq":7,"timestamp":<unix ms>}
//	server → {"type":"error","error":"..."}
//
// Acks are cumulative: seq 7 confirms every write tagged 7 or lower.
//
// Subscriber stream, mounted at GET /topics/{topic}/subscriptions/{sub}/stream
// with optional max_batch_size and push_interval_ms query parameters:
//
//	server → {"type":"messages","messages":[{"id":1,"timestamp":<unix ms>,"body":"<base64>"}]}
//	client → {"type":"complete","id":1}
//	server → {"type":"error","error":"..."}
//
// A new subscriber stream for the same subscription replaces the old one,
// which is then closed with a normal close frame.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/fastq/internal/broker"
	"github.com/snehjoshi/fastq/internal/topic"
	"github.com/snehjoshi/fastq/internal/types"
)

// Frame types.
const (
	FrameWrite    = "write"
	FrameAck      = "ack"
	FrameMessages = "messages"
	FrameComplete = "complete"
	FrameError    = "error"
)

const writeWait = 10 * time.Second

// Frame is every JSON frame exchanged on either stream. []byte fields travel
// as base64 strings.
type Frame struct {
	Type      string        `json:"type"`
	Seq       int64         `json:"seq,omitempty"`
	Bodies    [][]byte      `json:"bodies,omitempty"`
	Timestamp int64         `json:"timestamp,omitempty"`
	Messages  []WireMessage `json:"messages,omitempty"`
	ID        int64         `json:"id,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// WireMessage is a message as sent to subscribers.
type WireMessage struct {
	ID        int64  `json:"id"`
	Timestamp int64  `json:"timestamp"` // unix ms
	Body      []byte `json:"body"`
}

var upgrader = gorillaws.Upgrader{
	// Requests without an Origin header (native clients) are allowed; browser
	// requests must come from the same host.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		return u.Host == r.Host
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// conn serialises writes; gorilla allows one concurrent writer.
type conn struct {
	ws *gorillaws.Conn
	mu sync.Mutex
}

func (c *conn) send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(f)
}

func (c *conn) closeWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := gorillaws.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(gorillaws.CloseMessage, msg, time.Now().Add(writeWait))
}

// ─── Writer stream ───────────────────────────────────────────────────────────

// WriterHandler serves publisher sessions.
type WriterHandler struct {
	Broker *broker.Broker
	Log    *slog.Logger
	// MaxMessageBytes rejects bodies larger than this when positive.
	MaxMessageBytes int
}

func (h *WriterHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("topic")
	log := logger(h.Log).With("topic", name, "stream", "writer", "remote", r.RemoteAddr)
	if _, err := h.Broker.Topic(name); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	c := &conn{ws: ws}

	writer, err := h.Broker.OpenWriter(name, func(a types.PublisherAck) error {
		return c.send(Frame{Type: FrameAck, Seq: a.SequenceNumber, Timestamp: a.Timestamp.UnixMilli()})
	}, topic.WriterOptions{})
	if err != nil {
		_ = c.send(Frame{Type: FrameError, Error: err.Error()})
		return
	}
	defer writer.Close()
	log.Debug("writer connected")

	for {
		var f Frame
		if err := ws.ReadJSON(&f); err != nil {
			if !isNormalClose(err) {
				log.Debug("writer stream read ended", "error", err)
			}
			return
		}
		if f.Type != FrameWrite {
			_ = c.send(Frame{Type: FrameError, Error: fmt.Sprintf("unexpected frame %q", f.Type)})
			continue
		}
		if err := h.checkSizes(f.Bodies); err != nil {
			_ = c.send(Frame{Type: FrameError, Seq: f.Seq, Error: err.Error()})
			continue
		}
		if err := writer.WriteBatch(f.Seq, f.Bodies); err != nil {
			_ = c.send(Frame{Type: FrameError, Seq: f.Seq, Error: err.Error()})
			if errors.Is(err, topic.ErrWriterClosed) || errors.Is(err, topic.ErrTopicNotRunning) {
				c.closeWith(gorillaws.CloseGoingAway, "writer closed")
				return
			}
			log.Warn("write failed", "seq", f.Seq, "error", err)
		}
	}
}

func (h *WriterHandler) checkSizes(bodies [][]byte) error {
	if h.MaxMessageBytes <= 0 {
		return nil
	}
	for i, b := range bodies {
		if len(b) > h.MaxMessageBytes {
			return fmt.Errorf("body %d is %d bytes, limit %d", i, len(b), h.MaxMessageBytes)
		}
	}
	return nil
}

// ─── Subscriber stream ───────────────────────────────────────────────────────

// SubscriberHandler serves subscriber sessions.
type SubscriberHandler struct {
	Broker *broker.Broker
	Log    *slog.Logger
}

func (h *SubscriberHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name, subName := r.PathValue("topic"), r.PathValue("sub")
	log := logger(h.Log).With("topic", name, "subscription", subName, "stream", "subscriber", "remote", r.RemoteAddr)

	maxBatch, err := queryInt(r, "max_batch_size")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	pushMs, err := queryInt(r, "push_interval_ms")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// A completed handshake means the subscriber is already live.
	opts := h.Broker.SubscriberOptions(maxBatch, time.Duration(pushMs)*time.Millisecond)
	sub, err := h.Broker.Subscribe(name, subName, opts)
	if err != nil {
		code := http.StatusServiceUnavailable
		if errors.Is(err, topic.ErrSubscriptionNotFound) || errors.Is(err, broker.ErrTopicNotFound) {
			code = http.StatusNotFound
		}
		http.Error(w, err.Error(), code)
		return
	}
	defer sub.Close()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	c := &conn{ws: ws}
	log.Debug("subscriber connected", "max_batch_size", opts.MaxBatchSize, "push_interval", opts.PushInterval)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		h.readCompletions(ws, c, sub, log)
	}()
	defer wg.Wait()
	// Closing the socket unblocks the completion reader.
	defer ws.Close()

	frame := Frame{Type: FrameMessages}
	for {
		batch, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if batch == nil {
			if serr := sub.Err(); serr != nil {
				log.Error("subscriber failed", "error", serr)
				_ = c.send(Frame{Type: FrameError, Error: serr.Error()})
				c.closeWith(gorillaws.CloseInternalServerErr, "subscriber failed")
				return
			}
			c.closeWith(gorillaws.CloseNormalClosure, "subscriber closed")
			return
		}

		frame.Messages = frame.Messages[:0]
		for _, m := range batch.Messages {
			frame.Messages = append(frame.Messages, WireMessage{
				ID:        m.ID,
				Timestamp: m.EnqueuedAt.UnixMilli(),
				Body:      m.Body,
			})
		}
		err = c.send(frame)
		batch.Release()
		if err != nil {
			log.Debug("subscriber stream write failed", "error", err)
			return
		}
	}
}

func (h *SubscriberHandler) readCompletions(ws *gorillaws.Conn, c *conn, sub *broker.Subscriber, log *slog.Logger) {
	for {
		var f Frame
		if err := ws.ReadJSON(&f); err != nil {
			if !isNormalClose(err) {
				log.Debug("subscriber stream read ended", "error", err)
			}
			return
		}
		if f.Type != FrameComplete {
			_ = c.send(Frame{Type: FrameError, Error: fmt.Sprintf("unexpected frame %q", f.Type)})
			continue
		}
		if err := sub.Complete(f.ID); err != nil {
			return
		}
	}
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

func isNormalClose(err error) bool {
	return gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway)
}
