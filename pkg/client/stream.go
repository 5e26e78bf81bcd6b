package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Publisher and Stream methods after Close or after
// the connection has failed.
var ErrClosed = errors.New("fastq: stream closed")

const writeWait = 10 * time.Second

// ─── Wire types ───────────────────────────────────────────────────────────────

type frame struct {
	Type      string        `json:"type"`
	Seq       int64         `json:"seq,omitempty"`
	Bodies    [][]byte      `json:"bodies,omitempty"`
	Timestamp int64         `json:"timestamp,omitempty"`
	Messages  []wireMessage `json:"messages,omitempty"`
	ID        int64         `json:"id,omitempty"`
	Error     string        `json:"error,omitempty"`
}

type wireMessage struct {
	ID        int64  `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Body      []byte `json:"body"`
}

// Message is a message delivered to a subscription.
type Message struct {
	ID        int64
	Timestamp time.Time
	Body      []byte
}

// Ack is a cumulative durability confirmation: every write with a sequence
// number up to and including Seq is on disk.
type Ack struct {
	Seq       int64
	Timestamp time.Time
}

// ─── Connection ───────────────────────────────────────────────────────────────

// wsConn serialises writes; gorilla allows one concurrent writer.
type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex

	done    chan struct{}
	errOnce sync.Once
	err     error
}

func (c *Client) dial(ctx context.Context, path string) (*wsConn, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("fastq: parse url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{}
	if c.apiKey != "" {
		header.Set("X-Api-Key", c.apiKey)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			return nil, apiError(resp.StatusCode, []byte(strings.TrimSpace(string(body))))
		}
		return nil, fmt.Errorf("fastq: dial %s: %w", path, err)
	}
	return &wsConn{ws: ws, done: make(chan struct{})}, nil
}

func (c *wsConn) send(f frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(f); err != nil {
		return fmt.Errorf("fastq: send: %w", err)
	}
	return nil
}

// fail records the first terminal error and tears the connection down.
func (c *wsConn) fail(err error) {
	c.errOnce.Do(func() {
		c.err = err
		close(c.done)
		_ = c.ws.Close()
	})
}

// close sends a normal close frame and waits briefly for the server to echo it.
func (c *wsConn) close() {
	c.mu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.mu.Unlock()

	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	c.fail(ErrClosed)
}

func (c *wsConn) readErr(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ErrClosed
	}
	return fmt.Errorf("fastq: receive: %w", err)
}

// ─── Publisher ────────────────────────────────────────────────────────────────

// Publisher is a writer session on one topic. Writes are numbered by the
// publisher; acks arrive asynchronously once the server has persisted them.
// Publisher is safe for concurrent use.
type Publisher struct {
	conn  *wsConn
	onAck func(Ack)

	seqMu sync.Mutex
	seq   int64

	errMu    sync.Mutex
	lastFail string
}

// NewPublisher opens a writer stream on topic. onAck is called from the
// receive goroutine for every confirmation and may be nil.
func (c *Client) NewPublisher(ctx context.Context, topic string, onAck func(Ack)) (*Publisher, error) {
	conn, err := c.dial(ctx, topicPath(topic)+"/writer")
	if err != nil {
		return nil, err
	}
	p := &Publisher{conn: conn, onAck: onAck}
	go p.receive()
	return p, nil
}

// Write sends one message and returns its sequence number.
func (p *Publisher) Write(body []byte) (int64, error) {
	return p.WriteBatch([][]byte{body})
}

// WriteBatch sends bodies as one write and returns the sequence number the
// server will confirm them under.
func (p *Publisher) WriteBatch(bodies [][]byte) (int64, error) {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	p.seq++
	if err := p.conn.send(frame{Type: "write", Seq: p.seq, Bodies: bodies}); err != nil {
		return 0, err
	}
	return p.seq, nil
}

// LastError returns the most recent error frame sent by the server, such as
// a rejected oversized message.
func (p *Publisher) LastError() string {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.lastFail
}

// Done is closed when the publisher stops.
func (p *Publisher) Done() <-chan struct{} { return p.conn.done }

// Err returns the reason the publisher stopped, or nil while it runs.
func (p *Publisher) Err() error {
	select {
	case <-p.conn.done:
		return p.conn.err
	default:
		return nil
	}
}

// Close ends the session. Writes that were not yet confirmed may or may not
// be durable.
func (p *Publisher) Close() { p.conn.close() }

func (p *Publisher) receive() {
	for {
		var f frame
		if err := p.conn.ws.ReadJSON(&f); err != nil {
			p.conn.fail(p.conn.readErr(err))
			return
		}
		switch f.Type {
		case "ack":
			if p.onAck != nil {
				p.onAck(Ack{Seq: f.Seq, Timestamp: time.UnixMilli(f.Timestamp).UTC()})
			}
		case "error":
			p.errMu.Lock()
			p.lastFail = f.Error
			p.errMu.Unlock()
		}
	}
}

// ─── Subscriber stream ───────────────────────────────────────────────────────

// SubscribeOption configures a subscriber stream.
type SubscribeOption func(url.Values)

// WithMaxBatchSize caps the number of messages per delivered batch.
func WithMaxBatchSize(n int) SubscribeOption {
	return func(v url.Values) { v.Set("max_batch_size", strconv.Itoa(n)) }
}

// WithPushInterval sets how long the server waits before pushing a partial
// batch.
func WithPushInterval(d time.Duration) SubscribeOption {
	return func(v url.Values) { v.Set("push_interval_ms", strconv.FormatInt(d.Milliseconds(), 10)) }
}

// MessageHandler receives every delivered batch in order, on the stream's
// receive goroutine.
type MessageHandler func(s *Stream, msgs []Message)

// Stream is a live subscriber session.
type Stream struct {
	conn    *wsConn
	handler MessageHandler
}

// Subscribe opens a subscriber stream on topic/subscription. A new stream for
// the same subscription replaces this one on the server, which then closes
// it normally.
func (c *Client) Subscribe(ctx context.Context, topic, subscription string, handler MessageHandler, opts ...SubscribeOption) (*Stream, error) {
	if handler == nil {
		return nil, errors.New("fastq: subscribe needs a handler")
	}
	q := url.Values{}
	for _, o := range opts {
		o(q)
	}
	path := subscriptionPath(topic, subscription) + "/stream"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	conn, err := c.dial(ctx, path)
	if err != nil {
		return nil, err
	}
	s := &Stream{conn: conn, handler: handler}
	go s.receive()
	return s, nil
}

// Complete acknowledges every delivered message up to and including id.
func (s *Stream) Complete(id int64) error {
	return s.conn.send(frame{Type: "complete", ID: id})
}

// Done is closed when the stream stops.
func (s *Stream) Done() <-chan struct{} { return s.conn.done }

// Err returns the reason the stream stopped, or nil while it runs. A stream
// replaced by a newer one reports ErrClosed.
func (s *Stream) Err() error {
	select {
	case <-s.conn.done:
		return s.conn.err
	default:
		return nil
	}
}

// Close ends the stream. Uncompleted messages are delivered again to the next
// stream of the subscription.
func (s *Stream) Close() { s.conn.close() }

func (s *Stream) receive() {
	for {
		var f frame
		if err := s.conn.ws.ReadJSON(&f); err != nil {
			s.conn.fail(s.conn.readErr(err))
			return
		}
		switch f.Type {
		case "messages":
			msgs := make([]Message, len(f.Messages))
			for i, m := range f.Messages {
				msgs[i] = Message{ID: m.ID, Timestamp: time.UnixMilli(m.Timestamp).UTC(), Body: m.Body}
			}
			s.handler(s, msgs)
		case "error":
			s.conn.fail(fmt.Errorf("fastq: server: %s", f.Error))
			return
		}
	}
}
