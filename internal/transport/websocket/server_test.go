package websocket_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/fastq/internal/broker"
	"github.com/snehjoshi/fastq/internal/config"
	transportws "github.com/snehjoshi/fastq/internal/transport/websocket"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func newEnv(t *testing.T) (*broker.Broker, string) {
	t.Helper()
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	cfg.Topic.PersistenceIntervalMs = 5
	cfg.Topic.CleanupIntervalMs = 5
	cfg.Topic.PointersFlushIntervalMs = 5
	cfg.Subscriber.PushIntervalMs = 5
	cfg.Writer.ConfirmationIntervalMs = 5

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	b, err := broker.New(cfg, broker.WithLogger(log))
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	mux := http.NewServeMux()
	mux.Handle("GET /topics/{topic}/writer", &transportws.WriterHandler{Broker: b, Log: log, MaxMessageBytes: 8})
	mux.Handle("GET /topics/{topic}/subscriptions/{sub}/stream", &transportws.SubscriberHandler{Broker: b, Log: log})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return b, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *gorillaws.Conn {
	t.Helper()
	ws, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func read(t *testing.T, ws *gorillaws.Conn) transportws.Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f transportws.Frame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

// ─── Writer stream ───────────────────────────────────────────────────────────

func TestWriterStream_AckAndRejections(t *testing.T) {
	b, base := newEnv(t)
	if _, err := b.CreateTopic("orders"); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	ws := dial(t, base+"/topics/orders/writer")

	if err := ws.WriteJSON(transportws.Frame{Type: transportws.FrameWrite, Seq: 1, Bodies: [][]byte{[]byte("toolongbody")}}); err != nil {
		t.Fatal(err)
	}
	f := read(t, ws)
	if f.Type != transportws.FrameError || f.Seq != 1 {
		t.Fatalf("oversized write: got %+v", f)
	}

	if err := ws.WriteJSON(transportws.Frame{Type: transportws.FrameComplete, ID: 1}); err != nil {
		t.Fatal(err)
	}
	if f := read(t, ws); f.Type != transportws.FrameError {
		t.Fatalf("wrong frame type: got %+v", f)
	}

	if err := ws.WriteJSON(transportws.Frame{Type: transportws.FrameWrite, Seq: 2, Bodies: [][]byte{[]byte("a"), []byte("b")}}); err != nil {
		t.Fatal(err)
	}
	f = read(t, ws)
	if f.Type != transportws.FrameAck || f.Seq != 2 || f.Timestamp == 0 {
		t.Fatalf("ack: got %+v", f)
	}

	tp, err := b.Topic("orders")
	if err != nil {
		t.Fatal(err)
	}
	if tp.PersistedMessageID() < 2 {
		t.Fatalf("acked write not persisted: persisted = %d", tp.PersistedMessageID())
	}
}

func TestWriterStream_UnknownTopic(t *testing.T) {
	_, base := newEnv(t)
	_, resp, err := gorillaws.DefaultDialer.Dial(base+"/topics/nope/writer", nil)
	if err == nil {
		t.Fatal("dial should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404, got %v", resp)
	}
}

// ─── Subscriber stream ───────────────────────────────────────────────────────

func TestSubscriberStream_DeliverAndComplete(t *testing.T) {
	b, base := newEnv(t)
	if _, err := b.CreateTopic("orders"); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if err := b.CreateSubscription("orders", "billing", 0); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if _, err := b.Publish("orders", [][]byte{[]byte("a"), []byte("b"), []byte("c")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ws := dial(t, base+"/topics/orders/subscriptions/billing/stream?max_batch_size=2")

	var got []string
	var last int64
	for len(got) < 3 {
		f := read(t, ws)
		if f.Type != transportws.FrameMessages {
			t.Fatalf("unexpected frame %+v", f)
		}
		if len(f.Messages) > 2 {
			t.Fatalf("batch of %d exceeds max_batch_size", len(f.Messages))
		}
		for _, m := range f.Messages {
			if m.ID != last+1 {
				t.Fatalf("id %d after %d", m.ID, last)
			}
			last = m.ID
			got = append(got, string(m.Body))
		}
	}
	if strings.Join(got, ",") != "a,b,c" {
		t.Fatalf("delivered = %v", got)
	}

	if err := ws.WriteJSON(transportws.Frame{Type: transportws.FrameComplete, ID: 3}); err != nil {
		t.Fatal(err)
	}
	tp, err := b.Topic("orders")
	if err != nil {
		t.Fatal(err)
	}
	sub, err := tp.Subscription("billing")
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for sub.CompletedMessageID() != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("completed = %d, want 3", sub.CompletedMessageID())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSubscriberStream_BadQuery(t *testing.T) {
	b, base := newEnv(t)
	if _, err := b.CreateTopic("orders"); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if err := b.CreateSubscription("orders", "billing", 0); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	for path, want := range map[string]int{
		"/topics/orders/subscriptions/billing/stream?max_batch_size=x": http.StatusBadRequest,
		"/topics/orders/subscriptions/nope/stream":                     http.StatusNotFound,
		"/topics/nope/subscriptions/billing/stream":                    http.StatusNotFound,
	} {
		_, resp, err := gorillaws.DefaultDialer.Dial(base+path, nil)
		if err == nil {
			t.Fatalf("%s: dial should fail", path)
		}
		if resp == nil || resp.StatusCode != want {
			t.Fatalf("%s: want %d, got %v", path, want, resp)
		}
	}
}

func TestSubscriberStream_ClosedOnDelete(t *testing.T) {
	b, base := newEnv(t)
	if _, err := b.CreateTopic("orders"); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if err := b.CreateSubscription("orders", "billing", 0); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	ws := dial(t, base+"/topics/orders/subscriptions/billing/stream")

	if err := b.DeleteSubscription("orders", "billing"); err != nil {
		t.Fatalf("DeleteSubscription: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f transportws.Frame
	err := ws.ReadJSON(&f)
	if !gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure) {
		t.Fatalf("want normal close, got %v (frame %+v)", err, f)
	}
}
