package client_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/snehjoshi/fastq/internal/broker"
	"github.com/snehjoshi/fastq/internal/config"
	"github.com/snehjoshi/fastq/internal/metrics"
	"github.com/snehjoshi/fastq/internal/node"
	transphttp "github.com/snehjoshi/fastq/internal/transport/http"
	"github.com/snehjoshi/fastq/pkg/client"
)

// ─── test server helpers ──────────────────────────────────────────────────────

// newTestEnv spins up a real FastQ stack (broker + HTTP) backed by
// httptest.Server. All resources are cleaned up in t.Cleanup.
func newTestEnv(t *testing.T, mutate ...func(*config.Config)) string {
	t.Helper()

	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	cfg.Topic.PersistenceIntervalMs = 5
	cfg.Topic.CleanupIntervalMs = 5
	cfg.Topic.PointersFlushIntervalMs = 5
	cfg.Subscriber.PushIntervalMs = 5
	cfg.Writer.ConfirmationIntervalMs = 5
	for _, m := range mutate {
		m(cfg)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := &metrics.Registry{}
	b, err := broker.New(cfg, broker.WithLogger(log), broker.WithMetrics(reg))
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	n, err := node.New(cfg.Node.DataDir, "")
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}
	srv := transphttp.New(b, n, cfg, reg, log)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

// ctx is a convenience context for tests.
func ctx() context.Context { return context.Background() }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// collector gathers delivered messages from a stream.
type collector struct {
	mu   sync.Mutex
	msgs []client.Message
}

func (c *collector) handle(s *client.Stream, msgs []client.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msgs...)
	c.mu.Unlock()
	_ = s.Complete(msgs[len(msgs)-1].ID)
}

func (c *collector) bodies() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = string(m.Body)
	}
	return out
}

// ─── Management ───────────────────────────────────────────────────────────────

func TestClient_TopicManagement(t *testing.T) {
	c := client.New(newTestEnv(t))

	if err := c.CreateTopic(ctx(), "orders"); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if err := c.CreateTopic(ctx(), "orders"); !client.IsConflict(err) {
		t.Fatalf("duplicate CreateTopic: want conflict, got %v", err)
	}
	topics, err := c.ListTopics(ctx())
	if err != nil {
		t.Fatalf("ListTopics: %v", err)
	}
	if len(topics) != 1 || topics[0] != "orders" {
		t.Fatalf("topics = %v", topics)
	}
	info, err := c.Topic(ctx(), "orders")
	if err != nil {
		t.Fatalf("Topic: %v", err)
	}
	if info.State != "running" {
		t.Fatalf("state = %s", info.State)
	}

	h, err := c.Health(ctx())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "ok" || h.Topics != 1 {
		t.Fatalf("health = %+v", h)
	}

	if err := c.DeleteTopic(ctx(), "orders"); err != nil {
		t.Fatalf("DeleteTopic: %v", err)
	}
	if _, err := c.Topic(ctx(), "orders"); !client.IsNotFound(err) {
		t.Fatalf("Topic after delete: want not found, got %v", err)
	}
}

func TestClient_SubscriptionManagement(t *testing.T) {
	c := client.New(newTestEnv(t))
	if err := c.CreateTopic(ctx(), "orders"); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	if err := c.CreateSubscription(ctx(), "orders", "billing", 0); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if err := c.CreateSubscription(ctx(), "orders", "billing", 0); !client.IsConflict(err) {
		t.Fatalf("duplicate: want conflict, got %v", err)
	}
	ok, err := c.SubscriptionExists(ctx(), "orders", "billing")
	if err != nil || !ok {
		t.Fatalf("SubscriptionExists(billing) = %v, %v", ok, err)
	}
	ok, err = c.SubscriptionExists(ctx(), "orders", "audit")
	if err != nil || ok {
		t.Fatalf("SubscriptionExists(audit) = %v, %v", ok, err)
	}
	if _, err := c.SubscriptionExists(ctx(), "nope", "billing"); !client.IsNotFound(err) {
		t.Fatalf("missing topic: want not found, got %v", err)
	}

	subs, err := c.ListSubscriptions(ctx(), "orders")
	if err != nil || len(subs) != 1 || subs[0] != "billing" {
		t.Fatalf("ListSubscriptions = %v, %v", subs, err)
	}
	if err := c.DeleteSubscription(ctx(), "orders", "billing"); err != nil {
		t.Fatalf("DeleteSubscription: %v", err)
	}
	if err := c.DeleteSubscription(ctx(), "orders", "billing"); !client.IsNotFound(err) {
		t.Fatalf("second delete: want not found, got %v", err)
	}
}

func TestClient_APIKey(t *testing.T) {
	url := newTestEnv(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.APIKey = "secret"
	})

	var ae *client.APIError
	if err := client.New(url).CreateTopic(ctx(), "orders"); !errors.As(err, &ae) || ae.StatusCode != 401 {
		t.Fatalf("without key: want 401, got %v", err)
	}
	c := client.New(url, client.WithAPIKey("secret"))
	if err := c.CreateTopic(ctx(), "orders"); err != nil {
		t.Fatalf("with key: %v", err)
	}
	if err := c.CreateSubscription(ctx(), "orders", "billing", 0); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	var col collector
	s, err := c.Subscribe(ctx(), "orders", "billing", col.handle)
	if err != nil {
		t.Fatalf("Subscribe with key: %v", err)
	}
	s.Close()
}

// ─── Streams ──────────────────────────────────────────────────────────────────

func TestClient_PublishConfirmDeliverComplete(t *testing.T) {
	c := client.New(newTestEnv(t))
	if err := c.CreateTopic(ctx(), "orders"); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if err := c.CreateSubscription(ctx(), "orders", "billing", 0); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	var col collector
	s, err := c.Subscribe(ctx(), "orders", "billing", col.handle, client.WithMaxBatchSize(2))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer s.Close()

	acks := make(chan client.Ack, 16)
	p, err := c.NewPublisher(ctx(), "orders", func(a client.Ack) { acks <- a })
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	defer p.Close()

	var last int64
	for i := 1; i <= 5; i++ {
		seq, err := p.Write([]byte(fmt.Sprintf("m%d", i)))
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		last = seq
	}
	deadline := time.After(5 * time.Second)
	for confirmed := int64(0); confirmed < last; {
		select {
		case a := <-acks:
			if a.Seq < confirmed {
				t.Fatalf("acks went backwards: %d after %d", a.Seq, confirmed)
			}
			confirmed = a.Seq
		case <-deadline:
			t.Fatalf("timed out waiting for ack %d", last)
		}
	}

	waitFor(t, "delivery", func() bool { return len(col.bodies()) == 5 })
	if got := strings.Join(col.bodies(), ","); got != "m1,m2,m3,m4,m5" {
		t.Fatalf("delivered = %s", got)
	}
	waitFor(t, "completion", func() bool {
		info, err := c.Subscription(ctx(), "orders", "billing")
		return err == nil && info.CompletedMessageID == 5 && info.Lag == 0
	})
}

func TestClient_PublishHTTPThenStream(t *testing.T) {
	c := client.New(newTestEnv(t))
	if err := c.CreateTopic(ctx(), "orders"); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	res, err := c.Publish(ctx(), "orders", []byte("a"), []byte("b"), []byte("c"))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if res.FirstID != 1 || res.LastID != 3 {
		t.Fatalf("publish result = %+v", res)
	}
	if err := c.CreateSubscription(ctx(), "orders", "replay", 2); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	var col collector
	s, err := c.Subscribe(ctx(), "orders", "replay", col.handle, client.WithPushInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer s.Close()

	waitFor(t, "delivery", func() bool { return len(col.bodies()) == 2 })
	if got := strings.Join(col.bodies(), ","); got != "b,c" {
		t.Fatalf("delivered = %s", got)
	}
}

func TestClient_SubscribeUnknown(t *testing.T) {
	c := client.New(newTestEnv(t))
	if err := c.CreateTopic(ctx(), "orders"); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	var col collector
	if _, err := c.Subscribe(ctx(), "orders", "nope", col.handle); !client.IsNotFound(err) {
		t.Fatalf("unknown subscription: want not found, got %v", err)
	}
	if _, err := c.NewPublisher(ctx(), "nope", nil); !client.IsNotFound(err) {
		t.Fatalf("unknown topic: want not found, got %v", err)
	}
}

func TestClient_NewStreamReplacesOld(t *testing.T) {
	c := client.New(newTestEnv(t))
	if err := c.CreateTopic(ctx(), "orders"); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if err := c.CreateSubscription(ctx(), "orders", "billing", 0); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	var first, second collector
	s1, err := c.Subscribe(ctx(), "orders", "billing", first.handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	s2, err := c.Subscribe(ctx(), "orders", "billing", second.handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer s2.Close()

	select {
	case <-s1.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("first stream was not closed")
	}
	if !errors.Is(s1.Err(), client.ErrClosed) {
		t.Fatalf("replaced stream err = %v, want ErrClosed", s1.Err())
	}

	if _, err := c.Publish(ctx(), "orders", []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, "delivery to new stream", func() bool { return len(second.bodies()) == 1 })
	if s2.Err() != nil {
		t.Fatalf("live stream err = %v", s2.Err())
	}
}

func TestClient_PublisherCloseStopsWrites(t *testing.T) {
	c := client.New(newTestEnv(t))
	if err := c.CreateTopic(ctx(), "orders"); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	p, err := c.NewPublisher(ctx(), "orders", nil)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	p.Close()
	if _, err := p.Write([]byte("late")); !errors.Is(err, client.ErrClosed) {
		t.Fatalf("Write after Close: want ErrClosed, got %v", err)
	}
	if !errors.Is(p.Err(), client.ErrClosed) {
		t.Fatalf("Err = %v", p.Err())
	}
}
