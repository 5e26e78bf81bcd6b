package broker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/snehjoshi/fastq/internal/broker"
	"github.com/snehjoshi/fastq/internal/config"
	"github.com/snehjoshi/fastq/internal/metrics"
	"github.com/snehjoshi/fastq/internal/topic"
	"github.com/snehjoshi/fastq/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func testConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.Node.DataDir = dir
	cfg.Topic.PersistenceIntervalMs = 5
	cfg.Topic.CleanupIntervalMs = 5
	cfg.Topic.PointersFlushIntervalMs = 5
	cfg.Subscriber.PushIntervalMs = 5
	cfg.Writer.ConfirmationIntervalMs = 5
	return cfg
}

func openBroker(t *testing.T, dir string, opts ...broker.Option) *broker.Broker {
	t.Helper()
	opts = append([]broker.Option{broker.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	b, err := broker.New(testConfig(dir), opts...)
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// ─── Topic management ────────────────────────────────────────────────────────

func TestBroker_CreateListDeleteTopic(t *testing.T) {
	dir := t.TempDir()
	b := openBroker(t, dir)

	for _, name := range []string{"orders", "audit.log", "a-b_c"} {
		if _, err := b.CreateTopic(name); err != nil {
			t.Fatalf("CreateTopic(%s): %v", name, err)
		}
	}
	if _, err := b.CreateTopic("orders"); !errors.Is(err, broker.ErrTopicExists) {
		t.Fatalf("duplicate: want ErrTopicExists, got %v", err)
	}

	got := strings.Join(b.ListTopics(), ",")
	if got != "a-b_c,audit.log,orders" {
		t.Fatalf("ListTopics = %s", got)
	}

	if err := b.DeleteTopic("orders"); err != nil {
		t.Fatalf("DeleteTopic: %v", err)
	}
	if _, err := b.Topic("orders"); !errors.Is(err, broker.ErrTopicNotFound) {
		t.Fatalf("Topic after delete: want ErrTopicNotFound, got %v", err)
	}
	if err := b.DeleteTopic("orders"); !errors.Is(err, broker.ErrTopicNotFound) {
		t.Fatalf("second delete: want ErrTopicNotFound, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, broker.TopicsDirName, "orders")); !os.IsNotExist(err) {
		t.Fatalf("topic dir should be removed, stat err = %v", err)
	}
}

func TestBroker_InvalidNames(t *testing.T) {
	b := openBroker(t, t.TempDir())
	for _, name := range []string{"", ".hidden", "has space", "slash/name", strings.Repeat("x", 129)} {
		if _, err := b.CreateTopic(name); !errors.Is(err, broker.ErrInvalidName) {
			t.Errorf("CreateTopic(%q): want ErrInvalidName, got %v", name, err)
		}
	}
	if _, err := b.CreateTopic("orders"); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if err := b.CreateSubscription("orders", "bad name", 0); !errors.Is(err, broker.ErrInvalidName) {
		t.Errorf("CreateSubscription: want ErrInvalidName, got %v", err)
	}
}

func TestBroker_RestoresTopicsAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	b, err := broker.New(testConfig(dir), broker.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	if _, err := b.CreateTopic("orders"); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if _, err := b.CreateTopic("events"); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if err := b.CreateSubscription("orders", "billing", 1); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if _, err := b.Publish("orders", [][]byte{[]byte("a"), []byte("b"), []byte("c")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := b.Topic("orders"); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("Topic after Close: want ErrClosed, got %v", err)
	}

	again := openBroker(t, dir)
	if got := strings.Join(again.ListTopics(), ","); got != "events,orders" {
		t.Fatalf("restored topics = %s", got)
	}
	tp, err := again.Topic("orders")
	if err != nil {
		t.Fatalf("Topic: %v", err)
	}
	if tp.PersistedMessageID() != 3 {
		t.Fatalf("PersistedMessageID after restart: want 3, got %d", tp.PersistedMessageID())
	}
	if !tp.SubscriptionExists("billing") {
		t.Fatal("subscription billing should survive restart")
	}
}

func TestBroker_SkipsForeignEntries(t *testing.T) {
	dir := t.TempDir()
	topics := filepath.Join(dir, broker.TopicsDirName)
	if err := os.MkdirAll(topics, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(topics, "README"), []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(topics, ".trash"), 0o750); err != nil {
		t.Fatal(err)
	}

	b := openBroker(t, dir)
	if n := len(b.ListTopics()); n != 0 {
		t.Fatalf("expected no topics, got %v", b.ListTopics())
	}
}

// ─── Metered paths ───────────────────────────────────────────────────────────

func TestBroker_WriterAndSubscriberFeedMetrics(t *testing.T) {
	var reg metrics.Registry
	b := openBroker(t, t.TempDir(), broker.WithMetrics(&reg))

	if _, err := b.CreateTopic("orders"); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if err := b.CreateSubscription("orders", "billing", 1); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	acks := make(chan types.PublisherAck, 16)
	w, err := b.OpenWriter("orders", func(a types.PublisherAck) error {
		acks <- a
		return nil
	}, topic.WriterOptions{})
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	defer w.Close()
	if err := w.WriteBatch(7, [][]byte{[]byte("a"), []byte("b"), []byte("c")}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	select {
	case a := <-acks:
		if a.SequenceNumber != 7 {
			t.Fatalf("ack seq = %d, want 7", a.SequenceNumber)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for ack")
	}

	s, err := b.Subscribe("orders", "billing", b.SubscriberOptions(0, 0))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer s.Close()

	var last int64
	for last < 3 {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		batch, err := s.Next(ctx)
		cancel()
		if err != nil || batch == nil {
			t.Fatalf("Next: batch %v, err %v", batch, err)
		}
		last = batch.LastID()
		batch.Release()
	}
	if err := s.Complete(3); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := s.Complete(2); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	key := metrics.SubscriptionKey("orders", "billing")
	if got := reg.Published.Value("orders"); got != 3 {
		t.Errorf("published = %d, want 3", got)
	}
	if got := reg.Confirmed.Value("orders"); got != 1 {
		t.Errorf("confirmed = %d, want 1", got)
	}
	if got := reg.Delivered.Value(key); got != 3 {
		t.Errorf("delivered = %d, want 3", got)
	}
	if got := reg.Completed.Value(key); got != 3 {
		t.Errorf("completed = %d, want 3", got)
	}

	waitFor(t, "gauges", func() bool {
		return strings.Contains(reg.Render(), `fastq_topic_first_retained_id{topic="orders"} 4`)
	})
}

func TestBroker_SubscriberOptionsClamp(t *testing.T) {
	b := openBroker(t, t.TempDir())

	def := b.SubscriberOptions(0, 0)
	if def.MaxBatchSize != 1000 || def.PushInterval != 5*time.Millisecond {
		t.Fatalf("defaults = %+v", def)
	}
	capped := b.SubscriberOptions(1_000_000, time.Second)
	if capped.MaxBatchSize != 10_000 || capped.PushInterval != time.Second {
		t.Fatalf("capped = %+v", capped)
	}
}

func TestBroker_SubscribeUnknown(t *testing.T) {
	b := openBroker(t, t.TempDir())
	if _, err := b.Subscribe("nope", "x", topic.SubscriberOptions{}); !errors.Is(err, broker.ErrTopicNotFound) {
		t.Fatalf("want ErrTopicNotFound, got %v", err)
	}
	if _, err := b.CreateTopic("orders"); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if _, err := b.Subscribe("orders", "x", topic.SubscriberOptions{}); !errors.Is(err, topic.ErrSubscriptionNotFound) {
		t.Fatalf("want ErrSubscriptionNotFound, got %v", err)
	}
	if err := b.DeleteSubscription("orders", "x"); !errors.Is(err, topic.ErrSubscriptionNotFound) {
		t.Fatalf("want ErrSubscriptionNotFound, got %v", err)
	}
}
