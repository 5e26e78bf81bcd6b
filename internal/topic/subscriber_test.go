package topic_test

import (
	"errors"
	"testing"
	"time"

	"github.com/snehjoshi/fastq/internal/topic"
)

// ─── Batching ────────────────────────────────────────────────────────────────

func TestSubscriber_BatchesRespectMaxSize(t *testing.T) {
	tp := startTopic(t, t.TempDir(), fastOptions())
	if err := tp.CreateSubscription("billing", 1); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	writeN(t, tp, 10)
	waitPersisted(t, tp, 10)

	s, err := tp.Subscribe("billing", topic.SubscriberOptions{MaxBatchSize: 4, PushInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	var next int64 = 1
	for i, want := range []int{4, 4, 2} {
		b := recvBatch(t, s)
		if len(b.Messages) != want {
			t.Fatalf("batch %d: want %d messages, got %d", i, want, len(b.Messages))
		}
		ids := make([]int64, 0, len(b.Messages))
		for _, m := range b.Messages {
			ids = append(ids, m.ID)
		}
		assertSeq(t, ids, next)
		next += int64(len(ids))
		if b.LastID() != next-1 {
			t.Fatalf("batch %d: LastID = %d, want %d", i, b.LastID(), next-1)
		}
		b.Release()
		b.Release()
	}
}

func TestSubscriber_PartialBatchPushedAfterInterval(t *testing.T) {
	tp := startTopic(t, t.TempDir(), fastOptions())
	if err := tp.CreateSubscription("billing", 1); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	s, _ := tp.Subscribe("billing", topic.SubscriberOptions{MaxBatchSize: 100, PushInterval: 10 * time.Millisecond})

	writeN(t, tp, 2)
	b := recvBatch(t, s)
	if len(b.Messages) == 0 || b.Messages[0].ID != 1 {
		t.Fatalf("first batch = %+v", b.Messages)
	}
	b.Release()
}

// ─── Completion ──────────────────────────────────────────────────────────────

func TestSubscriber_CompleteClampsToDelivered(t *testing.T) {
	tp := startTopic(t, t.TempDir(), fastOptions())
	if err := tp.CreateSubscription("billing", 1); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	writeN(t, tp, 3)
	waitPersisted(t, tp, 3)

	s, _ := tp.Subscribe("billing", topic.SubscriberOptions{})
	collectIDs(t, s, 3)

	if err := s.Complete(100); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	sub, _ := tp.Subscription("billing")
	if got := sub.CompletedMessageID(); got != 3 {
		t.Fatalf("cursor: want clamped to 3, got %d", got)
	}
	if err := s.Complete(1); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := sub.CompletedMessageID(); got != 3 {
		t.Fatalf("cursor must never move back: got %d", got)
	}
}

func TestSubscriber_ResubscribeRedeliversUncompleted(t *testing.T) {
	tp := startTopic(t, t.TempDir(), fastOptions())
	if err := tp.CreateSubscription("billing", 1); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	writeN(t, tp, 5)
	waitPersisted(t, tp, 5)

	s, _ := tp.Subscribe("billing", topic.SubscriberOptions{})
	collectIDs(t, s, 5)
	if err := s.Complete(2); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	s.Close()

	again, err := tp.Subscribe("billing", topic.SubscriberOptions{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	ids := collectIDs(t, again, 3)
	if len(ids) != 3 {
		t.Fatalf("want ids 3..5, got %v", ids)
	}
	assertSeq(t, ids, 3)
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

func TestSubscriber_NewSubscriberReplacesLiveOne(t *testing.T) {
	tp := startTopic(t, t.TempDir(), fastOptions())
	if err := tp.CreateSubscription("billing", 0); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	first, _ := tp.Subscribe("billing", topic.SubscriberOptions{})
	second, _ := tp.Subscribe("billing", topic.SubscriberOptions{})

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("replaced subscriber is still running")
	}
	if _, ok := <-first.Batches(); ok {
		t.Fatal("replaced subscriber's batch channel should be closed")
	}
	if err := first.Complete(1); !errors.Is(err, topic.ErrSubscriberClosed) {
		t.Fatalf("Complete on replaced subscriber: want ErrSubscriberClosed, got %v", err)
	}
	if first.Err() != nil {
		t.Fatalf("replacement is not a failure: %v", first.Err())
	}

	writeN(t, tp, 1)
	ids := collectIDs(t, second, 1)
	assertSeq(t, ids, 1)
}

func TestSubscriber_CloseIsIdempotent(t *testing.T) {
	tp := startTopic(t, t.TempDir(), fastOptions())
	if err := tp.CreateSubscription("billing", 0); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	s, _ := tp.Subscribe("billing", topic.SubscriberOptions{})
	s.Close()
	s.Close()
	if s.Err() != nil {
		t.Fatalf("Err after Close: %v", s.Err())
	}
}
