package topic

import (
	"sync"
	"sync/atomic"

	"github.com/snehjoshi/fastq/internal/types"
)

// Subscription is a durable, named cursor over a topic. Its completed
// watermark only moves forward: every message with an ID at or below it is
// delivered, acknowledged and may be freed.
type Subscription struct {
	topic     *Topic
	cfg       types.SubscriptionConfig
	completed atomic.Int64

	mu   sync.Mutex
	live *Subscriber
}

func newSubscription(t *Topic, cfg types.SubscriptionConfig, completed int64) *Subscription {
	s := &Subscription{topic: t, cfg: cfg}
	s.completed.Store(completed)
	return s
}

// ID returns the stable ULID of the subscription.
func (s *Subscription) ID() string { return s.cfg.ID }

// Name returns the subscription name, unique within the topic.
func (s *Subscription) Name() string { return s.cfg.Name }

// CompletedMessageID returns the cumulative completion watermark.
func (s *Subscription) CompletedMessageID() int64 { return s.completed.Load() }

// complete raises the watermark to id; lower values are ignored.
func (s *Subscription) complete(id int64) {
	for {
		cur := s.completed.Load()
		if id <= cur || s.completed.CompareAndSwap(cur, id) {
			return
		}
	}
}

// subscribe closes the live subscriber, if any, and starts a new one that
// resumes right after the watermark.
func (s *Subscription) subscribe(opts SubscriberOptions) *Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live != nil {
		s.live.Close()
		s.topic.log.Info("subscriber replaced", "subscription", s.cfg.Name)
	}
	sub := newSubscriber(s, opts)
	s.live = sub
	sub.start()
	return sub
}

func (s *Subscription) closeSubscriber() {
	s.mu.Lock()
	live := s.live
	s.live = nil
	s.mu.Unlock()
	if live != nil {
		live.Close()
	}
}
