package topic

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/fastq/internal/types"
)

// Batch is one push to a consumer. Messages is lent: it is overwritten by
// the next batch, so a consumer that keeps a message past Release must copy
// it. Message bodies themselves are immutable and may be retained.
type Batch struct {
	Messages []types.Message

	release chan struct{}
	once    sync.Once
}

// Release hands the batch back and lets the subscriber build the next one.
// Safe to call multiple times.
func (b *Batch) Release() {
	b.once.Do(func() { close(b.release) })
}

// LastID returns the ID of the last message in the batch.
func (b *Batch) LastID() int64 {
	if len(b.Messages) == 0 {
		return 0
	}
	return b.Messages[len(b.Messages)-1].ID
}

// Subscriber is the live delivery loop of a Subscription. Batches are
// delivered in ID order, one at a time: the next batch is built only after
// the previous one was released.
type Subscriber struct {
	sub  *Subscription
	opts SubscriberOptions
	log  *slog.Logger

	batches chan *Batch
	buf     []types.Message

	delivered atomic.Int64 // last ID handed to the consumer
	closed    atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	err      error // written before done is closed
}

func newSubscriber(sub *Subscription, opts SubscriberOptions) *Subscriber {
	opts = opts.withDefaults()
	s := &Subscriber{
		sub:     sub,
		opts:    opts,
		log:     sub.topic.log.With("subscription", sub.cfg.Name),
		batches: make(chan *Batch),
		buf:     make([]types.Message, opts.MaxBatchSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.delivered.Store(sub.CompletedMessageID())
	return s
}

func (s *Subscriber) start() {
	go s.run()
}

// Batches returns the delivery channel. It is closed when the subscriber
// stops for any reason.
func (s *Subscriber) Batches() <-chan *Batch { return s.batches }

// Complete acknowledges every message up to and including id. Values above
// the last delivered ID are clamped to it, values below the watermark are
// ignored.
func (s *Subscriber) Complete(id int64) error {
	if s.closed.Load() {
		return ErrSubscriberClosed
	}
	if d := s.delivered.Load(); id > d {
		id = d
	}
	s.sub.complete(id)
	return nil
}

// Close stops the loop and waits for it to exit. Safe to call multiple times.
func (s *Subscriber) Close() {
	s.closed.Store(true)
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Done is closed once the delivery loop has exited.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Err returns why the loop exited. It is nil while running and after a
// regular Close.
func (s *Subscriber) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Subscriber) run() {
	defer close(s.done)
	defer close(s.batches)

	if err := s.deliver(); err != nil {
		s.err = err
		s.closed.Store(true)
		s.log.Error("subscriber failed", "error", err)
	}
}

// deliver is the batching loop. It returns nil on Close.
func (s *Subscriber) deliver() error {
	pos := s.delivered.Load() // last ID copied into buf
	n := 0

	var timer *time.Timer
	var deadline <-chan time.Time
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, deadline = nil, nil
		}
	}
	defer stopTimer()

	for {
		snap := s.sub.topic.Snapshot()
		if n < len(s.buf) && pos < snap.LastID {
			if pos+1 < snap.StartID {
				return fmt.Errorf("subscriber %s: next id %d, first retained %d: %w",
					s.sub.cfg.Name, pos+1, snap.StartID, ErrMessageNotRetained)
			}
			c := snap.CopyFrom(pos+1, s.buf[n:])
			n += c
			pos += int64(c)
		}

		if n == len(s.buf) {
			stopTimer()
			if !s.push(n, pos) {
				return nil
			}
			n = 0
			continue
		}
		if n > 0 && timer == nil {
			timer = time.NewTimer(s.opts.PushInterval)
			deadline = timer.C
		}

		select {
		case <-s.stop:
			return nil
		case <-snap.Superseded():
		case <-deadline:
			timer, deadline = nil, nil
			if !s.push(n, pos) {
				return nil
			}
			n = 0
		}
	}
}

// push lends buf[:n] to the consumer and waits for its release. It reports
// false if the subscriber was closed meanwhile.
func (s *Subscriber) push(n int, last int64) bool {
	b := &Batch{Messages: s.buf[:n:n], release: make(chan struct{})}
	s.delivered.Store(last)

	select {
	case s.batches <- b:
	case <-s.stop:
		return false
	}
	select {
	case <-b.release:
	case <-s.stop:
		return false
	}
	clear(s.buf[:n])
	return true
}
