// Package topic implements the per-topic engine: ID assignment, the write
// path, durable persistence, snapshot publication, subscription cursors and
// the background maintenance loops.
//
// Lifecycle:
//
//	New → Restore → Start → (Write / Subscribe / CreateWriter ...) → Stop → [Destroy]
//
// Concurrency: dataMu guards the log buffer and the ID counters, subsMu the
// subscription map and writersMu the writer set. When both subsMu and dataMu
// are needed, subsMu is taken first. Readers never lock: they load the
// latest DataSnapshot atomically.
package topic

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/fastq/internal/logbuf"
	"github.com/snehjoshi/fastq/internal/node"
	"github.com/snehjoshi/fastq/internal/storage"
	"github.com/snehjoshi/fastq/internal/types"
)

// ─── State ───────────────────────────────────────────────────────────────────

// State is the lifecycle state of a Topic.
type State int32

const (
	StateCreated State = iota
	StateRestoring
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRestoring:
		return "restoring"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ─── Topic ───────────────────────────────────────────────────────────────────

// Stores bundles the durable collaborators of a topic.
type Stores struct {
	Messages      storage.PersistentStorage
	Subscriptions storage.SubscriptionsConfigStorage
	Pointers      storage.SubscriptionPointersStorage
}

// WriteResult describes the IDs assigned to one write.
type WriteResult struct {
	FirstID    int64
	LastID     int64
	EnqueuedAt time.Time
}

// Topic is a named, ordered, durable stream of messages.
type Topic struct {
	name   string
	opts   Options
	stores Stores
	log    *slog.Logger

	state atomic.Int32

	dataMu    sync.Mutex
	data      *logbuf.Buffer[types.Message]
	lastID    int64
	scratch   []types.Message
	persisted atomic.Int64
	snapshot  atomic.Pointer[DataSnapshot]

	subsMu     sync.Mutex
	subs       map[string]*Subscription
	lastFreeTo int64

	writersMu sync.Mutex
	writers   map[*Writer]struct{}

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error

	persistStats  loopStats
	cleanupStats  loopStats
	pointersStats loopStats
}

// New returns a topic in the Created state. Call Restore and Start before use.
func New(name string, stores Stores, opts Options, logger *slog.Logger) *Topic {
	if logger == nil {
		logger = slog.Default()
	}
	return &Topic{
		name:    name,
		opts:    opts.withDefaults(),
		stores:  stores,
		log:     logger.With("topic", name),
		subs:    make(map[string]*Subscription),
		writers: make(map[*Writer]struct{}),
		done:    make(chan struct{}),
	}
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// State returns the current lifecycle state. It is Restoring from the start
// of Restore until Start returns.
func (t *Topic) State() State { return State(t.state.Load()) }

// LastMessageID returns the highest ID assigned so far, 0 if none.
func (t *Topic) LastMessageID() int64 {
	t.dataMu.Lock()
	defer t.dataMu.Unlock()
	return t.lastID
}

// PersistedMessageID returns the highest durably flushed ID, 0 if none.
func (t *Topic) PersistedMessageID() int64 { return t.persisted.Load() }

// Snapshot returns the latest published snapshot. It covers durable
// messages only.
func (t *Topic) Snapshot() *DataSnapshot { return t.snapshot.Load() }

// ─── Restore / Start / Stop ──────────────────────────────────────────────────

// Restore rebuilds the buffer and counters from the durable log and loads
// the subscriptions with their cursors.
func (t *Topic) Restore() error {
	if !t.state.CompareAndSwap(int32(StateCreated), int32(StateRestoring)) {
		return fmt.Errorf("topic %s: restore in state %s", t.name, t.State())
	}

	t.dataMu.Lock()
	err := t.restoreMessages()
	t.dataMu.Unlock()
	if err != nil {
		return err
	}

	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	return t.restoreSubscriptions()
}

func (t *Topic) restoreMessages() error {
	var data *logbuf.Buffer[types.Message]
	var last int64
	err := t.stores.Messages.Restore(func(m types.Message) error {
		if data == nil {
			data = logbuf.New[types.Message](t.opts.Buffer, m.ID)
		} else if m.ID != last+1 {
			return fmt.Errorf("message %d follows %d: %w", m.ID, last, storage.ErrCorrupted)
		}
		data.Add(m)
		last = m.ID
		return nil
	})
	if err != nil {
		return fmt.Errorf("topic %s: restore messages: %w", t.name, err)
	}
	if data == nil {
		data = logbuf.New[types.Message](t.opts.Buffer, 1)
	}

	t.data = data
	t.lastID = last
	t.persisted.Store(last)
	t.publishSnapshot()
	t.lastFreeTo = data.First()

	t.log.Info("topic restored",
		"first_id", data.First(),
		"last_id", last,
	)
	return nil
}

func (t *Topic) restoreSubscriptions() error {
	configs, err := t.stores.Subscriptions.Read()
	if err != nil {
		return fmt.Errorf("topic %s: read subscriptions: %w", t.name, err)
	}
	pointers, err := t.stores.Pointers.Restore(t.completedIDs)
	if err != nil {
		return fmt.Errorf("topic %s: restore cursors: %w", t.name, err)
	}

	t.dataMu.Lock()
	first, last := t.data.First(), t.lastID
	t.dataMu.Unlock()
	persisted := t.persisted.Load()

	for _, cfg := range configs {
		completed, ok := pointers[cfg.ID]
		if !ok {
			completed = persisted
		}
		switch {
		case completed < first-1:
			t.log.Warn("subscription cursor below retained messages; skipping ahead",
				"subscription", cfg.Name, "cursor", completed, "first_id", first)
			completed = first - 1
		case completed > last:
			t.log.Warn("subscription cursor beyond last message; clamping",
				"subscription", cfg.Name, "cursor", completed, "last_id", last)
			completed = last
		}
		t.subs[cfg.Name] = newSubscription(t, cfg, completed)
	}
	return nil
}

// Start launches the persistence, cleanup and cursor-flush loops. A topic
// that was never restored is restored first.
func (t *Topic) Start() error {
	if t.State() == StateCreated {
		if err := t.Restore(); err != nil {
			return err
		}
	}
	if !t.state.CompareAndSwap(int32(StateRestoring), int32(StateRunning)) {
		return fmt.Errorf("topic %s: start in state %s", t.name, t.State())
	}

	t.wg.Add(3)
	go t.runLoop("persistence", t.opts.PersistenceInterval, t.opts.PersistenceMaxFails, &t.persistStats, t.persist)
	go t.runLoop("cleanup", t.opts.CleanupInterval, t.opts.CleanupMaxFails, &t.cleanupStats, t.cleanup)
	go t.runLoop("pointers", t.opts.PointersFlushInterval, t.opts.PointersFlushMaxFails, &t.pointersStats, t.stores.Pointers.Flush)
	return nil
}

// Stop stops the loops, closes every writer and subscriber, makes all
// accepted writes and cursors durable and closes the stores.
// Safe to call multiple times.
func (t *Topic) Stop() error {
	t.stopOnce.Do(func() {
		prev := State(t.state.Swap(int32(StateStopping)))
		if prev == StateRunning {
			close(t.done)
			t.wg.Wait()
		}

		t.writersMu.Lock()
		writers := make([]*Writer, 0, len(t.writers))
		for w := range t.writers {
			writers = append(writers, w)
		}
		t.writersMu.Unlock()
		for _, w := range writers {
			w.Close()
		}

		t.subsMu.Lock()
		subs := make([]*Subscription, 0, len(t.subs))
		for _, s := range t.subs {
			subs = append(subs, s)
		}
		t.subsMu.Unlock()
		for _, s := range subs {
			s.closeSubscriber()
		}

		var errs []error
		if prev == StateRunning || prev == StateRestoring {
			if err := t.persist(); err != nil {
				errs = append(errs, fmt.Errorf("final persist: %w", err))
			}
			if err := t.stores.Pointers.Flush(); err != nil {
				errs = append(errs, fmt.Errorf("final cursor flush: %w", err))
			}
		}
		if err := t.stores.Messages.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close messages: %w", err))
		}
		if err := t.stores.Pointers.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cursors: %w", err))
		}

		t.state.Store(int32(StateStopped))
		if len(errs) > 0 {
			t.stopErr = fmt.Errorf("topic %s: stop: %w", t.name, errors.Join(errs...))
			t.log.Error("topic stopped with errors", "error", t.stopErr)
			return
		}
		t.log.Info("topic stopped", "last_id", t.LastMessageID(), "persisted_id", t.PersistedMessageID())
	})
	return t.stopErr
}

// Destroy stops the topic and removes all of its durable data.
func (t *Topic) Destroy() error {
	stopErr := t.Stop()
	var errs []error
	if err := t.stores.Messages.Destroy(); err != nil {
		errs = append(errs, err)
	}
	if err := t.stores.Subscriptions.Destroy(); err != nil {
		errs = append(errs, err)
	}
	if err := t.stores.Pointers.Destroy(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("topic %s: destroy: %w", t.name, errors.Join(errs...))
	}
	if stopErr != nil {
		t.log.Warn("topic destroyed after failed stop", "error", stopErr)
	}
	return nil
}

// ─── Write path ──────────────────────────────────────────────────────────────

// Write appends one message.
func (t *Topic) Write(body []byte) (WriteResult, error) {
	return t.WriteBatch([][]byte{body})
}

// WriteBatch appends bodies as consecutive messages sharing one enqueue
// time. The durable log is written first; if it fails nothing is applied.
// An empty batch assigns nothing and reports FirstID = LastID+1.
func (t *Topic) WriteBatch(bodies [][]byte) (WriteResult, error) {
	t.dataMu.Lock()
	defer t.dataMu.Unlock()

	if t.State() != StateRunning {
		return WriteResult{}, ErrTopicNotRunning
	}

	now := time.Now().UTC()
	res := WriteResult{FirstID: t.lastID + 1, LastID: t.lastID, EnqueuedAt: now}
	if len(bodies) == 0 {
		return res, nil
	}

	msgs := t.scratch[:0]
	for i, body := range bodies {
		msgs = append(msgs, types.Message{
			ID:         t.lastID + 1 + int64(i),
			EnqueuedAt: now,
			Body:       body,
		})
	}
	defer func() {
		clear(msgs)
		t.scratch = msgs[:0]
	}()

	if err := t.stores.Messages.Write(msgs...); err != nil {
		return WriteResult{}, fmt.Errorf("topic %s: write: %w", t.name, err)
	}
	t.data.AddBatch(msgs)
	t.lastID += int64(len(msgs))

	res.LastID = t.lastID
	return res, nil
}

// ─── Subscriptions ───────────────────────────────────────────────────────────

// CreateSubscription adds a subscription whose first delivered message is
// startID. A zero startID means "after everything persisted so far".
func (t *Topic) CreateSubscription(name string, startID int64) error {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()

	if t.State() != StateRunning {
		return ErrTopicNotRunning
	}
	if _, ok := t.subs[name]; ok {
		return fmt.Errorf("%w: %s/%s", ErrSubscriptionExists, t.name, name)
	}

	t.dataMu.Lock()
	first, last := t.data.First(), t.lastID
	t.dataMu.Unlock()

	if startID == 0 {
		startID = t.persisted.Load() + 1
	}
	if startID < first || startID > last+1 {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrStartOutOfRange, startID, first, last+1)
	}

	id, err := node.NewID()
	if err != nil {
		return fmt.Errorf("topic %s: subscription id: %w", t.name, err)
	}
	t.subs[name] = newSubscription(t, types.SubscriptionConfig{ID: id, Name: name}, startID-1)
	if err := t.saveSubscriptionsLocked(); err != nil {
		delete(t.subs, name)
		return err
	}

	t.log.Info("subscription created", "subscription", name, "id", id, "start_id", startID)
	return nil
}

// DeleteSubscription closes the live subscriber of name, removes the
// subscription from the configuration and deletes its cursor.
func (t *Topic) DeleteSubscription(name string) error {
	t.subsMu.Lock()
	sub, ok := t.subs[name]
	if !ok {
		t.subsMu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrSubscriptionNotFound, t.name, name)
	}
	delete(t.subs, name)
	if err := t.saveSubscriptionsLocked(); err != nil {
		t.subs[name] = sub
		t.subsMu.Unlock()
		return err
	}
	t.subsMu.Unlock()

	sub.closeSubscriber()
	// The pointer store calls back into completedIDs under its own lock, so
	// the cursor is deleted outside subsMu.
	if err := t.stores.Pointers.Delete(sub.ID()); err != nil {
		return fmt.Errorf("topic %s: delete cursor of %s: %w", t.name, name, err)
	}

	t.log.Info("subscription deleted", "subscription", name, "id", sub.ID())
	return nil
}

// SubscriptionExists reports whether name is a subscription of the topic.
func (t *Topic) SubscriptionExists(name string) bool {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	_, ok := t.subs[name]
	return ok
}

// Subscription returns the subscription called name.
func (t *Topic) Subscription(name string) (*Subscription, error) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	sub, ok := t.subs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrSubscriptionNotFound, t.name, name)
	}
	return sub, nil
}

// Subscriptions returns the subscription names in lexical order.
func (t *Topic) Subscriptions() []string {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	names := make([]string, 0, len(t.subs))
	for name := range t.subs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subscribe starts a Subscriber for name, replacing any live one.
func (t *Topic) Subscribe(name string, opts SubscriberOptions) (*Subscriber, error) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()

	if t.State() != StateRunning {
		return nil, ErrTopicNotRunning
	}
	sub, ok := t.subs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrSubscriptionNotFound, t.name, name)
	}
	return sub.subscribe(opts), nil
}

// saveSubscriptionsLocked persists the subscription set. Must be called
// with subsMu held.
func (t *Topic) saveSubscriptionsLocked() error {
	configs := make([]types.SubscriptionConfig, 0, len(t.subs))
	for _, s := range t.subs {
		configs = append(configs, s.cfg)
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].Name < configs[j].Name })
	if err := t.stores.Subscriptions.Update(configs); err != nil {
		return fmt.Errorf("topic %s: save subscriptions: %w", t.name, err)
	}
	return nil
}

// completedIDs is the cursor source handed to the pointer store.
func (t *Topic) completedIDs() map[string]int64 {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	out := make(map[string]int64, len(t.subs))
	for _, s := range t.subs {
		out[s.cfg.ID] = s.CompletedMessageID()
	}
	return out
}

// ─── Writers ─────────────────────────────────────────────────────────────────

// CreateWriter opens a publisher session whose durable writes are
// acknowledged through ack.
func (t *Topic) CreateWriter(ack AckFunc, opts WriterOptions) (*Writer, error) {
	t.writersMu.Lock()
	defer t.writersMu.Unlock()

	if t.State() != StateRunning {
		return nil, ErrTopicNotRunning
	}
	w := newWriter(t, ack, opts)
	t.writers[w] = struct{}{}
	w.start()
	return w, nil
}

func (t *Topic) removeWriter(w *Writer) {
	t.writersMu.Lock()
	delete(t.writers, w)
	t.writersMu.Unlock()
}

// ─── Stats ───────────────────────────────────────────────────────────────────

// Stats is a point-in-time description of a topic.
type Stats struct {
	Name                  string       `json:"name"`
	State                 State        `json:"state"`
	FirstRetainedID       int64        `json:"first_retained_id"`
	LastMessageID         int64        `json:"last_message_id"`
	PersistedMessageID    int64        `json:"persisted_message_id"`
	Subscriptions         int          `json:"subscriptions"`
	Writers               int          `json:"writers"`
	Buffer                logbuf.Stats `json:"buffer"`
	PersistFailures       uint64       `json:"persist_failures"`
	CleanupFailures       uint64       `json:"cleanup_failures"`
	PointersFlushFailures uint64       `json:"pointers_flush_failures"`
	// Consecutive failure counts; non-zero means the loop is currently failing.
	PersistFailing       int64 `json:"persist_failing"`
	CleanupFailing       int64 `json:"cleanup_failing"`
	PointersFlushFailing int64 `json:"pointers_flush_failing"`
}

// Stats returns the current counters of the topic.
func (t *Topic) Stats() Stats {
	st := Stats{
		Name:                  t.name,
		State:                 t.State(),
		PersistedMessageID:    t.persisted.Load(),
		PersistFailures:       t.persistStats.failures.Load(),
		CleanupFailures:       t.cleanupStats.failures.Load(),
		PointersFlushFailures: t.pointersStats.failures.Load(),
		PersistFailing:        t.persistStats.consecutive.Load(),
		CleanupFailing:        t.cleanupStats.consecutive.Load(),
		PointersFlushFailing:  t.pointersStats.consecutive.Load(),
	}

	t.dataMu.Lock()
	st.LastMessageID = t.lastID
	if t.data != nil {
		st.FirstRetainedID = t.data.First()
		st.Buffer = t.data.Stats()
	}
	t.dataMu.Unlock()

	t.subsMu.Lock()
	st.Subscriptions = len(t.subs)
	t.subsMu.Unlock()

	t.writersMu.Lock()
	st.Writers = len(t.writers)
	t.writersMu.Unlock()
	return st
}
