// Package broker is the topic registry of a FastQ node.
//
// All transport code (HTTP handlers, WebSocket streams) talks to the Broker,
// never directly to storage. The broker owns the on-disk layout, builds the
// stores of every topic from configuration and feeds the metrics registry.
//
// Data flow:
//
//	Writer stream → Broker.OpenWriter → topic.Writer → MessageLog
//	Subscriber stream → Broker.Subscribe → topic.Subscriber → Batch
//	                  → Subscriber.Complete → cursor store
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/fastq/internal/config"
	"github.com/snehjoshi/fastq/internal/logbuf"
	"github.com/snehjoshi/fastq/internal/metrics"
	"github.com/snehjoshi/fastq/internal/storage"
	"github.com/snehjoshi/fastq/internal/storage/local"
	"github.com/snehjoshi/fastq/internal/storage/redisptr"
	"github.com/snehjoshi/fastq/internal/topic"
	"github.com/snehjoshi/fastq/internal/types"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	ErrTopicExists   = errors.New("broker: topic already exists")
	ErrTopicNotFound = errors.New("broker: topic not found")
	ErrInvalidName   = errors.New("broker: invalid name")
	ErrClosed        = errors.New("broker: closed")
)

// TopicsDirName is the directory under data_dir holding one directory per topic.
const TopicsDirName = "topics"

// parallelism bounds concurrent topic restores and shutdowns.
const parallelism = 8

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// ValidName reports whether s can be used as a topic or subscription name.
func ValidName(s string) bool { return nameRe.MatchString(s) }

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Broker.
type Option func(*Broker)

// WithMetrics attaches a metrics.Registry. Writes, deliveries, completions
// and loop failures are counted, and the registry's topic gauges are served
// from the broker.
func WithMetrics(reg *metrics.Registry) Option {
	return func(b *Broker) { b.metrics = reg }
}

// WithLogger sets the logger handed to every topic.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// WithRedisClient supplies the client used by the redis cursor backend. The
// caller keeps ownership; without it New dials redis.addr itself.
func WithRedisClient(c *redis.Client) Option {
	return func(b *Broker) { b.redis = c }
}

// ─── Broker ───────────────────────────────────────────────────────────────────

// Broker owns every topic of the node. All methods are safe for concurrent use.
type Broker struct {
	cfg *config.Config
	dir string

	log       *slog.Logger
	metrics   *metrics.Registry
	redis     *redis.Client
	ownsRedis bool

	mu     sync.RWMutex
	topics map[string]*topic.Topic
	closed bool
}

// New opens the broker and restores every topic found under
// cfg.Node.DataDir/topics. Topics are restored in parallel; if any fails the
// ones already started are stopped again and the error is returned.
func New(cfg *config.Config, opts ...Option) (*Broker, error) {
	dataDir := cfg.Node.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}

	b := &Broker{
		cfg:    cfg,
		dir:    filepath.Join(dataDir, TopicsDirName),
		topics: make(map[string]*topic.Topic),
	}
	for _, o := range opts {
		o(b)
	}
	if b.log == nil {
		b.log = slog.Default()
	}

	if err := os.MkdirAll(b.dir, 0o750); err != nil {
		return nil, fmt.Errorf("broker: create topics dir: %w", err)
	}
	if cfg.Storage.PointersBackend == config.PointersRedis && b.redis == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := redisptr.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("broker: %w", err)
		}
		b.redis, b.ownsRedis = client, true
	}

	if err := b.restore(); err != nil {
		b.closeRedis()
		return nil, err
	}
	if b.metrics != nil {
		b.metrics.Topics = b.gauges
	}
	return b, nil
}

func (b *Broker) restore() error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("broker: list topics: %w", err)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(parallelism)
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !ValidName(name) {
			b.log.Warn("skipping unexpected entry in topics dir", "name", name)
			continue
		}
		g.Go(func() error {
			tp, err := b.openTopic(name)
			if err != nil {
				return err
			}
			mu.Lock()
			b.topics[name] = tp
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = b.stopAll()
		return err
	}

	b.log.Info("topics restored", "count", len(b.topics))
	return nil
}

// openTopic builds the stores of name and starts the topic.
func (b *Broker) openTopic(name string) (*topic.Topic, error) {
	dir := filepath.Join(b.dir, name)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("broker: create topic dir %s: %w", dir, err)
	}

	msgs, err := local.OpenMessageLog(local.SegmentsDir(dir), local.Config{
		SegmentSize: int64(b.cfg.Storage.SegmentSizeMB) << 20,
		Fsync:       local.FsyncPolicy(b.cfg.Storage.Fsync),
		Compression: local.Compression(b.cfg.Storage.Compression),
	})
	if err != nil {
		return nil, fmt.Errorf("broker: topic %s: %w", name, err)
	}

	var ptrs storage.SubscriptionPointersStorage
	if b.redis != nil {
		ptrs = redisptr.New(b.redis, b.cfg.Redis.KeyPrefix, name)
	} else {
		ptrs, err = local.OpenPointerStore(filepath.Join(dir, local.PointersFileName))
		if err != nil {
			_ = msgs.Close()
			return nil, fmt.Errorf("broker: topic %s: %w", name, err)
		}
	}

	tp := topic.New(name, topic.Stores{
		Messages:      msgs,
		Subscriptions: local.NewSubscriptionsFile(filepath.Join(dir, local.SubscriptionsFileName)),
		Pointers:      ptrs,
	}, b.topicOptions(), b.log)
	if err := tp.Start(); err != nil {
		_ = tp.Stop()
		return nil, fmt.Errorf("broker: start topic %s: %w", name, err)
	}
	return tp, nil
}

func (b *Broker) topicOptions() topic.Options {
	c := b.cfg.Topic
	opts := topic.Options{
		PersistenceInterval:   config.Duration(c.PersistenceIntervalMs),
		CleanupInterval:       config.Duration(c.CleanupIntervalMs),
		PointersFlushInterval: config.Duration(c.PointersFlushIntervalMs),
		PersistenceMaxFails:   c.PersistenceMaxFails,
		CleanupMaxFails:       c.CleanupMaxFails,
		PointersFlushMaxFails: c.PointersFlushMaxFails,
		Buffer: logbuf.Options{
			BlockLength:   c.BufferBlockLength,
			ListCapacity:  c.BufferListCapacity,
			MinFreeBlocks: c.BufferMinFreeBlocks,
		},
	}
	if b.metrics != nil {
		reg := b.metrics
		opts.OnLoopFailure = func(name, loop string, _ error) {
			reg.LoopFailures.Inc(metrics.LoopKey(name, loop))
		}
	}
	return opts
}

// Close stops every topic, making accepted writes and cursors durable.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.stopAll()
	b.closeRedis()
	if err != nil {
		return err
	}
	b.log.Info("broker closed")
	return nil
}

func (b *Broker) stopAll() error {
	b.mu.Lock()
	topics := make([]*topic.Topic, 0, len(b.topics))
	for _, tp := range b.topics {
		topics = append(topics, tp)
	}
	b.topics = make(map[string]*topic.Topic)
	b.mu.Unlock()

	var mu sync.Mutex
	var errs []error
	var g errgroup.Group
	g.SetLimit(parallelism)
	for _, tp := range topics {
		g.Go(func() error {
			if err := tp.Stop(); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(errs) > 0 {
		return fmt.Errorf("broker: stop topics: %w", errors.Join(errs...))
	}
	return nil
}

func (b *Broker) closeRedis() {
	if b.ownsRedis && b.redis != nil {
		_ = b.redis.Close()
	}
}

// ─── Topic management ─────────────────────────────────────────────────────────

// CreateTopic creates and starts an empty topic.
func (b *Broker) CreateTopic(name string) (*topic.Topic, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: topic %q", ErrInvalidName, name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if _, ok := b.topics[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTopicExists, name)
	}

	tp, err := b.openTopic(name)
	if err != nil {
		return nil, err
	}
	b.topics[name] = tp
	b.log.Info("topic created", "topic", name)
	return tp, nil
}

// DeleteTopic stops the topic, closes its writers and subscribers and
// removes all of its data.
func (b *Broker) DeleteTopic(name string) error {
	b.mu.Lock()
	tp, ok := b.topics[name]
	if ok {
		delete(b.topics, name)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTopicNotFound, name)
	}

	if err := tp.Destroy(); err != nil {
		return fmt.Errorf("broker: delete topic %s: %w", name, err)
	}
	if err := os.RemoveAll(filepath.Join(b.dir, name)); err != nil {
		return fmt.Errorf("broker: remove topic dir %s: %w", name, err)
	}
	b.log.Info("topic deleted", "topic", name)
	return nil
}

// Topic returns the running topic called name.
func (b *Broker) Topic(name string) (*topic.Topic, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	tp, ok := b.topics[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, name)
	}
	return tp, nil
}

// ListTopics returns the topic names in lexical order.
func (b *Broker) ListTopics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns the stats of every topic, ordered by name.
func (b *Broker) Stats() []topic.Stats {
	b.mu.RLock()
	topics := make([]*topic.Topic, 0, len(b.topics))
	for _, tp := range b.topics {
		topics = append(topics, tp)
	}
	b.mu.RUnlock()

	out := make([]topic.Stats, 0, len(topics))
	for _, tp := range topics {
		out = append(out, tp.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (b *Broker) gauges() []metrics.TopicGauge {
	stats := b.Stats()
	out := make([]metrics.TopicGauge, 0, len(stats))
	for _, st := range stats {
		out = append(out, metrics.TopicGauge{
			Topic:              st.Name,
			FirstRetainedID:    st.FirstRetainedID,
			LastMessageID:      st.LastMessageID,
			PersistedMessageID: st.PersistedMessageID,
			Subscriptions:      st.Subscriptions,
			Writers:            st.Writers,
		})
	}
	return out
}

// ─── Subscriptions ────────────────────────────────────────────────────────────

// CreateSubscription adds a subscription to a topic. startID 0 starts after
// everything persisted so far.
func (b *Broker) CreateSubscription(topicName, name string, startID int64) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: subscription %q", ErrInvalidName, name)
	}
	tp, err := b.Topic(topicName)
	if err != nil {
		return err
	}
	return tp.CreateSubscription(name, startID)
}

// DeleteSubscription removes a subscription and its cursor.
func (b *Broker) DeleteSubscription(topicName, name string) error {
	tp, err := b.Topic(topicName)
	if err != nil {
		return err
	}
	return tp.DeleteSubscription(name)
}

// ─── Metered write path ───────────────────────────────────────────────────────

// Publish writes bodies to a topic outside any writer session.
func (b *Broker) Publish(topicName string, bodies [][]byte) (topic.WriteResult, error) {
	tp, err := b.Topic(topicName)
	if err != nil {
		return topic.WriteResult{}, err
	}
	res, err := tp.WriteBatch(bodies)
	if err != nil {
		return res, err
	}
	if b.metrics != nil && len(bodies) > 0 {
		b.metrics.Published.Add(topicName, int64(len(bodies)))
	}
	return res, nil
}

// Writer is a topic.Writer that counts published messages and confirmations.
type Writer struct {
	*topic.Writer
	topic   string
	metrics *metrics.Registry
}

// OpenWriter starts a writer session on a topic.
func (b *Broker) OpenWriter(topicName string, ack topic.AckFunc, opts topic.WriterOptions) (*Writer, error) {
	tp, err := b.Topic(topicName)
	if err != nil {
		return nil, err
	}
	if opts.ConfirmationInterval <= 0 {
		opts.ConfirmationInterval = config.Duration(b.cfg.Writer.ConfirmationIntervalMs)
	}
	reg := b.metrics
	counted := ack
	if reg != nil {
		counted = func(a types.PublisherAck) error {
			reg.Confirmed.Inc(topicName)
			return ack(a)
		}
	}
	w, err := tp.CreateWriter(counted, opts)
	if err != nil {
		return nil, err
	}
	return &Writer{Writer: w, topic: topicName, metrics: reg}, nil
}

// Write appends one message tagged with seq.
func (w *Writer) Write(seq int64, body []byte) error {
	return w.WriteBatch(seq, [][]byte{body})
}

// WriteBatch appends bodies tagged with seq.
func (w *Writer) WriteBatch(seq int64, bodies [][]byte) error {
	if err := w.Writer.WriteBatch(seq, bodies); err != nil {
		return err
	}
	if w.metrics != nil && len(bodies) > 0 {
		w.metrics.Published.Add(w.topic, int64(len(bodies)))
	}
	return nil
}

// ─── Metered read path ────────────────────────────────────────────────────────

// Subscriber is a topic.Subscriber that counts delivered and completed
// messages.
type Subscriber struct {
	*topic.Subscriber
	sub     *topic.Subscription
	key     string
	metrics *metrics.Registry
}

// SubscriberOptions resolves stream options against the configured default
// and limit. Zero values take the defaults; batch sizes above the limit are
// capped.
func (b *Broker) SubscriberOptions(maxBatch int, pushInterval time.Duration) topic.SubscriberOptions {
	c := b.cfg.Subscriber
	if maxBatch <= 0 {
		maxBatch = c.DefaultBatchSize
	}
	if c.MaxBatchSize > 0 && maxBatch > c.MaxBatchSize {
		maxBatch = c.MaxBatchSize
	}
	if pushInterval <= 0 {
		pushInterval = config.Duration(c.PushIntervalMs)
	}
	return topic.SubscriberOptions{MaxBatchSize: maxBatch, PushInterval: pushInterval}
}

// Subscribe starts a subscriber on topicName/name, replacing any live one.
func (b *Broker) Subscribe(topicName, name string, opts topic.SubscriberOptions) (*Subscriber, error) {
	tp, err := b.Topic(topicName)
	if err != nil {
		return nil, err
	}
	sub, err := tp.Subscription(name)
	if err != nil {
		return nil, err
	}
	s, err := tp.Subscribe(name, opts)
	if err != nil {
		return nil, err
	}
	return &Subscriber{
		Subscriber: s,
		sub:        sub,
		key:        metrics.SubscriptionKey(topicName, name),
		metrics:    b.metrics,
	}, nil
}

// Next waits for the next batch. It returns nil when the subscriber has
// stopped, or ctx.Err() when ctx ends first.
func (s *Subscriber) Next(ctx context.Context) (*topic.Batch, error) {
	select {
	case batch, ok := <-s.Batches():
		if !ok {
			return nil, nil
		}
		if s.metrics != nil {
			s.metrics.Delivered.Add(s.key, int64(len(batch.Messages)))
		}
		return batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Complete acknowledges every message up to and including id.
func (s *Subscriber) Complete(id int64) error {
	before := s.sub.CompletedMessageID()
	if err := s.Subscriber.Complete(id); err != nil {
		return err
	}
	if s.metrics != nil {
		if n := s.sub.CompletedMessageID() - before; n > 0 {
			s.metrics.Completed.Add(s.key, n)
		}
	}
	return nil
}
