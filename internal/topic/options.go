package topic

import (
	"time"

	"github.com/snehjoshi/fastq/internal/logbuf"
)

// Options tunes a Topic. Zero fields take the values of DefaultOptions.
type Options struct {
	// PersistenceInterval is how often unflushed writes are made durable and
	// published to subscribers.
	PersistenceInterval time.Duration
	// CleanupInterval is how often completed messages are freed.
	CleanupInterval time.Duration
	// PointersFlushInterval is how often subscription cursors are flushed.
	PointersFlushInterval time.Duration

	// After this many consecutive failures a loop logs at Error level.
	PersistenceMaxFails   int
	CleanupMaxFails       int
	PointersFlushMaxFails int

	Buffer logbuf.Options

	// OnLoopFailure, when set, is called after every failed iteration of a
	// background loop ("persistence", "cleanup" or "pointers").
	OnLoopFailure func(topic, loop string, err error)
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		PersistenceInterval:   50 * time.Millisecond,
		CleanupInterval:       200 * time.Millisecond,
		PointersFlushInterval: 200 * time.Millisecond,
		PersistenceMaxFails:   20,
		CleanupMaxFails:       20,
		PointersFlushMaxFails: 20,
		Buffer:                logbuf.DefaultOptions(),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.PersistenceInterval <= 0 {
		o.PersistenceInterval = def.PersistenceInterval
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = def.CleanupInterval
	}
	if o.PointersFlushInterval <= 0 {
		o.PointersFlushInterval = def.PointersFlushInterval
	}
	if o.PersistenceMaxFails <= 0 {
		o.PersistenceMaxFails = def.PersistenceMaxFails
	}
	if o.CleanupMaxFails <= 0 {
		o.CleanupMaxFails = def.CleanupMaxFails
	}
	if o.PointersFlushMaxFails <= 0 {
		o.PointersFlushMaxFails = def.PointersFlushMaxFails
	}
	return o
}

// SubscriberOptions tunes batching of one Subscriber.
type SubscriberOptions struct {
	// MaxBatchSize caps the number of messages per batch.
	MaxBatchSize int
	// PushInterval is the longest a partially filled batch waits before it
	// is pushed.
	PushInterval time.Duration
}

// DefaultSubscriberOptions returns the options used for zero fields.
func DefaultSubscriberOptions() SubscriberOptions {
	return SubscriberOptions{
		MaxBatchSize: 1000,
		PushInterval: 50 * time.Millisecond,
	}
}

func (o SubscriberOptions) withDefaults() SubscriberOptions {
	def := DefaultSubscriberOptions()
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = def.MaxBatchSize
	}
	if o.PushInterval <= 0 {
		o.PushInterval = def.PushInterval
	}
	return o
}

// WriterOptions tunes one Writer.
type WriterOptions struct {
	// ConfirmationInterval is how often durable writes are acknowledged.
	ConfirmationInterval time.Duration
}

// DefaultWriterOptions returns the options used for zero fields.
func DefaultWriterOptions() WriterOptions {
	return WriterOptions{ConfirmationInterval: 50 * time.Millisecond}
}

func (o WriterOptions) withDefaults() WriterOptions {
	if o.ConfirmationInterval <= 0 {
		o.ConfirmationInterval = DefaultWriterOptions().ConfirmationInterval
	}
	return o
}
