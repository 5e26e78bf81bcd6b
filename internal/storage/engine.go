// Package storage defines the persistence abstractions a topic depends on.
//
// Design principle: the topic engine (and every layer above it) must ONLY
// interact with storage through these interfaces. Never call file I/O
// directly. This keeps the segment log, the subscription registry and the
// cursor store swappable (local files, bbolt, Redis) without touching any
// topic logic.
package storage

import (
	"errors"

	"github.com/snehjoshi/fastq/internal/types"
)

// ErrNotFound is returned when a stored record does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrCorrupted is returned when a stored entry fails its checksum.
var ErrCorrupted = errors.New("storage: entry corrupted")

// ErrClosed is returned by any operation on a store that has been closed.
var ErrClosed = errors.New("storage: closed")

// PersistentStorage is the durable message log of one topic.
//
// Implementations:
//   - local.MessageLog: segmented append-only files
//
// Write is only ever called from a single goroutine at a time (the topic
// serialises writes), but Flush and FreeTo may run concurrently with Write.
type PersistentStorage interface {
	// Write appends msgs in order. Either all of them are appended or, on
	// error, none of them are visible to a later Restore.
	Write(msgs ...types.Message) error

	// Flush makes every message written so far durable.
	Flush() error

	// FreeTo tells the store that messages with ID < id are no longer
	// needed. The store may reclaim them lazily.
	FreeTo(id int64) error

	// Restore replays every retained message in ID order.
	// Iteration stops if fn returns a non-nil error.
	Restore(fn func(types.Message) error) error

	// Close flushes and releases file handles.
	Close() error

	// Destroy closes the store and removes all of its data.
	Destroy() error
}

// SubscriptionsConfigStorage persists the set of subscriptions of one topic.
type SubscriptionsConfigStorage interface {
	// Read returns the stored configs, or an empty slice if none were saved.
	Read() ([]types.SubscriptionConfig, error)

	// Update replaces the stored configs atomically.
	Update(configs []types.SubscriptionConfig) error

	// Destroy removes the stored configs.
	Destroy() error
}

// SubscriptionPointersStorage persists the completed-message watermark of
// every subscription of one topic, keyed by subscription ID.
type SubscriptionPointersStorage interface {
	// Restore loads the stored cursors and registers current as the source
	// of values for every later Flush.
	Restore(current func() map[string]int64) (map[string]int64, error)

	// Flush writes the values returned by the registered source.
	Flush() error

	// Delete removes the cursor of a subscription.
	Delete(subscriptionID string) error

	// Close releases the store.
	Close() error

	// Destroy closes the store and removes all of its data.
	Destroy() error
}
