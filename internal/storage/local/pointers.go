package local

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/fastq/internal/storage"
)

var (
	bucketPointers = []byte("pointers") // bucket name inside bbolt
)

// PointerStore is a bbolt-backed storage.SubscriptionPointersStorage.
// Each key is a subscription ID, each value the big-endian int64 ID of the
// last message the subscription completed. A flush is a single bbolt
// transaction.
type PointerStore struct {
	db   *bbolt.DB
	path string

	mu      sync.Mutex
	current func() map[string]int64
	last    map[string]int64 // values of the last successful flush
}

// Ensure PointerStore satisfies the interface at compile time.
var _ storage.SubscriptionPointersStorage = (*PointerStore)(nil)

// OpenPointerStore opens (or creates) the bbolt database at path.
func OpenPointerStore(path string) (*PointerStore, error) {
	opts := &bbolt.Options{Timeout: time.Second}
	db, err := bbolt.Open(path, 0o640, opts)
	if err != nil {
		return nil, fmt.Errorf("pointers: open %s: %w", path, err)
	}

	// Ensure the pointers bucket exists.
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPointers)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pointers: init bucket: %w", err)
	}

	return &PointerStore{db: db, path: path, last: make(map[string]int64)}, nil
}

// Restore returns every stored cursor and remembers current as the source
// for later flushes.
func (p *PointerStore) Restore(current func() map[string]int64) (map[string]int64, error) {
	out := make(map[string]int64)
	err := p.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPointers).ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				return fmt.Errorf("pointers: value for %q is %d bytes: %w", k, len(v), storage.ErrCorrupted)
			}
			out[string(k)] = int64(binary.BigEndian.Uint64(v))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.current = current
	for k, v := range out {
		p.last[k] = v
	}
	p.mu.Unlock()
	return out, nil
}

// Flush writes every cursor that changed since the previous flush in a
// single transaction.
func (p *PointerStore) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil {
		return nil
	}
	changed := make(map[string]int64)
	for k, v := range p.current() {
		if old, ok := p.last[k]; !ok || old != v {
			changed[k] = v
		}
	}
	if len(changed) == 0 {
		return nil
	}

	err := p.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPointers)
		var val [8]byte
		for k, v := range changed {
			binary.BigEndian.PutUint64(val[:], uint64(v))
			if err := b.Put([]byte(k), val[:]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("pointers: flush: %w", err)
	}
	for k, v := range changed {
		p.last[k] = v
	}
	return nil
}

// Delete removes the cursor of subscriptionID.
func (p *PointerStore) Delete(subscriptionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPointers).Delete([]byte(subscriptionID))
	}); err != nil {
		return fmt.Errorf("pointers: delete %s: %w", subscriptionID, err)
	}
	delete(p.last, subscriptionID)
	return nil
}

// Close closes the underlying bbolt database.
func (p *PointerStore) Close() error {
	return p.db.Close()
}

// Destroy closes the database and removes its file.
func (p *PointerStore) Destroy() error {
	_ = p.db.Close()
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pointers: remove %s: %w", p.path, err)
	}
	return nil
}
