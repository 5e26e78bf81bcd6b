package local

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/snehjoshi/fastq/internal/storage"
	"github.com/snehjoshi/fastq/internal/types"
)

// SubscriptionsFile is a storage.SubscriptionsConfigStorage backed by a JSON
// document that is replaced atomically on every Update.
type SubscriptionsFile struct {
	mu   sync.Mutex
	path string
}

// Ensure SubscriptionsFile satisfies the interface at compile time.
var _ storage.SubscriptionsConfigStorage = (*SubscriptionsFile)(nil)

// fileModel is the on-disk JSON structure.
type fileModel struct {
	Subscriptions []types.SubscriptionConfig `json:"subscriptions"`
}

// NewSubscriptionsFile returns a store for the file at path. Nothing is
// read or created until the first call.
func NewSubscriptionsFile(path string) *SubscriptionsFile {
	return &SubscriptionsFile{path: path}
}

// Read returns the stored configs. A missing file means no subscriptions.
func (s *SubscriptionsFile) Read() ([]types.SubscriptionConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []types.SubscriptionConfig{}, nil
		}
		return nil, fmt.Errorf("subscriptions: read %s: %w", s.path, err)
	}

	var m fileModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("subscriptions: parse %s: %w", s.path, err)
	}
	if m.Subscriptions == nil {
		m.Subscriptions = []types.SubscriptionConfig{}
	}
	return m.Subscriptions, nil
}

// Update writes configs to disk atomically (write to temp file, fsync,
// rename).
func (s *SubscriptionsFile) Update(configs []types.SubscriptionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if configs == nil {
		configs = []types.SubscriptionConfig{}
	}
	data, err := json.MarshalIndent(fileModel{Subscriptions: configs}, "", "  ")
	if err != nil {
		return fmt.Errorf("subscriptions: marshal: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("subscriptions: create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("subscriptions: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("subscriptions: sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("subscriptions: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("subscriptions: rename to %s: %w", s.path, err)
	}
	return nil
}

// Destroy removes the file. A missing file is not an error.
func (s *SubscriptionsFile) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range []string{s.path, s.path + ".tmp"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("subscriptions: remove %s: %w", p, err)
		}
	}
	return nil
}
