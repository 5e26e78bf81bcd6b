// Package redisptr stores subscription cursors in Redis, one hash per topic.
// It lets several broker restarts on different hosts share cursor state, or
// keeps pointers.db off slow disks.
package redisptr

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/snehjoshi/fastq/internal/storage"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "fastq:"

const opTimeout = 5 * time.Second

// Connect opens a client and verifies the server is reachable.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisptr: ping %s: %w", addr, err)
	}
	return client, nil
}

// Store is a storage.SubscriptionPointersStorage for one topic. The hash
// field is the subscription ID and the value its decimal cursor.
//
// The client is shared between topics and owned by the caller; Close does
// not close it.
type Store struct {
	client *redis.Client
	key    string

	mu      sync.Mutex
	current func() map[string]int64
	last    map[string]int64
}

// Ensure Store satisfies the interface at compile time.
var _ storage.SubscriptionPointersStorage = (*Store)(nil)

// New returns the cursor store of topic.
func New(client *redis.Client, prefix, topic string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{
		client: client,
		key:    fmt.Sprintf("%spointers:%s", prefix, topic),
		last:   make(map[string]int64),
	}
}

// Key returns the Redis key of the topic's hash.
func (s *Store) Key() string { return s.key }

func (s *Store) Restore(current func() map[string]int64) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redisptr: hgetall %s: %w", s.key, err)
	}
	out := make(map[string]int64, len(raw))
	for field, val := range raw {
		v, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redisptr: %s[%s]=%q: %w", s.key, field, val, storage.ErrCorrupted)
		}
		out[field] = v
	}

	s.mu.Lock()
	s.current = current
	for k, v := range out {
		s.last[k] = v
	}
	s.mu.Unlock()
	return out, nil
}

// Flush writes every cursor that changed since the previous flush with a
// single HSET.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return nil
	}
	changed := make(map[string]int64)
	for k, v := range s.current() {
		if old, ok := s.last[k]; !ok || old != v {
			changed[k] = v
		}
	}
	if len(changed) == 0 {
		return nil
	}

	values := make([]any, 0, 2*len(changed))
	for k, v := range changed {
		values = append(values, k, strconv.FormatInt(v, 10))
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := s.client.HSet(ctx, s.key, values...).Err(); err != nil {
		return fmt.Errorf("redisptr: hset %s: %w", s.key, err)
	}
	for k, v := range changed {
		s.last[k] = v
	}
	return nil
}

func (s *Store) Delete(subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := s.client.HDel(ctx, s.key, subscriptionID).Err(); err != nil {
		return fmt.Errorf("redisptr: hdel %s %s: %w", s.key, subscriptionID, err)
	}
	delete(s.last, subscriptionID)
	return nil
}

func (s *Store) Close() error { return nil }

// Destroy removes the topic's hash.
func (s *Store) Destroy() error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redisptr: del %s: %w", s.key, err)
	}
	return nil
}
