package topic

import (
	"fmt"
	"sync/atomic"
	"time"
)

// loopStats counts failures of one background loop.
type loopStats struct {
	failures    atomic.Uint64
	consecutive atomic.Int64
}

// runLoop calls fn every interval until the topic stops. A failing
// iteration is logged and retried on the next tick.
func (t *Topic) runLoop(name string, interval time.Duration, maxFails int, st *loopStats, fn func() error) {
	defer t.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		if err := fn(); err != nil {
			st.failures.Add(1)
			n := st.consecutive.Add(1)
			if n >= int64(maxFails) {
				t.log.Error("background loop keeps failing", "loop", name, "consecutive", n, "error", err)
			} else {
				t.log.Warn("background loop failed", "loop", name, "consecutive", n, "error", err)
			}
			if t.opts.OnLoopFailure != nil {
				t.opts.OnLoopFailure(t.name, name, err)
			}
			continue
		}
		if n := st.consecutive.Swap(0); n >= int64(maxFails) {
			t.log.Info("background loop recovered", "loop", name, "after_failures", n)
		}
	}
}

// persist flushes the durable log and, on success, publishes a snapshot
// covering every message written so far.
func (t *Topic) persist() error {
	t.dataMu.Lock()
	defer t.dataMu.Unlock()

	if t.persisted.Load() == t.lastID {
		return nil
	}
	if err := t.stores.Messages.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	t.persisted.Store(t.lastID)
	t.publishSnapshot()
	return nil
}

// publishSnapshot replaces the current snapshot and wakes its readers.
// Must be called with dataMu held and persisted == lastID.
func (t *Topic) publishSnapshot() {
	old := t.snapshot.Swap(newSnapshot(t.data.View()))
	if old != nil {
		close(old.superseded)
	}
}

// cleanup frees every message that all subscriptions have completed. It
// never frees past the durable prefix and never frees anything while the
// topic has no subscriptions.
func (t *Topic) cleanup() error {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()

	if len(t.subs) == 0 {
		return nil
	}
	var minCompleted int64 = -1
	for _, s := range t.subs {
		if c := s.CompletedMessageID(); minCompleted < 0 || c < minCompleted {
			minCompleted = c
		}
	}

	target := minCompleted + 1
	if limit := t.persisted.Load() + 1; target > limit {
		target = limit
	}
	if target <= t.lastFreeTo {
		return nil
	}

	t.dataMu.Lock()
	err := t.data.FreeTo(target)
	if err == nil {
		err = t.stores.Messages.FreeTo(target)
	}
	t.dataMu.Unlock()
	if err != nil {
		return fmt.Errorf("free to %d: %w", target, err)
	}
	t.lastFreeTo = target
	return nil
}
