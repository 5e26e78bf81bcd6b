package topic

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/snehjoshi/fastq/internal/types"
)

// AckFunc receives cumulative confirmations of a Writer. Returning an error
// terminates the writer.
type AckFunc func(types.PublisherAck) error

type pendingWrite struct {
	seq    int64
	lastID int64
}

// Writer is a publisher session bound to one topic. Every Write is tagged
// with a caller sequence number; once the write is durable the sequence
// number is confirmed through the AckFunc. Confirmations are cumulative:
// only the highest confirmed sequence number of each round is reported.
type Writer struct {
	topic *Topic
	opts  WriterOptions
	ack   AckFunc
	log   *slog.Logger

	mu      sync.Mutex
	pending []pendingWrite
	closed  bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	err      error // written before done is closed
}

func newWriter(t *Topic, ack AckFunc, opts WriterOptions) *Writer {
	return &Writer{
		topic: t,
		opts:  opts.withDefaults(),
		ack:   ack,
		log:   t.log,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (w *Writer) start() {
	go w.run()
}

// Write appends one message tagged with seq.
func (w *Writer) Write(seq int64, body []byte) error {
	return w.WriteBatch(seq, [][]byte{body})
}

// WriteBatch appends bodies as consecutive messages, all confirmed by seq.
func (w *Writer) WriteBatch(seq int64, bodies [][]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	res, err := w.topic.WriteBatch(bodies)
	if err != nil {
		return err
	}
	w.pending = append(w.pending, pendingWrite{seq: seq, lastID: res.LastID})
	return nil
}

// Pending returns the number of writes awaiting confirmation.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Close stops the confirmation loop, discards unconfirmed writes and
// detaches the writer from its topic. Safe to call multiple times.
func (w *Writer) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
	w.topic.removeWriter(w)
}

// Done is closed once the confirmation loop has exited.
func (w *Writer) Done() <-chan struct{} { return w.done }

// Err returns the AckFunc error that terminated the writer, if any.
func (w *Writer) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

func (w *Writer) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.opts.ConfirmationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		}
		if err := w.confirm(); err != nil {
			w.mu.Lock()
			w.closed = true
			w.pending = nil
			w.mu.Unlock()
			w.err = fmt.Errorf("writer ack: %w", err)
			w.log.Warn("writer terminated", "error", err)
			w.topic.removeWriter(w)
			return
		}
	}
}

// confirm reports every pending write that is now durable.
func (w *Writer) confirm() error {
	persisted := w.topic.PersistedMessageID()

	w.mu.Lock()
	i := 0
	var seq int64
	for i < len(w.pending) && w.pending[i].lastID <= persisted {
		if i == 0 || w.pending[i].seq > seq {
			seq = w.pending[i].seq
		}
		i++
	}
	if i == 0 {
		w.mu.Unlock()
		return nil
	}
	w.pending = append(w.pending[:0], w.pending[i:]...)
	w.mu.Unlock()

	return w.ack(types.PublisherAck{SequenceNumber: seq, Timestamp: time.Now().UTC()})
}
