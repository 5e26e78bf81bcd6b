// Package logbuf implements the in-memory, block-structured log that holds the
// retained tail of a topic.
//
// A Buffer is logically an unbounded sequence of items addressed by a
// contiguous int64 range [First(), Last()]. Physically it is a list of
// fixed-length blocks taken from an arena:
//
//	refs:   [ released | released | busy | busy | busy (tail) ]
//	                                 ^first               ^next
//
// Items are only appended at the tail and only freed as a prefix from the
// head. A block is in exactly one of three states:
//
//   - busy: referenced from refs at or after the head block.
//   - pooled: free but retained on the free-list stack for reuse.
//   - discarded: its storage was dropped so the GC can reclaim it; the handle
//     number is recycled for the next allocation.
//
// The logical index of an item is offset + blockIndex*BlockLength + slot,
// where offset only grows when the reference list is compacted.
//
// Buffer is not safe for concurrent mutation: the owner serialises Add,
// AddBatch and FreeTo under its own lock. A View, once obtained, may be read
// from any goroutine without locking.
package logbuf

import (
	"errors"
	"fmt"
)

// ErrOutOfRange is returned when an index does not refer to an item that is
// present in the buffer.
var ErrOutOfRange = errors.New("logbuf: index out of range")

// Options tunes block size and the reuse policy.
type Options struct {
	// BlockLength is the number of items per block.
	BlockLength int
	// ListCapacity is the length of the block-reference list at which the
	// list is considered for compaction.
	ListCapacity int
	// MinFreeBlocks is the number of free blocks kept pooled for reuse
	// rather than discarded.
	MinFreeBlocks int
}

// DefaultOptions returns the options used when a field is left at zero.
func DefaultOptions() Options {
	return Options{
		BlockLength:   1024,
		ListCapacity:  128,
		MinFreeBlocks: 2,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.BlockLength <= 0 {
		o.BlockLength = def.BlockLength
	}
	if o.ListCapacity <= 0 {
		o.ListCapacity = def.ListCapacity
	}
	if o.MinFreeBlocks < 0 {
		o.MinFreeBlocks = def.MinFreeBlocks
	}
	return o
}

// Stats describes the physical layout of a Buffer.
type Stats struct {
	Offset          int64
	First           int64
	Last            int64
	ListLen         int
	BusyBlocks      int
	PooledBlocks    int
	DiscardedBlocks int
	Compactions     int
}

// Buffer is the growable append/free log. See the package documentation.
type Buffer[T any] struct {
	opts Options

	offset int64 // logical index of slot 0 of refs[0]
	first  int64 // first retained index
	next   int64 // index the next Add writes to

	refs     []int // arena handle per logical block
	released int   // refs[:released] have been handed back to the pool

	arena [][]T // handle → block storage, nil once discarded
	pool  []int // free-but-retained handles (LIFO)
	spare []int // handles whose storage was discarded

	compactions int
}

// New returns an empty Buffer whose first item will get index initialOffset.
func New[T any](opts Options, initialOffset int64) *Buffer[T] {
	opts = opts.withDefaults()
	return &Buffer[T]{
		opts:   opts,
		offset: initialOffset,
		first:  initialOffset,
		next:   initialOffset,
		refs:   make([]int, 0, opts.ListCapacity),
	}
}

// First returns the index of the first retained item. When the buffer is
// empty it is the index the next item will receive.
func (b *Buffer[T]) First() int64 { return b.first }

// Last returns the index of the last written item, or First()-1 when the
// buffer is empty.
func (b *Buffer[T]) Last() int64 { return b.next - 1 }

// Len returns the number of retained items.
func (b *Buffer[T]) Len() int64 { return b.next - b.first }

// Add appends a single item at the tail.
func (b *Buffer[T]) Add(item T) {
	blk, slot := b.locate(b.next)
	grew := false
	if blk == len(b.refs) {
		b.startBlock()
		grew = true
	}
	b.arena[b.refs[blk]][slot] = item
	b.next++
	if grew {
		b.cleanup()
	}
}

// AddBatch appends items at the tail in order, spanning as many blocks as
// needed. A batch that exactly fills a block leaves no empty tail block
// behind: the next block is only started when something is written to it.
func (b *Buffer[T]) AddBatch(items []T) {
	grew := false
	for len(items) > 0 {
		blk, slot := b.locate(b.next)
		if blk == len(b.refs) {
			b.startBlock()
			grew = true
		}
		n := copy(b.arena[b.refs[blk]][slot:], items)
		items = items[n:]
		b.next += int64(n)
	}
	if grew {
		b.cleanup()
	}
}

// FreeTo declares every item with an index below index as no longer needed.
// Freeing up to First() or below is a no-op; index may be at most Last()+1.
func (b *Buffer[T]) FreeTo(index int64) error {
	if index < 0 || index > b.next {
		return fmt.Errorf("%w: free to %d, retained [%d, %d]", ErrOutOfRange, index, b.first, b.next-1)
	}
	if index <= b.first {
		return nil
	}
	b.first = index

	head, _ := b.locate(index)
	for ; b.released < head; b.released++ {
		h := b.refs[b.released]
		clear(b.arena[h])
		b.pool = append(b.pool, h)
		b.refs[b.released] = -1
	}
	return nil
}

// View returns a read-only view over the currently retained items.
func (b *Buffer[T]) View() View[T] {
	v := View[T]{
		first:    b.first,
		next:     b.next,
		base:     b.first,
		blockLen: b.opts.BlockLength,
	}
	if b.first == b.next {
		return v
	}

	head, _ := b.locate(b.first)
	tail, tailSlot := b.locate(b.next - 1)
	v.base = b.offset + int64(head)*int64(b.opts.BlockLength)
	v.blocks = make([][]T, 0, tail-head+1)
	for k := head; k <= tail; k++ {
		blk := b.arena[b.refs[k]]
		n := b.opts.BlockLength
		if k == tail {
			n = tailSlot + 1
		}
		v.blocks = append(v.blocks, blk[:n:n])
	}
	return v
}

// Stats returns a description of the physical layout.
func (b *Buffer[T]) Stats() Stats {
	return Stats{
		Offset:          b.offset,
		First:           b.first,
		Last:            b.next - 1,
		ListLen:         len(b.refs),
		BusyBlocks:      len(b.refs) - b.released,
		PooledBlocks:    len(b.pool),
		DiscardedBlocks: len(b.spare),
		Compactions:     b.compactions,
	}
}

// locate maps a logical index onto (position in refs, slot in block).
func (b *Buffer[T]) locate(index int64) (int, int) {
	d := index - b.offset
	l := int64(b.opts.BlockLength)
	return int(d / l), int(d % l)
}

// startBlock appends a block to refs, preferring a pooled one.
func (b *Buffer[T]) startBlock() {
	var h int
	switch {
	case len(b.pool) > 0:
		h = b.pool[len(b.pool)-1]
		b.pool = b.pool[:len(b.pool)-1]
	case len(b.spare) > 0:
		h = b.spare[len(b.spare)-1]
		b.spare = b.spare[:len(b.spare)-1]
		b.arena[h] = make([]T, b.opts.BlockLength)
	default:
		h = len(b.arena)
		b.arena = append(b.arena, make([]T, b.opts.BlockLength))
	}
	b.refs = append(b.refs, h)
}

// cleanup trims the pool and compacts the reference list. Called after every
// mutation that started a new block, so its cost is amortised over a block.
func (b *Buffer[T]) cleanup() {
	busy := len(b.refs) - b.released
	if len(b.pool) > busy/2 && len(b.pool) > b.opts.MinFreeBlocks {
		for len(b.pool) > b.opts.MinFreeBlocks {
			h := b.pool[len(b.pool)-1]
			b.pool = b.pool[:len(b.pool)-1]
			b.arena[h] = nil
			b.spare = append(b.spare, h)
		}
	}

	if len(b.refs) >= b.opts.ListCapacity && b.released > len(b.refs)/2 {
		live := len(b.refs) - b.released
		refs := make([]int, live, max(b.opts.ListCapacity, live))
		copy(refs, b.refs[b.released:])
		b.offset += int64(b.released) * int64(b.opts.BlockLength)
		b.refs = refs
		b.released = 0
		b.compactions++
	}
}
