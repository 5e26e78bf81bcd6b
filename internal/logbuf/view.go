package logbuf

// View is an immutable window over the items a Buffer retained at the moment
// View was called. Blocks are shared with the Buffer, but a View never exposes
// slots the Buffer may still write to, so it can be read concurrently with
// further appends.
type View[T any] struct {
	first    int64
	next     int64
	base     int64 // logical index of blocks[0][0]
	blockLen int
	blocks   [][]T
}

// First returns the index of the first item in the view.
func (v View[T]) First() int64 { return v.first }

// Last returns the index of the last item in the view, First()-1 if empty.
func (v View[T]) Last() int64 { return v.next - 1 }

// Len returns the number of items in the view.
func (v View[T]) Len() int64 { return v.next - v.first }

// At returns the item with the given index.
func (v View[T]) At(index int64) (T, bool) {
	if index < v.first || index >= v.next {
		var zero T
		return zero, false
	}
	d := index - v.base
	l := int64(v.blockLen)
	return v.blocks[d/l][d%l], true
}

// CopyFrom copies items starting at index into dst and returns how many were
// copied. It copies nothing when index is outside the view.
func (v View[T]) CopyFrom(index int64, dst []T) int {
	if index < v.first || index >= v.next {
		return 0
	}
	l := int64(v.blockLen)
	n := 0
	for n < len(dst) && index < v.next {
		d := index - v.base
		blk := v.blocks[d/l]
		c := copy(dst[n:], blk[d%l:])
		n += c
		index += int64(c)
	}
	return n
}
