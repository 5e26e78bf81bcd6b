package local

import (
	"fmt"
	"os"

	"github.com/snehjoshi/fastq/internal/storage"
)

// FreeTo retires every sealed segment whose entries all have an ID below id.
//
// Why whole segments:
//   - Entries are never rewritten in place; a segment is either fully live
//     or fully garbage once every subscription has completed past it.
//   - Deleting a file is atomic and cheap, so no compaction copy is needed
//     and the write path is never blocked for longer than an unlink.
//
// The active segment is kept even when fully freed so the next Write has
// somewhere to go without re-creating a file.
func (l *MessageLog) FreeTo(id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return storage.ErrClosed
	}

	n := 0
	for n < len(l.segments)-1 && l.segments[n].lastID < id {
		n++
	}
	if n == 0 {
		return nil
	}

	for i := 0; i < n; i++ {
		if err := os.Remove(l.segments[i].path); err != nil && !os.IsNotExist(err) {
			// Keep the bookkeeping consistent with what is on disk.
			l.segments = l.segments[i:]
			return fmt.Errorf("log: retire %s: %w", l.segments[0].path, err)
		}
	}
	l.segments = append(l.segments[:0], l.segments[n:]...)
	return nil
}
