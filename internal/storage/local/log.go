package local

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/snehjoshi/fastq/internal/storage"
	"github.com/snehjoshi/fastq/internal/types"
)

// segment describes one file of the log. Segments are named by the ID of
// their first entry, zero-padded so lexical order is ID order.
type segment struct {
	firstID int64
	lastID  int64 // firstID-1 while empty
	path    string
	size    int64
}

func segmentName(firstID int64) string {
	return fmt.Sprintf("%020d%s", firstID, segmentExt)
}

// MessageLog is the local, segmented implementation of
// storage.PersistentStorage.
//
// Messages are appended to the active (last) segment. Once it reaches
// Config.SegmentSize the next Write starts a new segment. FreeTo retires
// whole segments whose entries are all below the freed ID; the active
// segment is never retired.
//
// All methods are safe for concurrent use.
type MessageLog struct {
	mu    sync.Mutex
	dir   string
	cfg   Config
	codec *codec

	segments []*segment
	active   *os.File // append handle on segments[len-1]; nil until first write
	dirty    bool     // written since the last fsync
	scratch  []byte

	closed bool
}

// Ensure MessageLog satisfies the interface at compile time.
var _ storage.PersistentStorage = (*MessageLog)(nil)

// OpenMessageLog opens (or creates) the log in dir.
//
// Every segment is scanned. A torn or corrupt entry (a crash mid-write) ends
// the log: the damaged segment is truncated after its last valid entry and
// any later segments are removed, so that IDs stay contiguous.
func OpenMessageLog(dir string, cfg Config) (*MessageLog, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("log: create dir %s: %w", dir, err)
	}

	l := &MessageLog{dir: dir, cfg: cfg, codec: newCodec(cfg.Compression)}
	if err := l.load(); err != nil {
		return nil, fmt.Errorf("log: load %s: %w", dir, err)
	}
	return l, nil
}

// Write appends msgs as one contiguous byte range of the active segment.
// If the write fails the segment is truncated back to its previous size.
func (l *MessageLog) Write(msgs ...types.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return storage.ErrClosed
	}

	buf := l.scratch[:0]
	for i := range msgs {
		body, flags, err := l.codec.compress(msgs[i].Body)
		if err != nil {
			return fmt.Errorf("log: compress id %d: %w", msgs[i].ID, err)
		}
		buf = appendEntry(buf, msgs[i].ID, msgs[i].EnqueuedAt.UnixNano(), flags, body)
	}
	if cap(buf) <= 1<<20 {
		l.scratch = buf
	}

	if err := l.ensureActive(msgs[0].ID); err != nil {
		return err
	}
	seg := l.segments[len(l.segments)-1]

	if _, err := l.active.Write(buf); err != nil {
		if terr := l.active.Truncate(seg.size); terr != nil {
			return fmt.Errorf("log: write failed (%v) and rollback failed: %w", err, terr)
		}
		return fmt.Errorf("log: write: %w", err)
	}
	seg.size += int64(len(buf))
	seg.lastID = msgs[len(msgs)-1].ID
	l.dirty = true

	if l.cfg.Fsync == FsyncAlways {
		if err := l.active.Sync(); err != nil {
			return fmt.Errorf("log: sync: %w", err)
		}
		l.dirty = false
	}
	return nil
}

// Flush fsyncs the active segment when the policy asks for it.
func (l *MessageLog) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return storage.ErrClosed
	}
	if l.active == nil || !l.dirty || l.cfg.Fsync == FsyncNever {
		return nil
	}
	if err := l.active.Sync(); err != nil {
		return fmt.Errorf("log: sync: %w", err)
	}
	l.dirty = false
	return nil
}

// Restore replays every retained message in ID order.
func (l *MessageLog) Restore(fn func(types.Message) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return storage.ErrClosed
	}
	for _, seg := range l.segments {
		if err := l.replaySegment(seg, fn); err != nil {
			return err
		}
	}
	return nil
}

// FirstID returns the ID of the oldest retained entry, or 0 if the log is empty.
func (l *MessageLog) FirstID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, seg := range l.segments {
		if seg.lastID >= seg.firstID {
			return seg.firstID
		}
	}
	return 0
}

// LastID returns the ID of the newest entry, or 0 if the log is empty.
func (l *MessageLog) LastID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.segments) == 0 {
		return 0
	}
	seg := l.segments[len(l.segments)-1]
	if seg.lastID < seg.firstID {
		return 0
	}
	return seg.lastID
}

// Segments returns the number of segment files.
func (l *MessageLog) Segments() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.segments)
}

// Close flushes and closes the active segment.
// Safe to call multiple times.
func (l *MessageLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked()
}

// Destroy closes the log and removes its directory.
func (l *MessageLog) Destroy() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	closeErr := l.closeLocked()
	if err := os.RemoveAll(l.dir); err != nil {
		return fmt.Errorf("log: remove %s: %w", l.dir, err)
	}
	return closeErr
}

// ─── internal helpers ────────────────────────────────────────────────────────

func (l *MessageLog) closeLocked() error {
	if l.closed {
		return nil
	}
	l.closed = true
	defer l.codec.close()
	if l.active == nil {
		return nil
	}
	f := l.active
	l.active = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("log: sync: %w", err)
	}
	return f.Close()
}

// ensureActive opens the active segment, starting a new one named after
// firstID when there is none yet or the current one is full.
func (l *MessageLog) ensureActive(firstID int64) error {
	if n := len(l.segments); n > 0 {
		seg := l.segments[n-1]
		if seg.size < l.cfg.SegmentSize {
			if l.active == nil {
				f, err := os.OpenFile(seg.path, os.O_WRONLY|os.O_APPEND, 0o640)
				if err != nil {
					return fmt.Errorf("log: open %s: %w", seg.path, err)
				}
				l.active = f
			}
			return nil
		}
	}
	return l.rotate(firstID)
}

// rotate seals the active segment and starts a new one.
func (l *MessageLog) rotate(firstID int64) error {
	if l.active != nil {
		if err := l.active.Sync(); err != nil {
			return fmt.Errorf("log: sync before rotate: %w", err)
		}
		if err := l.active.Close(); err != nil {
			return fmt.Errorf("log: close before rotate: %w", err)
		}
		l.active = nil
		l.dirty = false
	}

	path := filepath.Join(l.dir, segmentName(firstID))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("log: create segment %s: %w", path, err)
	}
	if _, err := f.Write(segmentMagic[:]); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("log: write magic: %w", err)
	}

	l.active = f
	l.segments = append(l.segments, &segment{
		firstID: firstID,
		lastID:  firstID - 1,
		path:    path,
		size:    int64(len(segmentMagic)),
	})
	return nil
}

// load discovers segment files and validates them.
func (l *MessageLog) load() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return err
	}

	var segs []*segment
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		first, err := strconv.ParseInt(strings.TrimSuffix(name, segmentExt), 10, 64)
		if err != nil {
			continue
		}
		segs = append(segs, &segment{firstID: first, lastID: first - 1, path: filepath.Join(l.dir, name)})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].firstID < segs[j].firstID })

	for i, seg := range segs {
		clean, err := l.scanSegment(seg)
		if err != nil {
			return err
		}
		if clean {
			continue
		}
		for _, later := range segs[i+1:] {
			if err := os.Remove(later.path); err != nil {
				return fmt.Errorf("remove %s: %w", later.path, err)
			}
		}
		segs = segs[:i+1]
		break
	}

	// A segment without entries is useless: its name would not match the
	// next ID written to it.
	kept := segs[:0]
	for _, seg := range segs {
		if seg.lastID < seg.firstID {
			if err := os.Remove(seg.path); err != nil {
				return fmt.Errorf("remove empty %s: %w", seg.path, err)
			}
			continue
		}
		kept = append(kept, seg)
	}
	l.segments = kept
	return nil
}

// scanSegment walks every entry of seg to find its last ID and valid size.
// It truncates a damaged tail and reports whether the segment was clean.
func (l *MessageLog) scanSegment(seg *segment) (bool, error) {
	f, err := os.OpenFile(seg.path, os.O_RDWR, 0o640)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", seg.path, err)
	}
	defer f.Close()

	er, err := newEntryReader(f)
	if err != nil {
		// Torn header: the segment was created but never written.
		seg.size = 0
		return false, nil
	}

	clean := true
	for {
		e, err := er.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, storage.ErrCorrupted) {
			clean = false
			break
		}
		if err != nil {
			return false, err
		}
		seg.lastID = e.id
	}
	seg.size = er.offset

	if !clean {
		if err := f.Truncate(seg.size); err != nil {
			return false, fmt.Errorf("truncate %s: %w", seg.path, err)
		}
		if err := f.Sync(); err != nil {
			return false, fmt.Errorf("sync %s: %w", seg.path, err)
		}
	}
	return clean, nil
}

func (l *MessageLog) replaySegment(seg *segment, fn func(types.Message) error) error {
	if seg.lastID < seg.firstID {
		return nil
	}
	f, err := os.Open(seg.path)
	if err != nil {
		return fmt.Errorf("log: open %s: %w", seg.path, err)
	}
	defer f.Close()

	er, err := newEntryReader(io.LimitReader(f, seg.size))
	if err != nil {
		return fmt.Errorf("log: %s: %w", seg.path, err)
	}
	for {
		e, err := er.next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("log: replay %s: %w", seg.path, err)
		}
		msg, err := e.toMessage(l.codec)
		if err != nil {
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}
