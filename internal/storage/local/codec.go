package local

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/snehjoshi/fastq/internal/storage"
	"github.com/snehjoshi/fastq/internal/types"
)

// entryVersion identifies the binary format of a segment entry.
// Increment this if the on-disk format ever changes; old files will be
// rejected rather than silently misread.
const entryVersion uint8 = 1

// segmentMagic is the 4-byte header written at the start of every segment.
var segmentMagic = [4]byte{0x46, 0x51, 0x53, 0x01} // "FQS\x01"

// Entry flags.
const flagZstd uint8 = 1 << 0

// Each entry is a length-prefixed binary record:
//
//	[totalLen   : 4 bytes, uint32, big-endian]
//	[version    : 1 byte]
//	[flags      : 1 byte]             ← bit 0: body is zstd-compressed
//	[id         : 8 bytes, int64]
//	[enqueuedAt : 8 bytes, int64]     ← UTC unix nanoseconds
//	[bodyLen    : 4 bytes, uint32]
//	[body       : bodyLen bytes]
//	[checksum   : 4 bytes, uint32]    ← CRC32 of version..body
//
// totalLen covers all bytes after the 4-byte length prefix itself.
const (
	entryFixedSize = 1 + 1 + 8 + 8 + 4 // = 22
	entryMinSize   = entryFixedSize + 4
	entryMaxSize   = 1 << 30
)

// rawEntry is a decoded entry whose body may still be compressed.
type rawEntry struct {
	id         int64
	enqueuedAt int64
	flags      uint8
	body       []byte // aliases the reader's scratch buffer
}

// appendEntry serialises one entry onto dst.
func appendEntry(dst []byte, id, enqueuedAt int64, flags uint8, body []byte) []byte {
	w := &byteWriter{buf: dst}
	w.writeUint32(uint32(entryFixedSize + len(body) + 4))
	start := len(w.buf)
	w.writeByte(entryVersion)
	w.writeByte(flags)
	w.writeInt64(id)
	w.writeInt64(enqueuedAt)
	w.writeUint32(uint32(len(body)))
	w.write(body)
	w.writeUint32(crc32.ChecksumIEEE(w.buf[start:]))
	return w.buf
}

// decodeEntry deserialises an entry buffer (without the 4-byte length prefix).
func decodeEntry(buf []byte) (rawEntry, error) {
	if len(buf) < entryMinSize {
		return rawEntry{}, fmt.Errorf("segment: entry too short (%d bytes): %w", len(buf), storage.ErrCorrupted)
	}

	// Verify checksum. It covers all bytes except the trailing 4-byte CRC itself.
	storedCRC := binary.BigEndian.Uint32(buf[len(buf)-4:])
	computedCRC := crc32.ChecksumIEEE(buf[:len(buf)-4])
	if storedCRC != computedCRC {
		return rawEntry{}, fmt.Errorf("segment: checksum mismatch (stored=%x computed=%x): %w",
			storedCRC, computedCRC, storage.ErrCorrupted)
	}

	r := &byteReader{buf: buf}
	if v := r.readByte(); v != entryVersion {
		return rawEntry{}, fmt.Errorf("segment: unsupported version %d: %w", v, storage.ErrCorrupted)
	}
	e := rawEntry{
		flags:      r.readByte(),
		id:         r.readInt64(),
		enqueuedAt: r.readInt64(),
	}
	bodyLen := int(r.readUint32())
	if bodyLen != len(buf)-entryMinSize {
		return rawEntry{}, fmt.Errorf("segment: body length %d does not match entry: %w", bodyLen, storage.ErrCorrupted)
	}
	e.body = r.read(bodyLen)
	return e, nil
}

// toMessage materialises a raw entry, copying or decompressing the body.
func (e rawEntry) toMessage(c *codec) (types.Message, error) {
	msg := types.Message{
		ID:         e.id,
		EnqueuedAt: time.Unix(0, e.enqueuedAt).UTC(),
	}
	if e.flags&flagZstd != 0 {
		body, err := c.decompress(e.body)
		if err != nil {
			return types.Message{}, fmt.Errorf("segment: decompress id %d: %w", e.id, err)
		}
		msg.Body = body
		return msg, nil
	}
	msg.Body = make([]byte, len(e.body))
	copy(msg.Body, e.body)
	return msg, nil
}

// ─── segment reader ──────────────────────────────────────────────────────────

// entryReader streams entries out of one segment file.
type entryReader struct {
	r       *bufio.Reader
	scratch []byte
	offset  int64 // byte offset just past the last valid entry
}

func newEntryReader(r io.Reader) (*entryReader, error) {
	br := bufio.NewReaderSize(r, 64<<10)
	var hdr [4]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, fmt.Errorf("segment: read magic: %w", storage.ErrCorrupted)
	}
	if hdr != segmentMagic {
		return nil, fmt.Errorf("segment: invalid magic header: %w", storage.ErrCorrupted)
	}
	return &entryReader{r: br, offset: int64(len(segmentMagic))}, nil
}

// next returns the next entry. It returns io.EOF at a clean end of file and
// an error wrapping storage.ErrCorrupted at a torn or damaged entry.
func (er *entryReader) next() (rawEntry, error) {
	var lenBuf [4]byte
	n, err := io.ReadFull(er.r, lenBuf[:])
	if n == 0 && errors.Is(err, io.EOF) {
		return rawEntry{}, io.EOF
	}
	if err != nil {
		return rawEntry{}, fmt.Errorf("segment: torn length prefix at %d: %w", er.offset, storage.ErrCorrupted)
	}
	total := binary.BigEndian.Uint32(lenBuf[:])
	if total < entryMinSize || total > entryMaxSize {
		return rawEntry{}, fmt.Errorf("segment: bad entry length %d at %d: %w", total, er.offset, storage.ErrCorrupted)
	}
	if cap(er.scratch) < int(total) {
		er.scratch = make([]byte, total)
	}
	buf := er.scratch[:total]
	if _, err := io.ReadFull(er.r, buf); err != nil {
		return rawEntry{}, fmt.Errorf("segment: torn entry at %d: %w", er.offset, storage.ErrCorrupted)
	}
	e, err := decodeEntry(buf)
	if err != nil {
		return rawEntry{}, err
	}
	er.offset += 4 + int64(total)
	return e, nil
}

// ---- minimal byte-level writer / reader ------------------------------------

type byteWriter struct{ buf []byte }

func (w *byteWriter) writeByte(v byte)     { w.buf = append(w.buf, v) }
func (w *byteWriter) write(v []byte)       { w.buf = append(w.buf, v...) }
func (w *byteWriter) writeUint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *byteWriter) writeInt64(v int64)   { w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v)) }

type byteReader struct {
	buf    []byte
	offset int
}

func (r *byteReader) readByte() byte {
	v := r.buf[r.offset]
	r.offset++
	return v
}
func (r *byteReader) read(n int) []byte {
	v := r.buf[r.offset : r.offset+n]
	r.offset += n
	return v
}
func (r *byteReader) readUint32() uint32 {
	v := binary.BigEndian.Uint32(r.buf[r.offset:])
	r.offset += 4
	return v
}
func (r *byteReader) readInt64() int64 {
	v := binary.BigEndian.Uint64(r.buf[r.offset:])
	r.offset += 8
	return int64(v)
}
