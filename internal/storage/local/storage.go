// Package local provides the single-node, disk-backed stores of a topic:
//
//   - MessageLog: segmented append-only files holding message entries
//   - SubscriptionsFile: the subscription registry as an atomically replaced
//     JSON document
//   - PointerStore: subscription cursors in a bbolt database
//
// A topic directory looks like:
//
//	<data_dir>/topics/<topic>/
//	    segments/00000000000000000001.seg
//	    segments/00000000000000065537.seg
//	    subscriptions.json
//	    pointers.db
package local

import (
	"path/filepath"
)

const (
	SegmentsDirName       = "segments"
	SubscriptionsFileName = "subscriptions.json"
	PointersFileName      = "pointers.db"

	segmentExt = ".seg"
)

// ─── Local Storage Config ────────────────────────────────────────────────────

// FsyncPolicy controls when message writes reach physical disk.
// Values mirror the top-level Config.Storage.Fsync policy names so the broker
// can pass them straight through without translation.
type FsyncPolicy string

const (
	FsyncAlways FsyncPolicy = "always" // fsync after every Write (safest, slowest)
	FsyncFlush  FsyncPolicy = "flush"  // fsync when the topic persistence loop calls Flush
	FsyncNever  FsyncPolicy = "never"  // leave it to the OS (fastest, risks data loss)
)

// Compression selects how message bodies are stored.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// compressMinBody is the smallest body worth handing to the compressor.
const compressMinBody = 256

// Config holds options that tune the MessageLog.
// All zero-values are safe: DefaultConfig() fills in sensible defaults.
type Config struct {
	SegmentSize int64 // rotate once the active segment reaches this many bytes
	Fsync       FsyncPolicy
	Compression Compression
}

// DefaultConfig returns a Config with production-safe defaults.
func DefaultConfig() Config {
	return Config{
		SegmentSize: 64 << 20,
		Fsync:       FsyncFlush,
		Compression: CompressionNone,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SegmentSize <= 0 {
		c.SegmentSize = def.SegmentSize
	}
	if c.Fsync == "" {
		c.Fsync = def.Fsync
	}
	if c.Compression == "" {
		c.Compression = def.Compression
	}
	return c
}

// SegmentsDir returns the message log directory inside a topic directory.
func SegmentsDir(topicDir string) string {
	return filepath.Join(topicDir, SegmentsDirName)
}
