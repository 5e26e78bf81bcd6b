// Package config holds all configuration types and loading logic for FastQ.
// Fields are only added, never renamed or removed, so existing config files
// keep working across releases.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a FastQ server instance.
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Storage    StorageConfig    `yaml:"storage"`
	Redis      RedisConfig      `yaml:"redis"`
	Topic      TopicConfig      `yaml:"topic"`
	Subscriber SubscriberConfig `yaml:"subscriber"`
	Writer     WriterConfig     `yaml:"writer"`
	Producers  ProducerConfig   `yaml:"producers"`
	Auth       AuthConfig       `yaml:"auth"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Log        LogConfig        `yaml:"log"`
}

// NodeConfig holds identity and network settings for this server node.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
	// MaxMessageSizeKB caps a single message body and, scaled by the
	// subscriber batch limit, the size of any request body.
	MaxMessageSizeKB int `yaml:"max_message_size_kb"`
}

// FsyncPolicy controls when the message log is flushed to physical disk.
type FsyncPolicy string

const (
	FsyncAlways FsyncPolicy = "always" // fsync inside every write
	FsyncFlush  FsyncPolicy = "flush"  // fsync on every persistence tick (default)
	FsyncNever  FsyncPolicy = "never"  // rely on the OS page cache (dev/test only)
)

// PointersBackend selects where subscription cursors are stored.
type PointersBackend string

const (
	PointersLocal PointersBackend = "local" // bbolt file per topic
	PointersRedis PointersBackend = "redis" // one Redis hash per topic
)

// StorageConfig controls how messages and cursors are persisted.
type StorageConfig struct {
	SegmentSizeMB int         `yaml:"segment_size_mb"`
	Fsync         FsyncPolicy `yaml:"fsync"`
	// Compression is "none" or "zstd". Only bodies of 256 bytes or more are
	// compressed.
	Compression     string          `yaml:"compression"`
	PointersBackend PointersBackend `yaml:"pointers_backend"`
}

// RedisConfig is used when storage.pointers_backend is "redis".
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// TopicConfig tunes the per-topic background loops and the in-memory log.
type TopicConfig struct {
	PersistenceIntervalMs   int `yaml:"persistence_interval_ms"`
	CleanupIntervalMs       int `yaml:"cleanup_interval_ms"`
	PointersFlushIntervalMs int `yaml:"pointers_flush_interval_ms"`
	// After this many consecutive failures a loop logs at error level.
	PersistenceMaxFails   int `yaml:"persistence_max_fails"`
	CleanupMaxFails       int `yaml:"cleanup_max_fails"`
	PointersFlushMaxFails int `yaml:"pointers_flush_max_fails"`

	BufferBlockLength   int `yaml:"buffer_block_length"`
	BufferListCapacity  int `yaml:"buffer_list_capacity"`
	BufferMinFreeBlocks int `yaml:"buffer_min_free_blocks"`
}

// SubscriberConfig sets defaults and limits for subscriber streams.
type SubscriberConfig struct {
	DefaultBatchSize int `yaml:"default_batch_size"`
	MaxBatchSize     int `yaml:"max_batch_size"`
	PushIntervalMs   int `yaml:"push_interval_ms"`
}

// WriterConfig sets defaults for publisher streams.
type WriterConfig struct {
	ConfirmationIntervalMs int `yaml:"confirmation_interval_ms"`
}

// ProducerConfig sets rate limiting applied per client IP.
type ProducerConfig struct {
	// MaxRate is requests per second per client.
	MaxRate int `yaml:"max_rate"`
	// Burst allows temporary spikes above MaxRate.
	Burst int `yaml:"burst"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the Prometheus metrics endpoint. With Port 0 the
// metrics are only served on the API listener under /metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:               "auto",
			Host:             "0.0.0.0",
			Port:             8080,
			DataDir:          "./data",
			MaxMessageSizeKB: 256,
		},
		Storage: StorageConfig{
			SegmentSizeMB:   64,
			Fsync:           FsyncFlush,
			Compression:     "none",
			PointersBackend: PointersLocal,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "fastq:",
		},
		Topic: TopicConfig{
			PersistenceIntervalMs:   50,
			CleanupIntervalMs:       200,
			PointersFlushIntervalMs: 200,
			PersistenceMaxFails:     20,
			CleanupMaxFails:         20,
			PointersFlushMaxFails:   20,
			BufferBlockLength:       1024,
			BufferListCapacity:      128,
			BufferMinFreeBlocks:     2,
		},
		Subscriber: SubscriberConfig{
			DefaultBatchSize: 1000,
			MaxBatchSize:     10_000,
			PushIntervalMs:   50,
		},
		Writer: WriterConfig{
			ConfirmationIntervalMs: 50,
		},
		Producers: ProducerConfig{
			MaxRate: 10_000,
			Burst:   50_000,
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run FastQ with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	FASTQ_AUTH_API_KEY   sets auth.api_key and enables auth
//	FASTQ_DATA_DIR       sets node.data_dir
//	FASTQ_PORT           sets node.port
//	FASTQ_REDIS_ADDR     sets redis.addr and selects the redis cursor backend
//	FASTQ_LOG_LEVEL      sets log.level
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("FASTQ_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("FASTQ_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("FASTQ_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("FASTQ_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Storage.PointersBackend = PointersRedis
	}
	if v := os.Getenv("FASTQ_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if c.Node.MaxMessageSizeKB < 1 {
		return errors.New("node.max_message_size_kb must be at least 1")
	}
	if c.Storage.SegmentSizeMB < 1 {
		return errors.New("storage.segment_size_mb must be at least 1")
	}
	switch c.Storage.Fsync {
	case FsyncAlways, FsyncFlush, FsyncNever:
	default:
		return errors.New(`storage.fsync must be one of "always", "flush", "never"`)
	}
	switch c.Storage.Compression {
	case "none", "zstd":
	default:
		return errors.New(`storage.compression must be "none" or "zstd"`)
	}
	switch c.Storage.PointersBackend {
	case PointersLocal:
	case PointersRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis.addr must be set when storage.pointers_backend is redis")
		}
	default:
		return errors.New(`storage.pointers_backend must be "local" or "redis"`)
	}
	if c.Topic.PersistenceIntervalMs < 1 || c.Topic.CleanupIntervalMs < 1 || c.Topic.PointersFlushIntervalMs < 1 {
		return errors.New("topic loop intervals must be at least 1ms")
	}
	if c.Topic.PersistenceMaxFails < 1 || c.Topic.CleanupMaxFails < 1 || c.Topic.PointersFlushMaxFails < 1 {
		return errors.New("topic max_fails values must be at least 1")
	}
	if c.Topic.BufferBlockLength < 1 {
		return errors.New("topic.buffer_block_length must be at least 1")
	}
	if c.Topic.BufferListCapacity < 2 {
		return errors.New("topic.buffer_list_capacity must be at least 2")
	}
	if c.Topic.BufferMinFreeBlocks < 0 {
		return errors.New("topic.buffer_min_free_blocks must be >= 0")
	}
	if c.Subscriber.MaxBatchSize < 1 {
		return errors.New("subscriber.max_batch_size must be at least 1")
	}
	if c.Subscriber.DefaultBatchSize < 1 {
		return errors.New("subscriber.default_batch_size must be at least 1")
	}
	if c.Subscriber.DefaultBatchSize > c.Subscriber.MaxBatchSize {
		return errors.New("subscriber.default_batch_size must not exceed subscriber.max_batch_size")
	}
	if c.Subscriber.PushIntervalMs < 1 {
		return errors.New("subscriber.push_interval_ms must be at least 1")
	}
	if c.Writer.ConfirmationIntervalMs < 1 {
		return errors.New("writer.confirmation_interval_ms must be at least 1")
	}
	if c.Producers.MaxRate < 0 || c.Producers.Burst < 0 {
		return errors.New("producers.max_rate and producers.burst must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 0 and 65535")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New(`log.level must be one of "debug", "info", "warn", "error"`)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return errors.New(`log.format must be "json" or "text"`)
	}
	return nil
}

// Duration converts a millisecond config value.
func Duration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
