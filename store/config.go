package store

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// CompressionType names a block compression algorithm for the persistent
// backend.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZlib
	CompressionBz2
	CompressionLz4
	CompressionLz4Hc
	CompressionZstd
)

var compressionNames = map[CompressionType]string{
	CompressionNone:   "none",
	CompressionSnappy: "snappy",
	CompressionZlib:   "zlib",
	CompressionBz2:    "bz2",
	CompressionLz4:    "lz4",
	CompressionLz4Hc:  "lz4hc",
	CompressionZstd:   "zstd",
}

func (c CompressionType) String() string {
	if n, ok := compressionNames[c]; ok {
		return n
	}
	return "unknown"
}

// ParseCompressionType is case-insensitive.
func ParseCompressionType(name string) (CompressionType, error) {
	want := strings.ToLower(strings.TrimSpace(name))
	for c, n := range compressionNames {
		if n == want {
			return c, nil
		}
	}
	return 0, errors.Wrapf(ErrInvalidConfig, "unknown compression type %q", name)
}

func (c CompressionType) MarshalText() ([]byte, error) {
	if _, ok := compressionNames[c]; !ok {
		return nil, errors.Wrapf(ErrInvalidConfig, "unknown compression type %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *CompressionType) UnmarshalText(text []byte) error {
	parsed, err := ParseCompressionType(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Backend names.
const (
	BackendPebble = "pebble"
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

// Clock names.
const (
	ClockHybrid  = "hybrid"
	ClockLogical = "logical"
)

// BackendTuning holds options for the persistent backend.
type BackendTuning struct {
	MaxOpenFiles          int             `yaml:"max_open_files"`
	CompressionType       CompressionType `yaml:"compression_type"`
	EnableBloomFilter     bool            `yaml:"enable_bloom_filter"`
	BloomFilterBitsPerKey int             `yaml:"bloom_filter_bits_per_key"`
	BlockCacheSizeMB      uint64          `yaml:"block_cache_size_mb"`
}

// Config is the set of options the storage core recognizes.
type Config struct {
	DataDir               string        `yaml:"data_dir"`
	Backend               string        `yaml:"backend"`
	MaxVersionsPerKey     int           `yaml:"max_versions_per_key"`
	GCIntervalSeconds     uint64        `yaml:"gc_interval_seconds"`
	GCWatermarkLagSeconds uint64        `yaml:"gc_watermark_lag_seconds"`
	VersionCompression    bool          `yaml:"version_compression"`
	MemtableSizeMB        uint64        `yaml:"memtable_size_mb"`
	WriteBufferSizeMB     uint64        `yaml:"write_buffer_size_mb"`
	Clock                 string        `yaml:"clock"`
	Checksum              string        `yaml:"checksum"`
	BackendTuning         BackendTuning `yaml:"backend_tuning"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:               "./mvcckv-data",
		Backend:               BackendPebble,
		MaxVersionsPerKey:     100,
		GCIntervalSeconds:     300,
		GCWatermarkLagSeconds: 3600,
		VersionCompression:    true,
		MemtableSizeMB:        64,
		WriteBufferSizeMB:     32,
		Clock:                 ClockHybrid,
		Checksum:              ChecksumSHA256.String(),
		BackendTuning: BackendTuning{
			MaxOpenFiles:          1000,
			CompressionType:       CompressionZstd,
			EnableBloomFilter:     true,
			BloomFilterBitsPerKey: 10,
			BlockCacheSizeMB:      256,
		},
	}
}

// GCInterval is zero when background collection is disabled.
func (c Config) GCInterval() time.Duration {
	return time.Duration(c.GCIntervalSeconds) * time.Second
}

func (c Config) GCWatermarkLag() time.Duration {
	return time.Duration(c.GCWatermarkLagSeconds) * time.Second
}

// Validate reports the first invalid option.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendPebble, BackendBolt:
		if c.DataDir == "" {
			return errors.Wrapf(ErrInvalidConfig, "data_dir is required for backend %q", c.Backend)
		}
	case BackendMemory:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown backend %q", c.Backend)
	}
	if c.MaxVersionsPerKey < 0 {
		return errors.Wrapf(ErrInvalidConfig, "max_versions_per_key must not be negative: %d", c.MaxVersionsPerKey)
	}
	switch c.Clock {
	case "", ClockHybrid, ClockLogical:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown clock %q", c.Clock)
	}
	if _, err := ParseChecksumKind(c.Checksum); err != nil {
		return err
	}
	if _, ok := compressionNames[c.BackendTuning.CompressionType]; !ok {
		return errors.Wrapf(ErrInvalidConfig, "unknown compression type %d", int(c.BackendTuning.CompressionType))
	}
	if c.BackendTuning.EnableBloomFilter && c.BackendTuning.BloomFilterBitsPerKey <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "bloom_filter_bits_per_key must be positive: %d", c.BackendTuning.BloomFilterBitsPerKey)
	}
	if c.BackendTuning.MaxOpenFiles < 0 {
		return errors.Wrapf(ErrInvalidConfig, "max_open_files must not be negative: %d", c.BackendTuning.MaxOpenFiles)
	}
	return nil
}
