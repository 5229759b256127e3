package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100, cfg.MaxVersionsPerKey)
	assert.Equal(t, 5*time.Minute, cfg.GCInterval())
	assert.Equal(t, time.Hour, cfg.GCWatermarkLag())
	assert.True(t, cfg.VersionCompression)
	assert.Equal(t, uint64(64), cfg.MemtableSizeMB)
	assert.Equal(t, uint64(32), cfg.WriteBufferSizeMB)
	assert.Equal(t, 1000, cfg.BackendTuning.MaxOpenFiles)
	assert.Equal(t, CompressionZstd, cfg.BackendTuning.CompressionType)
	assert.True(t, cfg.BackendTuning.EnableBloomFilter)
	assert.Equal(t, 10, cfg.BackendTuning.BloomFilterBitsPerKey)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cases := map[string]func(*Config){
		"unknown backend":   func(c *Config) { c.Backend = "rocksdb" },
		"missing data dir":  func(c *Config) { c.DataDir = "" },
		"negative versions": func(c *Config) { c.MaxVersionsPerKey = -1 },
		"unknown clock":     func(c *Config) { c.Clock = "atomic" },
		"unknown checksum":  func(c *Config) { c.Checksum = "md5" },
		"unknown compression": func(c *Config) {
			c.BackendTuning.CompressionType = CompressionType(99)
		},
		"bloom without bits": func(c *Config) { c.BackendTuning.BloomFilterBitsPerKey = 0 },
		"negative files":     func(c *Config) { c.BackendTuning.MaxOpenFiles = -1 },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig, name)
	}

	mem := DefaultConfig()
	mem.Backend = BackendMemory
	mem.DataDir = ""
	assert.NoError(t, mem.Validate())
}

func TestCompressionType_Text(t *testing.T) {
	t.Parallel()

	for c, name := range compressionNames {
		text, err := c.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, name, string(text))
	}

	var c CompressionType
	require.NoError(t, c.UnmarshalText([]byte("LZ4HC")))
	assert.Equal(t, CompressionLz4Hc, c)
	assert.ErrorIs(t, c.UnmarshalText([]byte("brotli")), ErrInvalidConfig)

	_, err := CompressionType(42).MarshalText()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
