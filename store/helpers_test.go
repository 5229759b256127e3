package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a configuration small enough for unit tests, with the
// background collector disabled.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Backend = BackendMemory
	cfg.GCIntervalSeconds = 0
	cfg.WriteBufferSizeMB = 4
	cfg.MemtableSizeMB = 8
	cfg.BackendTuning.BlockCacheSizeMB = 8
	return cfg
}

type engineFactory func(t testing.TB) StorageEngine

var dirSeq atomic.Uint64

func newPebbleTestEngine(t testing.TB, fs vfs.FS) StorageEngine {
	cfg := testConfig()
	cfg.Backend = BackendPebble
	cfg.DataDir = "db"
	e, err := NewPebbleEngine(cfg, WithPebbleFS(fs), WithPebbleLogger(discardLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func newBoltTestEngine(t testing.TB, dir string) StorageEngine {
	e, err := NewBoltEngine(dir, WithBoltLogger(discardLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// testEngines returns one factory per backend. root hosts the bolt files.
func testEngines(root string) map[string]engineFactory {
	return map[string]engineFactory{
		BackendMemory: func(testing.TB) StorageEngine {
			return NewMemoryEngine(WithMemoryLogger(discardLogger()))
		},
		BackendPebble: func(t testing.TB) StorageEngine {
			return newPebbleTestEngine(t, vfs.NewMem())
		},
		BackendBolt: func(t testing.TB) StorageEngine {
			dir := filepath.Join(root, "bolt-"+strconv.FormatUint(dirSeq.Add(1), 10))
			return newBoltTestEngine(t, dir)
		},
	}
}

func newTestMVCCStore(t testing.TB, backend StorageEngine, opts ...MVCCStoreOption) *mvccStore {
	t.Helper()
	return newTestMVCCStoreWithConfig(t, backend, testConfig(), opts...)
}

func newTestMVCCStoreWithConfig(t testing.TB, backend StorageEngine, cfg Config, opts ...MVCCStoreOption) *mvccStore {
	t.Helper()
	if backend == nil {
		backend = NewMemoryEngine(WithMemoryLogger(discardLogger()))
	}
	opts = append([]MVCCStoreOption{WithLogger(discardLogger())}, opts...)
	st, err := NewMVCCStore(context.Background(), backend, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	s, ok := st.(*mvccStore)
	require.True(t, ok)
	return s
}

var errInjected = errors.New("injected backend failure")

// faultyEngine fails BatchWrite while failBatch is set.
type faultyEngine struct {
	StorageEngine
	failBatch atomic.Bool
	batches   atomic.Int64
}

func (f *faultyEngine) BatchWrite(ctx context.Context, ops []WriteOp) error {
	f.batches.Add(1)
	if f.failBatch.Load() {
		return storageErr(errInjected, "batch write")
	}
	return f.StorageEngine.BatchWrite(ctx, ops)
}

// putVersion persists v for key directly into backend, bypassing any cache.
func putVersion(t testing.TB, backend StorageEngine, key string, v Version) {
	t.Helper()
	rec, err := versionCodec{compress: true}.encode(v)
	require.NoError(t, err)
	require.NoError(t, backend.Put(context.Background(), versionKey([]byte(key), v.Timestamp), rec))
}
