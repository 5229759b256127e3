package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/bootjp/mvcckv/internal"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/cockroachdb/pebble/vfs"
)

const (
	pebbleLevels             = 7
	minMemTableStopThreshold = 2
)

// pebbleEngine implements StorageEngine on CockroachDB's Pebble LSM tree.
type pebbleEngine struct {
	db       *pebble.DB
	log      *slog.Logger
	fs       vfs.FS
	dir      string
	mtx      sync.RWMutex // held exclusively only by Close
	closed   bool
	counters engineCounters
}

var _ StorageEngine = (*pebbleEngine)(nil)

// PebbleEngineOption configures the Pebble engine.
type PebbleEngineOption func(*pebbleEngine)

// WithPebbleLogger sets a custom logger.
func WithPebbleLogger(l *slog.Logger) PebbleEngineOption {
	return func(s *pebbleEngine) {
		s.log = l
	}
}

// WithPebbleFS replaces the filesystem, e.g. vfs.NewMem() in tests.
func WithPebbleFS(fs vfs.FS) PebbleEngineOption {
	return func(s *pebbleEngine) {
		s.fs = fs
	}
}

// slogPebbleLogger routes Pebble's internal logging into slog.
type slogPebbleLogger struct {
	log *slog.Logger
}

func (l slogPebbleLogger) Infof(format string, args ...interface{}) {
	l.log.Info(fmt.Sprintf(format, args...), slog.String("component", "pebble"))
}

func (l slogPebbleLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...), slog.String("component", "pebble"))
}

func (l slogPebbleLogger) Fatalf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...), slog.String("component", "pebble"))
	os.Exit(1)
}

func pebbleCompression(c CompressionType, log *slog.Logger) pebble.Compression {
	switch c {
	case CompressionNone:
		return pebble.NoCompression
	case CompressionSnappy:
		return pebble.SnappyCompression
	case CompressionZstd:
		return pebble.ZstdCompression
	case CompressionZlib, CompressionBz2:
		log.Warn("compression not available in pebble, using zstd", slog.String("requested", c.String()))
		return pebble.ZstdCompression
	case CompressionLz4, CompressionLz4Hc:
		log.Warn("compression not available in pebble, using snappy", slog.String("requested", c.String()))
		return pebble.SnappyCompression
	default:
		return pebble.DefaultCompression
	}
}

func (s *pebbleEngine) options(cfg Config) (*pebble.Options, error) {
	tuning := cfg.BackendTuning
	opts := &pebble.Options{
		FS:           s.fs,
		MaxOpenFiles: tuning.MaxOpenFiles,
		Logger:       slogPebbleLogger{log: s.log},
	}
	if cfg.WriteBufferSizeMB > 0 {
		size, err := internal.MBToBytes(cfg.WriteBufferSizeMB)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidConfig, "write_buffer_size_mb")
		}
		opts.MemTableSize = size
		threshold := minMemTableStopThreshold
		if cfg.MemtableSizeMB > cfg.WriteBufferSizeMB {
			n, err := internal.Uint64ToInt(cfg.MemtableSizeMB / cfg.WriteBufferSizeMB)
			if err != nil {
				return nil, errors.Wrap(ErrInvalidConfig, "memtable_size_mb")
			}
			threshold = max(threshold, n)
		}
		opts.MemTableStopWritesThreshold = threshold
	}

	level := pebble.LevelOptions{
		Compression: pebbleCompression(tuning.CompressionType, s.log),
	}
	if tuning.EnableBloomFilter {
		level.FilterPolicy = bloom.FilterPolicy(tuning.BloomFilterBitsPerKey)
		level.FilterType = pebble.TableFilter
	}
	opts.Levels = make([]pebble.LevelOptions, pebbleLevels)
	for i := range opts.Levels {
		opts.Levels[i] = level
	}
	opts.EnsureDefaults()
	return opts, nil
}

// NewPebbleEngine opens (or creates) a Pebble database under cfg.DataDir.
func NewPebbleEngine(cfg Config, opts ...PebbleEngineOption) (StorageEngine, error) {
	s := &pebbleEngine{
		dir: cfg.DataDir,
		fs:  vfs.Default,
		log: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
	}
	for _, opt := range opts {
		opt(s)
	}

	pebbleOpts, err := s.options(cfg)
	if err != nil {
		return nil, err
	}
	if mb := cfg.BackendTuning.BlockCacheSizeMB; mb > 0 {
		size, err := internal.MBToIntBytes(mb)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidConfig, "block_cache_size_mb")
		}
		cache := pebble.NewCache(int64(size))
		// Open takes its own reference.
		defer cache.Unref()
		pebbleOpts.Cache = cache
	}

	db, err := pebble.Open(s.dir, pebbleOpts)
	if err != nil {
		return nil, storageErr(err, "pebble open")
	}
	s.db = db
	s.log.Info("pebble engine opened", slog.String("dir", s.dir))
	return s, nil
}

func (s *pebbleEngine) acquire() (func(), error) {
	s.mtx.RLock()
	if s.closed {
		s.mtx.RUnlock()
		return nil, errors.WithStack(ErrClosed)
	}
	return s.mtx.RUnlock, nil
}

type pebbleReader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

func pebbleGet(r pebbleReader, key []byte) ([]byte, error) {
	val, closer, err := r.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, storageErr(err, "pebble get")
	}
	out := bytes.Clone(present(val))
	if err := closer.Close(); err != nil {
		return nil, storageErr(err, "pebble get close")
	}
	return out, nil
}

func pebbleScan(r pebbleReader, start, end []byte) ([]KVPair, error) {
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: end,
	})
	if err != nil {
		return nil, storageErr(err, "pebble iter")
	}
	var result []KVPair
	for iter.First(); iter.Valid(); iter.Next() {
		result = append(result, KVPair{
			Key:   bytes.Clone(iter.Key()),
			Value: bytes.Clone(present(iter.Value())),
		})
	}
	if err := iter.Close(); err != nil {
		return nil, storageErr(err, "pebble scan")
	}
	return result, nil
}

func (s *pebbleEngine) Get(_ context.Context, key []byte) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	s.counters.reads.Add(1)
	return pebbleGet(s.db, key)
}

func (s *pebbleEngine) Put(_ context.Context, key []byte, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	if err := s.db.Set(key, value, pebble.Sync); err != nil {
		return storageErr(err, "pebble put")
	}
	s.counters.writes.Add(1)
	s.counters.written.Add(uint64(len(value)))
	return nil
}

func (s *pebbleEngine) Delete(_ context.Context, key []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	if err := s.db.Delete(key, pebble.Sync); err != nil {
		return storageErr(err, "pebble delete")
	}
	s.counters.deletes.Add(1)
	return nil
}

func (s *pebbleEngine) MultiGet(_ context.Context, keys [][]byte) ([][]byte, error) {
	for _, k := range keys {
		if err := validateKey(k); err != nil {
			return nil, err
		}
	}
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	out := make([][]byte, len(keys))
	for i, k := range keys {
		v, err := pebbleGet(s.db, k)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	s.counters.reads.Add(uint64(len(keys)))
	return out, nil
}

func (s *pebbleEngine) BatchWrite(_ context.Context, ops []WriteOp) error {
	if err := validateOps(ops); err != nil {
		return err
	}
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	b := s.db.NewBatch()
	defer b.Close()
	for _, op := range ops {
		var err error
		switch op.Op {
		case OpTypePut:
			err = b.Set(op.Key, op.Value, nil)
		case OpTypeDelete:
			err = b.Delete(op.Key, nil)
		}
		if err != nil {
			return storageErr(err, "pebble batch")
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return storageErr(err, "pebble batch commit")
	}
	s.counters.countOps(ops)
	return nil
}

func (s *pebbleEngine) Scan(_ context.Context, start []byte, end []byte) ([]KVPair, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	return pebbleScan(s.db, start, end)
}

// Stats walks the keyspace to count keys; disk and memory figures come
// from Pebble's metrics.
func (s *pebbleEngine) Stats(_ context.Context) (StorageStats, error) {
	release, err := s.acquire()
	if err != nil {
		return StorageStats{}, err
	}
	defer release()

	iter, err := s.db.NewIter(nil)
	if err != nil {
		return StorageStats{}, storageErr(err, "pebble iter")
	}
	var st StorageStats
	for iter.First(); iter.Valid(); iter.Next() {
		st.TotalKeys++
		st.TotalSizeBytes += uint64(len(iter.Key()) + len(iter.Value()))
	}
	if err := iter.Close(); err != nil {
		return StorageStats{}, storageErr(err, "pebble stats")
	}

	m := s.db.Metrics()
	st.DiskUsageBytes = m.DiskSpaceUsage()
	st.MemoryUsageBytes = m.MemTable.Size + uint64(max(m.BlockCache.Size, 0))
	s.counters.fill(&st)
	return st, nil
}

// Compact compacts the whole populated key range.
func (s *pebbleEngine) Compact(ctx context.Context) error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	iter, err := s.db.NewIter(nil)
	if err != nil {
		return storageErr(err, "pebble iter")
	}
	var first, last []byte
	if iter.First() {
		first = bytes.Clone(iter.Key())
	}
	if iter.Last() {
		last = bytes.Clone(iter.Key())
	}
	if err := iter.Close(); err != nil {
		return storageErr(err, "pebble compact bounds")
	}
	if first == nil {
		return nil
	}
	// Compact's end bound is exclusive.
	end := append(last, 0x00)
	if err := s.db.Compact(first, end, true); err != nil {
		return storageErr(err, "pebble compact")
	}
	s.log.InfoContext(ctx, "pebble compacted", slog.String("dir", s.dir))
	return nil
}

func (s *pebbleEngine) Snapshot(_ context.Context) (Snapshot, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	return &pebbleSnapshot{snap: s.db.NewSnapshot()}, nil
}

func (s *pebbleEngine) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return storageErr(s.db.Close(), "pebble close")
}

type pebbleSnapshot struct {
	snap *pebble.Snapshot
	once sync.Once
}

func (p *pebbleSnapshot) Get(_ context.Context, key []byte) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	return pebbleGet(p.snap, key)
}

func (p *pebbleSnapshot) Scan(_ context.Context, start []byte, end []byte) ([]KVPair, error) {
	return pebbleScan(p.snap, start, end)
}

func (p *pebbleSnapshot) Close() error {
	var err error
	p.once.Do(func() {
		err = storageErr(p.snap.Close(), "pebble snapshot close")
	})
	return err
}
