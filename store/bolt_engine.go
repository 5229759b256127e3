package store

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/emirpasic/gods/maps/treemap"
	"go.etcd.io/bbolt"
)

var boltBucket = []byte("mvcc")

const (
	boltFileName    = "mvcc.db"
	boltMode        = 0666
	boltDirMode     = 0755
	boltLockTimeout = time.Second
)

// boltEngine implements StorageEngine on a single bbolt bucket.
type boltEngine struct {
	mtx      sync.RWMutex // held exclusively only by Close
	closed   bool
	log      *slog.Logger
	bbolt    *bbolt.DB
	path     string
	counters engineCounters
}

var _ StorageEngine = (*boltEngine)(nil)

// BoltEngineOption configures the bolt engine.
type BoltEngineOption func(*boltEngine)

// WithBoltLogger sets a custom logger.
func WithBoltLogger(l *slog.Logger) BoltEngineOption {
	return func(s *boltEngine) {
		s.log = l
	}
}

// NewBoltEngine opens (or creates) <dataDir>/mvcc.db.
func NewBoltEngine(dataDir string, opts ...BoltEngineOption) (StorageEngine, error) {
	if err := os.MkdirAll(dataDir, boltDirMode); err != nil {
		return nil, storageErr(err, "bolt mkdir")
	}
	path := filepath.Join(dataDir, boltFileName)
	db, err := bbolt.Open(path, boltMode, &bbolt.Options{Timeout: boltLockTimeout})
	if err != nil {
		return nil, storageErr(err, "bolt open")
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return errors.WithStack(err)
	})
	if err != nil {
		_ = db.Close()
		return nil, storageErr(err, "bolt create bucket")
	}

	s := &boltEngine{
		bbolt: db,
		path:  path,
		log: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log.Info("bolt engine opened", slog.String("path", path))
	return s, nil
}

func (s *boltEngine) acquire() (func(), error) {
	s.mtx.RLock()
	if s.closed {
		s.mtx.RUnlock()
		return nil, errors.WithStack(ErrClosed)
	}
	return s.mtx.RUnlock, nil
}

// boltGet distinguishes a missing key from an empty value, which bbolt's
// Bucket.Get does not.
func boltGet(b *bbolt.Bucket, key []byte) ([]byte, bool) {
	k, v := b.Cursor().Seek(key)
	if k == nil || !bytes.Equal(k, key) {
		return nil, false
	}
	return bytes.Clone(present(v)), true
}

func (s *boltEngine) Get(_ context.Context, key []byte) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		v     []byte
		found bool
	)
	err = s.bbolt.View(func(tx *bbolt.Tx) error {
		v, found = boltGet(tx.Bucket(boltBucket), key)
		return nil
	})
	if err != nil {
		return nil, storageErr(err, "bolt get")
	}
	s.counters.reads.Add(1)
	if !found {
		return nil, ErrKeyNotFound
	}
	return v, nil
}

func (s *boltEngine) Put(ctx context.Context, key []byte, value []byte) error {
	return s.BatchWrite(ctx, []WriteOp{{Op: OpTypePut, Key: key, Value: value}})
}

func (s *boltEngine) Delete(ctx context.Context, key []byte) error {
	return s.BatchWrite(ctx, []WriteOp{{Op: OpTypeDelete, Key: key}})
}

func (s *boltEngine) MultiGet(_ context.Context, keys [][]byte) ([][]byte, error) {
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
	err = s.bbolt.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(boltBucket)
		for i, k := range keys {
			if v, ok := boltGet(b, k); ok {
				out[i] = v
			}
		}
		return nil
	})
	if err != nil {
		return nil, storageErr(err, "bolt multi get")
	}
	s.counters.reads.Add(uint64(len(keys)))
	return out, nil
}

// BatchWrite applies ops in one read-write transaction.
func (s *boltEngine) BatchWrite(_ context.Context, ops []WriteOp) error {
	if err := validateOps(ops); err != nil {
		return err
	}
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	err = s.bbolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(boltBucket)
		for _, op := range ops {
			switch op.Op {
			case OpTypePut:
				if err := b.Put(op.Key, present(op.Value)); err != nil {
					return errors.WithStack(err)
				}
			case OpTypeDelete:
				if err := b.Delete(op.Key); err != nil {
					return errors.WithStack(err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return storageErr(err, "bolt batch")
	}
	s.counters.countOps(ops)
	return nil
}

func boltScan(b *bbolt.Bucket, start, end []byte) []KVPair {
	var result []KVPair
	c := b.Cursor()
	var k, v []byte
	if start == nil {
		k, v = c.First()
	} else {
		k, v = c.Seek(start)
	}
	for ; k != nil; k, v = c.Next() {
		if end != nil && bytes.Compare(k, end) >= 0 {
			break
		}
		result = append(result, KVPair{Key: bytes.Clone(k), Value: bytes.Clone(present(v))})
	}
	return result
}

func (s *boltEngine) Scan(_ context.Context, start []byte, end []byte) ([]KVPair, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	var result []KVPair
	err = s.bbolt.View(func(tx *bbolt.Tx) error {
		result = boltScan(tx.Bucket(boltBucket), start, end)
		return nil
	})
	if err != nil {
		return nil, storageErr(err, "bolt scan")
	}
	return result, nil
}

func (s *boltEngine) Stats(_ context.Context) (StorageStats, error) {
	release, err := s.acquire()
	if err != nil {
		return StorageStats{}, err
	}
	defer release()

	var st StorageStats
	err = s.bbolt.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(boltBucket)
		st.TotalKeys = uint64(max(b.Stats().KeyN, 0))
		err := b.ForEach(func(k, v []byte) error {
			st.TotalSizeBytes += uint64(len(k) + len(v))
			return nil
		})
		st.DiskUsageBytes = uint64(max(tx.Size(), 0))
		return errors.WithStack(err)
	})
	if err != nil {
		return StorageStats{}, storageErr(err, "bolt stats")
	}
	s.counters.fill(&st)
	return st, nil
}

// Compact is a no-op; bbolt reuses freed pages in place.
func (s *boltEngine) Compact(ctx context.Context) error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()
	s.log.DebugContext(ctx, "bolt compact skipped", slog.String("path", s.path))
	return nil
}

// Snapshot copies the bucket inside one read transaction. A long-lived
// bbolt read transaction would block writers that need to grow the mmap.
func (s *boltEngine) Snapshot(_ context.Context) (Snapshot, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	frozen := treemap.NewWith(byteSliceComparator)
	err = s.bbolt.View(func(tx *bbolt.Tx) error {
		return errors.WithStack(tx.Bucket(boltBucket).ForEach(func(k, v []byte) error {
			frozen.Put(bytes.Clone(k), bytes.Clone(present(v)))
			return nil
		}))
	})
	if err != nil {
		return nil, storageErr(err, "bolt snapshot")
	}
	return &memorySnapshot{tree: frozen}, nil
}

func (s *boltEngine) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return storageErr(s.bbolt.Close(), "bolt close")
}
