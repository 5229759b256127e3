package store

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/emirpasic/gods/maps/treemap"
)

func byteSliceComparator(a, b interface{}) int {
	ab, okA := a.([]byte)
	bb, okB := b.([]byte)
	switch {
	case okA && okB:
		return bytes.Compare(ab, bb)
	case okA:
		return 1
	case okB:
		return -1
	default:
		return 0
	}
}

func withinRange(k, start, end []byte) bool {
	if start != nil && bytes.Compare(k, start) < 0 {
		return false
	}
	if end != nil && bytes.Compare(k, end) >= 0 {
		return false
	}
	return true
}

// engineCounters tracks operation counts shared by the backends.
type engineCounters struct {
	reads   atomic.Uint64
	writes  atomic.Uint64
	deletes atomic.Uint64
	written atomic.Uint64
}

func (c *engineCounters) countOps(ops []WriteOp) {
	for _, op := range ops {
		switch op.Op {
		case OpTypePut:
			c.writes.Add(1)
			c.written.Add(uint64(len(op.Value)))
		case OpTypeDelete:
			c.deletes.Add(1)
		}
	}
}

func (c *engineCounters) fill(st *StorageStats) {
	st.ReadCount = c.reads.Load()
	st.WriteCount = c.writes.Load()
	st.DeleteCount = c.deletes.Load()
}

// memoryEngine is a StorageEngine over an in-memory treemap. Values are
// cloned on the way in and never mutated, so snapshots share them.
type memoryEngine struct {
	tree     *treemap.Map // key []byte -> value []byte
	mtx      sync.RWMutex
	log      *slog.Logger
	counters engineCounters
	closed   atomic.Bool
}

// MemoryEngineOption configures the memory engine.
type MemoryEngineOption func(*memoryEngine)

// WithMemoryLogger sets a custom logger.
func WithMemoryLogger(l *slog.Logger) MemoryEngineOption {
	return func(s *memoryEngine) {
		s.log = l
	}
}

// NewMemoryEngine creates an empty in-memory StorageEngine, for tests and
// deployments without a persistent backend.
func NewMemoryEngine(opts ...MemoryEngineOption) StorageEngine {
	s := &memoryEngine{
		tree: treemap.NewWith(byteSliceComparator),
		log: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ StorageEngine = (*memoryEngine)(nil)

func (s *memoryEngine) checkOpen() error {
	if s.closed.Load() {
		return errors.WithStack(ErrClosed)
	}
	return nil
}

func (s *memoryEngine) Get(_ context.Context, key []byte) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	s.counters.reads.Add(1)
	return treeGet(s.tree, key)
}

func treeGet(tree *treemap.Map, key []byte) ([]byte, error) {
	v, ok := tree.Get(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	vv, ok := v.([]byte)
	if !ok {
		return nil, errors.WithStack(ErrKeyNotFound)
	}
	return bytes.Clone(present(vv)), nil
}

func (s *memoryEngine) Put(_ context.Context, key []byte, value []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.tree.Put(bytes.Clone(key), present(bytes.Clone(value)))
	s.counters.writes.Add(1)
	s.counters.written.Add(uint64(len(value)))
	return nil
}

func (s *memoryEngine) Delete(ctx context.Context, key []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.tree.Remove(key)
	s.counters.deletes.Add(1)
	s.log.DebugContext(ctx, "delete", slog.String("key", string(key)))
	return nil
}

func (s *memoryEngine) MultiGet(_ context.Context, keys [][]byte) ([][]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	for _, k := range keys {
		if err := validateKey(k); err != nil {
			return nil, err
		}
	}
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	out := make([][]byte, len(keys))
	for i, k := range keys {
		v, err := treeGet(s.tree, k)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		out[i] = v
	}
	s.counters.reads.Add(uint64(len(keys)))
	return out, nil
}

func (s *memoryEngine) BatchWrite(_ context.Context, ops []WriteOp) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := validateOps(ops); err != nil {
		return err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for _, op := range ops {
		switch op.Op {
		case OpTypePut:
			s.tree.Put(bytes.Clone(op.Key), present(bytes.Clone(op.Value)))
		case OpTypeDelete:
			s.tree.Remove(op.Key)
		}
	}
	s.counters.countOps(ops)
	return nil
}

func treeScan(tree *treemap.Map, start, end []byte) []KVPair {
	var result []KVPair
	it := tree.Iterator()
	for it.Next() {
		k, ok := it.Key().([]byte)
		if !ok {
			continue
		}
		if end != nil && bytes.Compare(k, end) >= 0 {
			break
		}
		if !withinRange(k, start, end) {
			continue
		}
		v, _ := it.Value().([]byte)
		result = append(result, KVPair{Key: bytes.Clone(k), Value: bytes.Clone(present(v))})
	}
	return result
}

func (s *memoryEngine) Scan(_ context.Context, start []byte, end []byte) ([]KVPair, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return treeScan(s.tree, start, end), nil
}

func (s *memoryEngine) Stats(_ context.Context) (StorageStats, error) {
	if err := s.checkOpen(); err != nil {
		return StorageStats{}, err
	}
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var size uint64
	s.tree.Each(func(key interface{}, value interface{}) {
		k, _ := key.([]byte)
		v, _ := value.([]byte)
		size += uint64(len(k) + len(v))
	})
	st := StorageStats{
		TotalKeys:        uint64(s.tree.Size()),
		TotalSizeBytes:   size,
		MemoryUsageBytes: size,
	}
	s.counters.fill(&st)
	return st, nil
}

func (s *memoryEngine) Compact(_ context.Context) error {
	return s.checkOpen()
}

func (s *memoryEngine) Snapshot(_ context.Context) (Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	frozen := treemap.NewWith(byteSliceComparator)
	s.tree.Each(func(key interface{}, value interface{}) {
		frozen.Put(key, value)
	})
	return &memorySnapshot{tree: frozen}, nil
}

func (s *memoryEngine) Close() error {
	s.closed.Store(true)
	return nil
}

// memorySnapshot is a frozen copy of the tree; it is never written again.
type memorySnapshot struct {
	tree *treemap.Map
}

func (m *memorySnapshot) Get(_ context.Context, key []byte) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	return treeGet(m.tree, key)
}

func (m *memorySnapshot) Scan(_ context.Context, start []byte, end []byte) ([]KVPair, error) {
	return treeScan(m.tree, start, end), nil
}

func (m *memorySnapshot) Close() error {
	return nil
}
