package store

import (
	"bytes"
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// The StorageEngine half of mvccStore: non-transactional shortcuts that
// read at a fresh timestamp and write under a fresh transaction id.

func (s *mvccStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	return s.ReadAt(ctx, key, s.clock.Next())
}

func (s *mvccStore) Put(ctx context.Context, key []byte, value []byte) error {
	_, err := s.Write(ctx, key, value, NewTransactionID())
	return err
}

func (s *mvccStore) Delete(ctx context.Context, key []byte) error {
	_, err := s.WriteTombstone(ctx, key, NewTransactionID())
	return err
}

func (s *mvccStore) MultiGet(ctx context.Context, keys [][]byte) ([][]byte, error) {
	for _, k := range keys {
		if err := validateKey(k); err != nil {
			return nil, err
		}
	}
	ts := s.clock.Next()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		v, err := s.ReadAt(ctx, k, ts)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// BatchWrite commits every op under one transaction id in a single backend
// batch. Each op still gets its own timestamp.
func (s *mvccStore) BatchWrite(ctx context.Context, ops []WriteOp) error {
	if err := validateOps(ops); err != nil {
		return err
	}
	if len(ops) == 0 {
		return s.checkOpen()
	}
	writes := make([]pendingWrite, len(ops))
	for i, op := range ops {
		writes[i] = pendingWrite{
			key:     op.Key,
			value:   op.Value,
			deleted: op.Op == OpTypeDelete,
		}
	}
	_, err := s.apply(ctx, NewTransactionID(), writes)
	return err
}

func (s *mvccStore) Scan(ctx context.Context, start []byte, end []byte) ([]KVPair, error) {
	return s.scanAt(ctx, start, end, s.clock.Next())
}

// scanAt returns the latest live value at ts of every logical key in
// [start, end).
func (s *mvccStore) scanAt(_ context.Context, start, end []byte, ts Timestamp) ([]KVPair, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.reads.Add(1)
	s.metrics.ops.WithLabelValues(opRead).Inc()

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var result []KVPair
	s.cache.Ascend(string(start), func(k string, chain []Version) bool {
		if end != nil && k >= string(end) {
			return false
		}
		v, ok := s.visible(k, chain, ts)
		if !ok || v.Deleted {
			return true
		}
		result = append(result, KVPair{Key: []byte(k), Value: bytes.Clone(present(v.Value))})
		return true
	})
	return result, nil
}

// Stats combines the version cache figures with the backend's disk and
// memory usage.
func (s *mvccStore) Stats(ctx context.Context) (StorageStats, error) {
	if err := s.checkOpen(); err != nil {
		return StorageStats{}, err
	}
	st := s.Statistics(ctx)
	backend, err := s.backend.Stats(ctx)
	if err != nil {
		return StorageStats{}, err
	}
	st.DiskUsageBytes = backend.DiskUsageBytes
	st.MemoryUsageBytes += backend.MemoryUsageBytes
	return st, nil
}

// Compact sweeps at the lagged watermark, then compacts the backend.
func (s *mvccStore) Compact(ctx context.Context) error {
	if _, err := s.GCOldVersions(ctx, s.LagWatermark()); err != nil {
		return err
	}
	return s.backend.Compact(ctx)
}

func (s *mvccStore) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ts := s.pins.pinNext(s.clock)
	return &mvccSnapshot{store: s, ts: ts}, nil
}

// SnapshotAt pins ts until the snapshot is closed, so collection keeps
// every version the snapshot can read.
func (s *mvccStore) SnapshotAt(ts Timestamp) Snapshot {
	s.pins.pin(ts)
	return &mvccSnapshot{store: s, ts: ts}
}

// Close stops the collector, waits for a running sweep and closes the
// backend. Later calls are no-ops.
func (s *mvccStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.gcStop)
		<-s.gcDone
		s.closed.Store(true)
		s.metrics.unregister(s.registerer)
		err = s.backend.Close()
	})
	return err
}

type mvccSnapshot struct {
	store *mvccStore
	ts    Timestamp
	once  sync.Once
}

func (m *mvccSnapshot) Get(ctx context.Context, key []byte) ([]byte, error) {
	return m.store.ReadAt(ctx, key, m.ts)
}

func (m *mvccSnapshot) Scan(ctx context.Context, start []byte, end []byte) ([]KVPair, error) {
	return m.store.scanAt(ctx, start, end, m.ts)
}

func (m *mvccSnapshot) Close() error {
	m.once.Do(func() {
		m.store.pins.unpin(m.ts)
	})
	return nil
}
