package store

import (
	"context"
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMVCCEngine_BasicOperations(t *testing.T) {
	ctx := context.Background()
	st := newTestMVCCStore(t, nil)

	_, err := st.Get(ctx, []byte("k"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, st.Put(ctx, []byte("k"), []byte("v1")))
	got, err := st.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	require.NoError(t, st.Put(ctx, []byte("k"), []byte("v2")))
	got, err = st.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	require.NoError(t, st.Delete(ctx, []byte("k")))
	_, err = st.Get(ctx, []byte("k"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMVCCEngine_PutUsesFreshTransactions(t *testing.T) {
	ctx := context.Background()
	st := newTestMVCCStore(t, nil)

	require.NoError(t, st.Put(ctx, []byte("k"), []byte("a")))
	require.NoError(t, st.Put(ctx, []byte("k"), []byte("b")))

	chain, ok := st.cache.Get("k")
	require.True(t, ok)
	require.Len(t, chain, 2)
	assert.NotEqual(t, chain[0].TransactionID, chain[1].TransactionID)
}

func TestMVCCEngine_BatchWriteSharesTransaction(t *testing.T) {
	ctx := context.Background()
	backend := &faultyEngine{StorageEngine: NewMemoryEngine(WithMemoryLogger(discardLogger()))}
	st := newTestMVCCStore(t, backend)
	before := backend.batches.Load()

	err := st.BatchWrite(ctx, []WriteOp{
		{Op: OpTypePut, Key: []byte("a"), Value: []byte("1")},
		{Op: OpTypePut, Key: []byte("b"), Value: []byte("2")},
		{Op: OpTypeDelete, Key: []byte("a")},
	})
	require.NoError(t, err)
	assert.Equal(t, before+1, backend.batches.Load())

	a, _ := st.cache.Get("a")
	b, _ := st.cache.Get("b")
	require.Len(t, a, 2)
	require.Len(t, b, 1)
	assert.Equal(t, a[0].TransactionID, b[0].TransactionID)
	assert.Equal(t, a[0].TransactionID, a[1].TransactionID)
	assert.Less(t, a[0].Timestamp, b[0].Timestamp)
	assert.Less(t, b[0].Timestamp, a[1].Timestamp)

	vals, err := st.MultiGet(ctx, [][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{nil, []byte("2")}, vals)

	err = st.BatchWrite(ctx, []WriteOp{{Op: OpType(7), Key: []byte("x")}})
	assert.ErrorIs(t, err, ErrUnknownOp)
}

func TestMVCCEngine_ScanReturnsLatestLiveValues(t *testing.T) {
	ctx := context.Background()
	st := newTestMVCCStore(t, nil)

	require.NoError(t, st.Put(ctx, []byte("a"), []byte("a1")))
	require.NoError(t, st.Put(ctx, []byte("a"), []byte("a2")))
	require.NoError(t, st.Put(ctx, []byte("b"), []byte("b1")))
	require.NoError(t, st.Delete(ctx, []byte("b")))
	require.NoError(t, st.Put(ctx, []byte("c"), []byte("c1")))
	require.NoError(t, st.Put(ctx, []byte("ca"), []byte("ca1")))

	kvs, err := st.Scan(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []KVPair{
		{Key: []byte("a"), Value: []byte("a2")},
		{Key: []byte("c"), Value: []byte("c1")},
		{Key: []byte("ca"), Value: []byte("ca1")},
	}, kvs)

	kvs, err = st.Scan(ctx, []byte("b"), []byte("ca"))
	require.NoError(t, err)
	assert.Equal(t, []KVPair{{Key: []byte("c"), Value: []byte("c1")}}, kvs)
}

func TestMVCCEngine_SnapshotIsPinned(t *testing.T) {
	ctx := context.Background()
	st := newTestMVCCStore(t, nil)

	require.NoError(t, st.Put(ctx, []byte("k"), []byte("before")))
	snap, err := st.Snapshot(ctx)
	require.NoError(t, err)
	defer snap.Close()

	require.NoError(t, st.Put(ctx, []byte("k"), []byte("after")))
	require.NoError(t, st.Put(ctx, []byte("new"), []byte("x")))

	got, err := snap.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("before"), got)
	_, err = snap.Get(ctx, []byte("new"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMVCCEngine_CompactCollectsAtLag(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.GCWatermarkLagSeconds = 0
	st := newTestMVCCStoreWithConfig(t, nil, cfg, WithClock(NewCounter()))

	for i := 0; i < 3; i++ {
		require.NoError(t, st.Put(ctx, []byte("k"), []byte{byte('a' + i)}))
	}
	require.NoError(t, st.Compact(ctx))

	chain, _ := st.cache.Get("k")
	require.Len(t, chain, 1)
	got, err := st.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), got)
}

func TestMVCCEngine_StatsIncludeBackend(t *testing.T) {
	ctx := context.Background()
	st := newTestMVCCStore(t, newPebbleTestEngine(t, vfs.NewMem()))

	require.NoError(t, st.Put(ctx, []byte("k"), []byte("v")))
	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.TotalKeys)
	assert.Equal(t, uint64(1), stats.WriteCount)
	assert.GreaterOrEqual(t, stats.MemoryUsageBytes, stats.TotalSizeBytes)
}
