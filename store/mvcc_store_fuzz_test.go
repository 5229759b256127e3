package store

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func FuzzMVCCStore_WriteRead(f *testing.F) {
	f.Add([]byte("key"), []byte("value"))
	f.Add([]byte("k#1"), []byte(""))
	f.Add([]byte("~"), bytes.Repeat([]byte("z"), 200))

	f.Fuzz(func(t *testing.T, key []byte, value []byte) {
		if len(key) == 0 {
			return
		}
		st := newTestMVCCStore(t, nil)
		ctx := context.Background()

		// 1. Write
		ts, err := st.Write(ctx, key, value, NewTransactionID())
		require.NoError(t, err)

		// 2. Read at the same and a later timestamp
		got, err := st.ReadAt(ctx, key, ts)
		require.NoError(t, err)
		require.True(t, bytes.Equal(got, value))
		got, err = st.ReadAt(ctx, key, ts+1)
		require.NoError(t, err)
		require.True(t, bytes.Equal(got, value))

		// 3. Nothing before the write
		_, err = st.ReadAt(ctx, key, ts-1)
		require.ErrorIs(t, err, ErrKeyNotFound)

		// 4. Delete hides it from later reads only
		dts, err := st.WriteTombstone(ctx, key, NewTransactionID())
		require.NoError(t, err)
		_, err = st.ReadAt(ctx, key, dts)
		require.ErrorIs(t, err, ErrKeyNotFound)
		got, err = st.ReadAt(ctx, key, ts)
		require.NoError(t, err)
		require.True(t, bytes.Equal(got, value))
	})
}

func FuzzMVCCStore_RestartThroughBackend(f *testing.F) {
	f.Add([]byte("key"), []byte("value"))
	f.Add([]byte("a#b"), []byte{0, 1, 2})

	f.Fuzz(func(t *testing.T, key []byte, value []byte) {
		if len(key) == 0 {
			return
		}
		ctx := context.Background()
		backend := NewMemoryEngine(WithMemoryLogger(discardLogger()))
		cfg := testConfig()
		first := newTestMVCCStoreWithConfig(t, backend, cfg, WithClock(NewCounter()))
		ts, err := first.Write(ctx, key, value, NewTransactionID())
		require.NoError(t, err)

		// A second store over the same backend rebuilds the cache from it.
		second := newTestMVCCStoreWithConfig(t, backend, cfg, WithClock(NewCounter()))
		got, err := second.ReadAt(ctx, key, ts)
		require.NoError(t, err)
		require.True(t, bytes.Equal(got, value))
		require.Equal(t, ts, second.CurrentTimestamp())
	})
}
