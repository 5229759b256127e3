package store

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestMVCCStore_ConcurrentWritesGetUniqueTimestamps(t *testing.T) {
	ctx := context.Background()
	st := newTestMVCCStore(t, nil)

	const workers, perWorker = 8, 200
	var (
		mu  sync.Mutex
		all = make(map[Timestamp]struct{}, workers*perWorker)
	)
	var eg errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		eg.Go(func() error {
			key := []byte("k" + strconv.Itoa(w%3))
			var last Timestamp
			for i := 0; i < perWorker; i++ {
				ts, err := st.Write(ctx, key, []byte(strconv.Itoa(i)), NewTransactionID())
				if err != nil {
					return err
				}
				if ts <= last {
					t.Errorf("timestamp went backwards: %d after %d", ts, last)
				}
				last = ts
				mu.Lock()
				all[ts] = struct{}{}
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	require.Len(t, all, workers*perWorker)

	// Every chain is sorted by timestamp.
	for i := 0; i < 3; i++ {
		chain, ok := st.cache.Get("k" + strconv.Itoa(i))
		require.True(t, ok)
		for j := 1; j < len(chain); j++ {
			require.Less(t, chain[j-1].Timestamp, chain[j].Timestamp)
		}
	}
}

func TestMVCCStore_ReadsWritesAndGCConcurrently(t *testing.T) {
	ctx := context.Background()
	st := newTestMVCCStore(t, newPebbleTestEngine(t, vfs.NewMem()))

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		for i := 1; i <= 500; i++ {
			key := []byte("k" + strconv.Itoa(i%25))
			if i%7 == 0 {
				if _, err := st.WriteTombstone(ctx, key, NewTransactionID()); err != nil {
					return err
				}
				continue
			}
			if _, err := st.Write(ctx, key, []byte("v"), NewTransactionID()); err != nil {
				return err
			}
		}
		return nil
	})
	eg.Go(func() error {
		for i := 0; i < 500; i++ {
			if _, err := st.Scan(ctx, nil, nil); err != nil {
				return err
			}
		}
		return nil
	})
	eg.Go(func() error {
		for i := 0; i < 500; i++ {
			_, err := st.Get(ctx, []byte("k"+strconv.Itoa(i%25)))
			if err != nil && !errors.Is(err, ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
	eg.Go(func() error {
		for i := 0; i < 50; i++ {
			if _, err := st.GCOldVersions(ctx, st.CurrentTimestamp()); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, eg.Wait())

	// After a final sweep every key keeps exactly its newest version, and
	// the backend agrees with the cache.
	_, err := st.GCOldVersions(context.Background(), st.CurrentTimestamp())
	require.NoError(t, err)
	kvs, err := st.backend.Scan(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Len(t, kvs, st.cache.Len())
}

func TestMVCCStore_SnapshotReadsStableUnderWrites(t *testing.T) {
	ctx := context.Background()
	st := newTestMVCCStore(t, nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, st.Put(ctx, []byte("k"+strconv.Itoa(i)), []byte("old")))
	}
	snap, err := st.Snapshot(ctx)
	require.NoError(t, err)
	defer snap.Close()

	var eg errgroup.Group
	eg.Go(func() error {
		for i := 0; i < 200; i++ {
			if err := st.Put(ctx, []byte("k"+strconv.Itoa(i%10)), []byte("new")); err != nil {
				return err
			}
			if _, err := st.GCOldVersions(ctx, st.CurrentTimestamp()); err != nil {
				return err
			}
		}
		return nil
	})
	eg.Go(func() error {
		for i := 0; i < 200; i++ {
			kvs, err := snap.Scan(ctx, nil, nil)
			if err != nil {
				return err
			}
			if len(kvs) != 10 {
				t.Errorf("snapshot saw %d keys", len(kvs))
			}
			for _, kv := range kvs {
				if string(kv.Value) != "old" {
					t.Errorf("snapshot saw %s=%s", kv.Key, kv.Value)
				}
			}
		}
		return nil
	})
	require.NoError(t, eg.Wait())
}

func TestMVCCStore_SnapshotSurvivesConcurrentGC(t *testing.T) {
	ctx := context.Background()
	st := newTestMVCCStore(t, nil, WithClock(NewCounter()))
	key := []byte("k")
	_, err := st.Write(ctx, key, []byte("0"), NewTransactionID())
	require.NoError(t, err)

	eg, ctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	eg.Go(func() error {
		for i := 1; ; i++ {
			select {
			case <-stop:
				return nil
			default:
			}
			if _, err := st.Write(ctx, key, []byte(strconv.Itoa(i)), NewTransactionID()); err != nil {
				return err
			}
		}
	})
	eg.Go(func() error {
		for {
			select {
			case <-stop:
				return nil
			default:
			}
			// Far above every issued timestamp; only pins hold it back.
			if _, err := st.GCOldVersions(ctx, Timestamp(1)<<62); err != nil {
				return err
			}
		}
	})
	eg.Go(func() error {
		defer close(stop)
		for i := 0; i < 300; i++ {
			snap, err := st.Snapshot(ctx)
			if err != nil {
				return err
			}
			first, err := snap.Get(ctx, key)
			if err != nil {
				return errors.Wrap(err, "first read")
			}
			second, err := snap.Get(ctx, key)
			if err != nil {
				return errors.Wrap(err, "second read")
			}
			if string(first) != string(second) {
				t.Errorf("snapshot changed from %q to %q", first, second)
			}
			if err := snap.Close(); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, eg.Wait())
}
