package store

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/btree"
)

// mvccStore keeps every version chain of the backend in an ordered cache.
// The backend is the source of truth: the cache is only changed after the
// backend accepted the matching batch.
type mvccStore struct {
	backend  StorageEngine
	cfg      Config
	codec    versionCodec
	checksum ChecksumKind
	clock    Clock
	log      *slog.Logger

	metrics    *storeMetrics
	registerer prometheus.Registerer

	mtx   sync.RWMutex
	cache btree.Map[string, []Version] // logical key -> versions, ascending ts

	pins      pinSet
	watermark atomic.Uint64

	reads   atomic.Uint64
	writes  atomic.Uint64
	deletes atomic.Uint64

	closed    atomic.Bool
	closeOnce sync.Once
	gcStop    chan struct{}
	gcDone    chan struct{}
}

var _ MVCCStore = (*mvccStore)(nil)

// MVCCStoreOption configures an MVCC store.
type MVCCStoreOption func(*mvccStore)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) MVCCStoreOption {
	return func(s *mvccStore) {
		s.log = l
	}
}

// WithClock replaces the clock named in the configuration.
func WithClock(c Clock) MVCCStoreOption {
	return func(s *mvccStore) {
		s.clock = c
	}
}

// WithRegisterer registers the store's metrics on r.
func WithRegisterer(r prometheus.Registerer) MVCCStoreOption {
	return func(s *mvccStore) {
		s.registerer = r
	}
}

// NewMVCCStore wraps backend, loads every persisted version into the cache
// and starts the background collector when cfg.GCIntervalSeconds > 0. The
// store owns backend from here on; Close closes it.
func NewMVCCStore(ctx context.Context, backend StorageEngine, cfg Config, opts ...MVCCStoreOption) (MVCCStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kind, err := ParseChecksumKind(cfg.Checksum)
	if err != nil {
		return nil, err
	}
	s := &mvccStore{
		backend:  backend,
		cfg:      cfg,
		codec:    versionCodec{compress: cfg.VersionCompression},
		checksum: kind,
		metrics:  newStoreMetrics(),
		log: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
		gcStop: make(chan struct{}),
		gcDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		if s.clock, err = NewClock(cfg.Clock); err != nil {
			return nil, err
		}
	}

	if err := s.bootstrap(ctx); err != nil {
		return nil, err
	}
	if err := s.metrics.register(s.registerer); err != nil {
		return nil, err
	}
	s.metrics.cachedKeys.Set(float64(s.cache.Len()))

	if interval := cfg.GCInterval(); interval > 0 {
		go s.runGC(interval)
	} else {
		close(s.gcDone)
	}
	return s, nil
}

// bootstrap loads the whole backend into the cache and moves the clock
// past every persisted timestamp.
func (s *mvccStore) bootstrap(ctx context.Context) error {
	entries, err := s.backend.Scan(ctx, nil, nil)
	if err != nil {
		return err
	}
	chains := make(map[string][]Version)
	var maxTS Timestamp
	for _, e := range entries {
		logical, _, ok := parseVersionKey(e.Key)
		if !ok {
			s.log.WarnContext(ctx, "skipping non-version key", slog.String("key", string(e.Key)))
			continue
		}
		v, err := s.codec.decode(e.Value)
		if err != nil {
			return errors.Wrapf(err, "load %q", e.Key)
		}
		chains[string(logical)] = append(chains[string(logical)], v)
		maxTS = max(maxTS, v.Timestamp)
	}

	var (
		overflow []WriteOp
		loaded   int
	)
	for k, chain := range chains {
		chain = normalizeChain(chain)
		if dropped := s.overCap(chain); dropped > 0 {
			for _, v := range chain[:dropped] {
				overflow = append(overflow, WriteOp{Op: OpTypeDelete, Key: versionKey([]byte(k), v.Timestamp)})
			}
			chain = slices.Clone(chain[dropped:])
		}
		loaded += len(chain)
		s.cache.Set(k, chain)
	}
	if len(overflow) > 0 {
		if err := s.backend.BatchWrite(ctx, overflow); err != nil {
			return err
		}
	}
	s.clock.Observe(maxTS)
	s.log.InfoContext(ctx, "version cache loaded",
		slog.Int("keys", s.cache.Len()),
		slog.Int("versions", loaded),
		slog.Uint64("ts", maxTS),
	)
	return nil
}

// normalizeChain sorts by timestamp and drops duplicate timestamps.
func normalizeChain(chain []Version) []Version {
	sort.SliceStable(chain, func(i, j int) bool {
		return chain[i].Timestamp < chain[j].Timestamp
	})
	return slices.CompactFunc(chain, func(a, b Version) bool {
		return a.Timestamp == b.Timestamp
	})
}

// overCap returns how many of the oldest versions exceed the cap.
func (s *mvccStore) overCap(chain []Version) int {
	limit := s.cfg.MaxVersionsPerKey
	if limit <= 0 || len(chain) <= limit {
		return 0
	}
	return len(chain) - limit
}

func (s *mvccStore) checkOpen() error {
	if s.closed.Load() {
		return errors.WithStack(ErrClosed)
	}
	return nil
}

// loadChain reads every persisted version of key from the backend.
func (s *mvccStore) loadChain(ctx context.Context, key []byte) ([]Version, error) {
	start, end := versionBounds(key)
	entries, err := s.backend.Scan(ctx, start, end)
	if err != nil {
		return nil, err
	}
	var chain []Version
	for _, e := range entries {
		logical, _, ok := parseVersionKey(e.Key)
		if !ok || !bytes.Equal(logical, key) {
			continue
		}
		v, err := s.codec.decode(e.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "load %q", e.Key)
		}
		chain = append(chain, v)
	}
	return normalizeChain(chain), nil
}

// hydrate fills the cache for a key that missed. A chain that appeared in
// the meantime was installed by a writer and already covers the backend.
func (s *mvccStore) hydrate(ctx context.Context, key []byte) error {
	chain, err := s.loadChain(ctx, key)
	if err != nil {
		return err
	}
	if len(chain) == 0 {
		return nil
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.cache.Get(string(key)); ok {
		return nil
	}
	s.cache.Set(string(key), chain)
	s.clock.Observe(chain[len(chain)-1].Timestamp)
	s.metrics.cachedKeys.Set(float64(s.cache.Len()))
	return nil
}

// withChain calls fn with the version chain of key under the read lock,
// hydrating once on a miss. fn sees a nil chain when the key has none.
func (s *mvccStore) withChain(ctx context.Context, key []byte, fn func([]Version)) error {
	s.mtx.RLock()
	chain, ok := s.cache.Get(string(key))
	if ok {
		fn(chain)
		s.mtx.RUnlock()
		return nil
	}
	s.mtx.RUnlock()

	if err := s.hydrate(ctx, key); err != nil {
		return err
	}

	s.mtx.RLock()
	defer s.mtx.RUnlock()
	chain, _ = s.cache.Get(string(key))
	fn(chain)
	return nil
}

// visible returns the newest version at or below ts that passes its
// integrity check. Versions that fail it are logged and skipped.
func (s *mvccStore) visible(key string, chain []Version, ts Timestamp) (Version, bool) {
	for i := len(chain) - 1; i >= 0; i-- {
		v := chain[i]
		if v.Timestamp > ts {
			continue
		}
		if !v.VerifyIntegrity() {
			s.log.Warn("version failed integrity check",
				slog.String("key", key),
				slog.Uint64("ts", v.Timestamp),
			)
			s.metrics.integrityFailures.Inc()
			continue
		}
		return v, true
	}
	return Version{}, false
}

func (s *mvccStore) ReadAt(ctx context.Context, key []byte, ts Timestamp) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	s.reads.Add(1)
	s.metrics.ops.WithLabelValues(opRead).Inc()

	var (
		out   []byte
		found bool
	)
	err := s.withChain(ctx, key, func(chain []Version) {
		v, ok := s.visible(string(key), chain, ts)
		if !ok || v.Deleted {
			return
		}
		out, found = bytes.Clone(present(v.Value)), true
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrKeyNotFound
	}
	return out, nil
}

func (s *mvccStore) LatestTimestamp(ctx context.Context, key []byte) (Timestamp, bool, error) {
	if err := s.checkOpen(); err != nil {
		return 0, false, err
	}
	if err := validateKey(key); err != nil {
		return 0, false, err
	}
	var (
		ts    Timestamp
		found bool
	)
	err := s.withChain(ctx, key, func(chain []Version) {
		if len(chain) > 0 {
			ts, found = chain[len(chain)-1].Timestamp, true
		}
	})
	return ts, found, err
}

// pendingWrite is one logical mutation awaiting a timestamp.
type pendingWrite struct {
	key     []byte
	value   []byte
	deleted bool
}

// apply issues a timestamp per write, persists the new versions plus any
// versions pushed out by the cap in one backend batch, and only then
// installs the new chains. The exclusive lock is held throughout so cache
// order matches timestamp order.
func (s *mvccStore) apply(ctx context.Context, txn TransactionID, writes []pendingWrite) ([]Timestamp, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	for _, w := range writes {
		if err := validateKey(w.key); err != nil {
			return nil, err
		}
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	chains := make(map[string][]Version, len(writes))
	var ops []WriteOp
	tss := make([]Timestamp, 0, len(writes))
	for _, w := range writes {
		k := string(w.key)
		chain, ok := chains[k]
		if !ok {
			if cached, hit := s.cache.Get(k); hit {
				chain = slices.Clone(cached)
			} else {
				loaded, err := s.loadChain(ctx, w.key)
				if err != nil {
					return nil, err
				}
				if len(loaded) > 0 {
					s.clock.Observe(loaded[len(loaded)-1].Timestamp)
				}
				chain = loaded
			}
		}

		ts := s.clock.Next()
		var v Version
		if w.deleted {
			v = NewTombstone(ts, txn)
		} else {
			v = NewVersion(w.value, ts, txn, s.checksum)
		}
		rec, err := s.codec.encode(v)
		if err != nil {
			return nil, err
		}
		ops = append(ops, WriteOp{Op: OpTypePut, Key: versionKey(w.key, ts), Value: rec})

		chain = append(chain, v)
		if dropped := s.overCap(chain); dropped > 0 {
			for _, old := range chain[:dropped] {
				ops = append(ops, WriteOp{Op: OpTypeDelete, Key: versionKey(w.key, old.Timestamp)})
			}
			chain = slices.Clone(chain[dropped:])
		}
		chains[k] = chain
		tss = append(tss, ts)
	}

	if err := s.backend.BatchWrite(ctx, ops); err != nil {
		return nil, err
	}
	for k, chain := range chains {
		s.cache.Set(k, chain)
	}
	for _, w := range writes {
		if w.deleted {
			s.deletes.Add(1)
			s.metrics.ops.WithLabelValues(opTombstone).Inc()
		} else {
			s.writes.Add(1)
			s.metrics.ops.WithLabelValues(opWrite).Inc()
		}
	}
	s.metrics.cachedKeys.Set(float64(s.cache.Len()))
	return tss, nil
}

func (s *mvccStore) Write(ctx context.Context, key []byte, value []byte, txn TransactionID) (Timestamp, error) {
	tss, err := s.apply(ctx, txn, []pendingWrite{{key: key, value: value}})
	if err != nil {
		return 0, err
	}
	return tss[0], nil
}

func (s *mvccStore) WriteTombstone(ctx context.Context, key []byte, txn TransactionID) (Timestamp, error) {
	tss, err := s.apply(ctx, txn, []pendingWrite{{key: key, deleted: true}})
	if err != nil {
		return 0, err
	}
	return tss[0], nil
}

// firstInWindow returns the first version, in ascending order, with
// lower < ts < upper.
func firstInWindow(chain []Version, lower, upper Timestamp) (Version, bool) {
	for _, v := range chain {
		if v.Timestamp > lower && v.Timestamp < upper {
			return v, true
		}
	}
	return Version{}, false
}

func (s *mvccStore) CheckWriteConflicts(_ context.Context, writeSet map[string][]byte, startTS, commitTS Timestamp) []ConflictInfo {
	keys := make([]string, 0, len(writeSet))
	for k := range writeSet {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var conflicts []ConflictInfo
	for _, k := range keys {
		chain, _ := s.cache.Get(k)
		if v, ok := firstInWindow(chain, startTS, commitTS); ok {
			conflicts = append(conflicts, ConflictInfo{
				Key:         k,
				Type:        ConflictWriteWrite,
				Timestamp:   v.Timestamp,
				Transaction: v.TransactionID,
			})
		}
	}
	return conflicts
}

func (s *mvccStore) CheckReadConflicts(_ context.Context, readSet map[string]Timestamp, _ Timestamp, commitTS Timestamp) []ConflictInfo {
	keys := make([]string, 0, len(readSet))
	for k := range readSet {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var conflicts []ConflictInfo
	for _, k := range keys {
		chain, _ := s.cache.Get(k)
		if v, ok := firstInWindow(chain, readSet[k], commitTS); ok {
			conflicts = append(conflicts, ConflictInfo{
				Key:         k,
				Type:        ConflictReadWrite,
				Timestamp:   v.Timestamp,
				Transaction: v.TransactionID,
			})
		}
	}
	return conflicts
}

// retainFrom returns the index of the oldest version that survives a
// sweep at watermark: the newest version at or below it.
func retainFrom(chain []Version, watermark Timestamp) int {
	cut := sort.Search(len(chain), func(i int) bool {
		return chain[i].Timestamp > watermark
	})
	return max(cut-1, 0)
}

type trimmedChain struct {
	key   string
	chain []Version
}

// GCOldVersions keeps, for every key, the newest version at or below the
// watermark plus everything above it. The watermark is lowered to the
// oldest pinned snapshot. The sweep holds the exclusive lock from the first
// key to the cache update, and the backend deletes are applied before the
// cache is trimmed.
func (s *mvccStore) GCOldVersions(ctx context.Context, watermark Timestamp) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	// Pins are read under the write lock: a snapshot pinned later gets a
	// timestamp above every cached version, and keep-one retains those.
	if pinned, ok := s.pins.oldest(); ok && pinned < watermark {
		watermark = pinned
	}

	var (
		ops     []WriteOp
		trimmed []trimmedChain
		ctxErr  error
	)
	s.cache.Scan(func(k string, chain []Version) bool {
		if ctxErr = ctx.Err(); ctxErr != nil {
			return false
		}
		keep := retainFrom(chain, watermark)
		if keep == 0 {
			return true
		}
		for _, v := range chain[:keep] {
			ops = append(ops, WriteOp{Op: OpTypeDelete, Key: versionKey([]byte(k), v.Timestamp)})
		}
		trimmed = append(trimmed, trimmedChain{key: k, chain: slices.Clone(chain[keep:])})
		return true
	})
	if ctxErr != nil {
		return 0, errors.WithStack(ctxErr)
	}

	if len(ops) > 0 {
		if err := s.backend.BatchWrite(ctx, ops); err != nil {
			return 0, err
		}
	}
	for _, t := range trimmed {
		s.cache.Set(t.key, t.chain)
	}
	if watermark > s.watermark.Load() {
		s.watermark.Store(watermark)
	}
	s.metrics.gcRuns.Inc()
	s.metrics.gcRemoved.Add(float64(len(ops)))
	s.metrics.ops.WithLabelValues(opGC).Inc()
	return len(ops), nil
}

func (s *mvccStore) CurrentTimestamp() Timestamp {
	return s.clock.Current()
}

// GCWatermark returns the highest watermark a sweep has applied.
func (s *mvccStore) GCWatermark() Timestamp {
	return s.watermark.Load()
}

// Statistics describes the version cache. Disk usage is left to Stats,
// which asks the backend.
func (s *mvccStore) Statistics(_ context.Context) StorageStats {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	st := StorageStats{
		TotalKeys:   uint64(s.cache.Len()),
		ReadCount:   s.reads.Load(),
		WriteCount:  s.writes.Load(),
		DeleteCount: s.deletes.Load(),
	}
	s.cache.Scan(func(k string, chain []Version) bool {
		for _, v := range chain {
			st.TotalSizeBytes += uint64(v.Size())
		}
		st.MemoryUsageBytes += uint64(len(k))
		return true
	})
	st.MemoryUsageBytes += st.TotalSizeBytes
	return st
}

// pinSet counts live snapshots per timestamp.
type pinSet struct {
	mu   sync.Mutex
	refs map[Timestamp]int
}

func (p *pinSet) pin(ts Timestamp) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs == nil {
		p.refs = make(map[Timestamp]int)
	}
	p.refs[ts]++
}

// pinNext issues a timestamp from clock and pins it before any other pin
// or oldest call can run.
func (p *pinSet) pinNext(clock Clock) Timestamp {
	p.mu.Lock()
	defer p.mu.Unlock()
	ts := clock.Next()
	if p.refs == nil {
		p.refs = make(map[Timestamp]int)
	}
	p.refs[ts]++
	return ts
}

func (p *pinSet) unpin(ts Timestamp) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs[ts] <= 1 {
		delete(p.refs, ts)
		return
	}
	p.refs[ts]--
}

func (p *pinSet) oldest() (Timestamp, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var (
		lowest Timestamp
		found  bool
	)
	for ts := range p.refs {
		if !found || ts < lowest {
			lowest, found = ts, true
		}
	}
	return lowest, found
}
