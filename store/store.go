package store

import (
	"context"

	"github.com/cockroachdb/errors"
)

var ErrKeyNotFound = errors.New("not found")
var ErrEmptyKey = errors.New("empty key")
var ErrUnknownOp = errors.New("unknown op")
var ErrNotSupported = errors.New("not supported")
var ErrClosed = errors.New("store closed")
var ErrInvalidConfig = errors.New("invalid config")

// ErrStorage marks failures raised by a physical backend (open, get, put,
// delete, scan, compact, snapshot). Use errors.Is to classify.
var ErrStorage = errors.New("storage error")

// ErrSerialization marks Version encode/decode failures.
var ErrSerialization = errors.New("serialization error")

func storageErr(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.WrapWithDepth(1, err, op), ErrStorage)
}

func serializationErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.WrapWithDepth(1, err, msg), ErrSerialization)
}

type KVPair struct {
	Key   []byte
	Value []byte
}

// OpType describes a mutation kind.
type OpType int

const (
	OpTypePut OpType = iota
	OpTypeDelete
)

// WriteOp is a single mutation applied by BatchWrite.
type WriteOp struct {
	Op    OpType
	Key   []byte
	Value []byte
}

// StorageStats aggregates counters for a backend or an MVCC store. It is
// computed on demand and never persisted.
type StorageStats struct {
	TotalKeys        uint64
	TotalSizeBytes   uint64
	MemoryUsageBytes uint64
	DiskUsageBytes   uint64
	ReadCount        uint64
	WriteCount       uint64
	DeleteCount      uint64
}

// Snapshot is a point-in-time read view that later writes do not affect.
type Snapshot interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Scan(ctx context.Context, start []byte, end []byte) ([]KVPair, error)
	Close() error
}

// StorageEngine is the physical key-value layer versions are persisted
// into. Implementations must be safe for concurrent use.
//
// Scan ranges are half-open [start, end): a nil start begins at the first
// key and a nil end is unbounded. Results are exhaustive and sorted by key.
// Get returns ErrKeyNotFound for a missing key; MultiGet reports missing
// keys as nil entries, in input order. BatchWrite is atomic per call.
type StorageEngine interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Put(ctx context.Context, key []byte, value []byte) error
	Delete(ctx context.Context, key []byte) error
	MultiGet(ctx context.Context, keys [][]byte) ([][]byte, error)
	BatchWrite(ctx context.Context, ops []WriteOp) error
	Scan(ctx context.Context, start []byte, end []byte) ([]KVPair, error)
	Stats(ctx context.Context) (StorageStats, error)
	Compact(ctx context.Context) error
	Snapshot(ctx context.Context) (Snapshot, error)
	Close() error
}

// MVCCStore extends StorageEngine with timestamp-explicit versioned
// operations and conflict detection. The StorageEngine methods behave as
// non-transactional shortcuts: writes get a fresh transaction id and reads
// observe the latest state.
type MVCCStore interface {
	StorageEngine

	// ReadAt returns the newest version whose timestamp is <= ts.
	ReadAt(ctx context.Context, key []byte, ts Timestamp) ([]byte, error)
	// Write commits a value at a newly issued timestamp.
	Write(ctx context.Context, key []byte, value []byte, txn TransactionID) (Timestamp, error)
	// WriteTombstone commits a deletion marker at a newly issued timestamp.
	WriteTombstone(ctx context.Context, key []byte, txn TransactionID) (Timestamp, error)
	// CheckWriteConflicts reports keys of writeSet that gained a version
	// strictly inside (startTS, commitTS).
	CheckWriteConflicts(ctx context.Context, writeSet map[string][]byte, startTS, commitTS Timestamp) []ConflictInfo
	// CheckReadConflicts reports keys of readSet that gained a version
	// strictly inside (observedTS, commitTS).
	CheckReadConflicts(ctx context.Context, readSet map[string]Timestamp, startTS, commitTS Timestamp) []ConflictInfo
	// GCOldVersions drops versions that are no longer needed at watermark
	// and returns how many were removed.
	GCOldVersions(ctx context.Context, watermark Timestamp) (int, error)
	// LatestTimestamp returns the timestamp of the newest version of key.
	LatestTimestamp(ctx context.Context, key []byte) (Timestamp, bool, error)
	// SnapshotAt returns a logical read view pinned at ts.
	SnapshotAt(ts Timestamp) Snapshot
	CurrentTimestamp() Timestamp
	GCWatermark() Timestamp
	// LagWatermark is the watermark a periodic sweep would apply now.
	LagWatermark() Timestamp
	Statistics(ctx context.Context) StorageStats
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return errors.WithStack(ErrEmptyKey)
	}
	return nil
}

func validateOps(ops []WriteOp) error {
	for _, op := range ops {
		if err := validateKey(op.Key); err != nil {
			return err
		}
		if op.Op != OpTypePut && op.Op != OpTypeDelete {
			return errors.WithStack(ErrUnknownOp)
		}
	}
	return nil
}

// present turns a found value into a non-nil slice so MultiGet can tell
// an empty value apart from a missing key.
func present(v []byte) []byte {
	if v == nil {
		return []byte{}
	}
	return v
}
