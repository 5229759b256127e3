package store

import (
	"bytes"

	"github.com/google/uuid"
)

// Timestamp orders versions and selects snapshots. Values issued by a
// Clock are strictly increasing within a process.
type Timestamp = uint64

// TransactionID tags the logical transaction that produced a version. The
// store records it but never tracks transaction lifecycle.
type TransactionID = uuid.UUID

const (
	timestampSize = 8
	txnIDSize     = 16
	deletedSize   = 1
)

// NewTransactionID returns a random transaction id.
func NewTransactionID() TransactionID {
	return uuid.New()
}

// Version is one immutable committed value or tombstone of a key. Fields
// are exported for inspection; callers must not mutate them.
type Version struct {
	Value         []byte
	Timestamp     Timestamp
	TransactionID TransactionID
	Deleted       bool
	Checksum      []byte
	ChecksumKind  ChecksumKind
}

// NewVersion builds a live version and computes its checksum once.
func NewVersion(value []byte, ts Timestamp, txn TransactionID, kind ChecksumKind) Version {
	v := bytes.Clone(value)
	if v == nil {
		v = []byte{}
	}
	return Version{
		Value:         v,
		Timestamp:     ts,
		TransactionID: txn,
		Checksum:      kind.sum(v, ts),
		ChecksumKind:  kind,
	}
}

// NewTombstone builds a deletion marker. Tombstones carry no checksum.
func NewTombstone(ts Timestamp, txn TransactionID) Version {
	return Version{
		Value:         []byte{},
		Timestamp:     ts,
		TransactionID: txn,
		Deleted:       true,
	}
}

// VerifyIntegrity recomputes the checksum of a live version and compares
// it with the stored one.
func (v Version) VerifyIntegrity() bool {
	if v.Deleted {
		return true
	}
	if len(v.Checksum) == 0 {
		return false
	}
	return bytes.Equal(v.Checksum, v.ChecksumKind.sum(v.Value, v.Timestamp))
}

// Size approximates the in-memory footprint of the version.
func (v Version) Size() int {
	return len(v.Value) + timestampSize + txnIDSize + deletedSize + len(v.Checksum)
}

// ConflictType classifies a detected conflict.
type ConflictType int

const (
	ConflictReadWrite ConflictType = iota
	ConflictWriteWrite
)

func (c ConflictType) String() string {
	switch c {
	case ConflictReadWrite:
		return "read-write"
	case ConflictWriteWrite:
		return "write-write"
	default:
		return "unknown"
	}
}

// ConflictInfo describes a version that interferes with a transaction's
// read or write set. It is produced on demand and never persisted.
type ConflictInfo struct {
	Key         string
	Type        ConflictType
	Timestamp   Timestamp
	Transaction TransactionID
}
