package store

import (
	"sync"

	"github.com/bootjp/mvcckv/internal"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Values shorter than this are stored uncompressed even when compression
// is enabled; zstd framing would outweigh the savings.
const minCompressSize = 64

// versionRecord is the persisted form of a Version.
type versionRecord struct {
	Value      []byte `msgpack:"v"`
	Timestamp  uint64 `msgpack:"t"`
	Txn        []byte `msgpack:"x"`
	Deleted    bool   `msgpack:"d,omitempty"`
	Checksum   []byte `msgpack:"c,omitempty"`
	Kind       uint8  `msgpack:"k,omitempty"`
	Compressed bool   `msgpack:"z,omitempty"`
}

var (
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return internal.WithStacks(zstd.NewWriter(nil))
	})
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return internal.WithStacks(zstd.NewReader(nil))
	})
)

// versionCodec encodes versions for the backend. Compression only changes
// how the value is stored; the checksum always covers the raw value.
type versionCodec struct {
	compress bool
}

func (c versionCodec) encode(v Version) ([]byte, error) {
	rec := versionRecord{
		Value:     v.Value,
		Timestamp: v.Timestamp,
		Txn:       v.TransactionID[:],
		Deleted:   v.Deleted,
		Checksum:  v.Checksum,
		Kind:      uint8(v.ChecksumKind),
	}
	if c.compress && len(v.Value) >= minCompressSize {
		enc, err := zstdEncoder()
		if err != nil {
			return nil, serializationErr(err, "zstd encoder")
		}
		packed := enc.EncodeAll(v.Value, nil)
		if len(packed) < len(v.Value) {
			rec.Value = packed
			rec.Compressed = true
		}
	}
	b, err := msgpack.Marshal(&rec)
	if err != nil {
		return nil, serializationErr(err, "version encode")
	}
	return b, nil
}

func (c versionCodec) decode(data []byte) (Version, error) {
	var rec versionRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return Version{}, serializationErr(err, "version decode")
	}
	txn, err := uuid.FromBytes(rec.Txn)
	if err != nil {
		return Version{}, serializationErr(err, "version transaction id")
	}
	value := rec.Value
	if rec.Compressed {
		dec, err := zstdDecoder()
		if err != nil {
			return Version{}, serializationErr(err, "zstd decoder")
		}
		value, err = dec.DecodeAll(rec.Value, nil)
		if err != nil {
			return Version{}, serializationErr(err, "version value decompress")
		}
	}
	if value == nil {
		value = []byte{}
	}
	if rec.Deleted && len(value) != 0 {
		return Version{}, errors.Mark(errors.Newf("tombstone at %d carries a value", rec.Timestamp), ErrSerialization)
	}
	return Version{
		Value:         value,
		Timestamp:     rec.Timestamp,
		TransactionID: txn,
		Deleted:       rec.Deleted,
		Checksum:      rec.Checksum,
		ChecksumKind:  ChecksumKind(rec.Kind),
	}, nil
}
