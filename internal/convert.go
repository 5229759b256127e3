package internal

import (
	"math"

	"github.com/cockroachdb/errors"
)

var ErrIntOverflow = errors.New("int64 に変換できません（オーバーフロー）")

const bytesPerMB = 1 << 20

func Uint64ToInt(u uint64) (int, error) {
	if u > math.MaxInt64 {
		return 0, ErrIntOverflow
	}
	return int(u), nil
}

// MBToBytes converts a megabyte count from configuration into bytes.
func MBToBytes(mb uint64) (uint64, error) {
	if mb > math.MaxUint64/bytesPerMB {
		return 0, errors.WithStack(ErrIntOverflow)
	}
	return mb * bytesPerMB, nil
}

// MBToIntBytes is MBToBytes for APIs that take an int.
func MBToIntBytes(mb uint64) (int, error) {
	b, err := MBToBytes(mb)
	if err != nil {
		return 0, err
	}
	return Uint64ToInt(b)
}
