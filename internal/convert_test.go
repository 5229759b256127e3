package internal

import (
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestUint64ToInt(t *testing.T) {
	t.Parallel()

	v, err := Uint64ToInt(42)
	require.NoError(t, err)
	require.Equal(t, 42, v)

	_, err = Uint64ToInt(math.MaxUint64)
	require.ErrorIs(t, err, ErrIntOverflow)
}

func TestMBToBytes(t *testing.T) {
	t.Parallel()

	b, err := MBToBytes(32)
	require.NoError(t, err)
	require.Equal(t, uint64(32<<20), b)

	_, err = MBToBytes(math.MaxUint64 / 2)
	require.True(t, errors.Is(err, ErrIntOverflow))

	n, err := MBToIntBytes(1)
	require.NoError(t, err)
	require.Equal(t, 1<<20, n)
}

func TestWithStacksKeepsValue(t *testing.T) {
	t.Parallel()

	v, err := WithStacks(7, nil)
	require.NoError(t, err)
	require.Equal(t, 7, v)

	sentinel := errors.New("boom")
	_, err = WithStacks(0, sentinel)
	require.ErrorIs(t, err, sentinel)
}
