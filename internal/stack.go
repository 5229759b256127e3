package internal

import "github.com/cockroachdb/errors"

// WithStacks attaches the caller's stack to err and passes t through, for
// one-line returns of (value, error) pairs from third-party calls.
func WithStacks[T any](t T, err error) (T, error) {
	//nolint:wrapcheck
	return t, errors.WithStackDepth(err, 1)
}
