package store

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/prometheus/client_golang/prometheus"
)

// OpenOptions collects the options Open forwards to the backend and to the
// MVCC store.
type OpenOptions struct {
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	Clock      Clock
	// PebbleFS overrides the filesystem of the pebble backend.
	PebbleFS vfs.FS
}

// OpenOption configures Open and OpenEngine.
type OpenOption func(*OpenOptions)

func WithOpenLogger(l *slog.Logger) OpenOption {
	return func(o *OpenOptions) {
		o.Logger = l
	}
}

func WithOpenRegisterer(r prometheus.Registerer) OpenOption {
	return func(o *OpenOptions) {
		o.Registerer = r
	}
}

func WithOpenClock(c Clock) OpenOption {
	return func(o *OpenOptions) {
		o.Clock = c
	}
}

func WithOpenPebbleFS(fs vfs.FS) OpenOption {
	return func(o *OpenOptions) {
		o.PebbleFS = fs
	}
}

func collectOpenOptions(opts []OpenOption) OpenOptions {
	var o OpenOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// OpenEngine opens the backend named by cfg.Backend.
func OpenEngine(_ context.Context, cfg Config, opts ...OpenOption) (StorageEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := collectOpenOptions(opts)

	switch cfg.Backend {
	case BackendPebble:
		var popts []PebbleEngineOption
		if o.Logger != nil {
			popts = append(popts, WithPebbleLogger(o.Logger))
		}
		if o.PebbleFS != nil {
			popts = append(popts, WithPebbleFS(o.PebbleFS))
		}
		return NewPebbleEngine(cfg, popts...)
	case BackendBolt:
		var bopts []BoltEngineOption
		if o.Logger != nil {
			bopts = append(bopts, WithBoltLogger(o.Logger))
			if cfg.BackendTuning.EnableBloomFilter || cfg.BackendTuning.CompressionType != CompressionNone {
				o.Logger.Info("bolt backend ignores compression and bloom filter tuning")
			}
		}
		return NewBoltEngine(cfg.DataDir, bopts...)
	case BackendMemory:
		var mopts []MemoryEngineOption
		if o.Logger != nil {
			mopts = append(mopts, WithMemoryLogger(o.Logger))
		}
		return NewMemoryEngine(mopts...), nil
	default:
		return nil, errors.Wrapf(ErrInvalidConfig, "unknown backend %q", cfg.Backend)
	}
}

// Open opens the configured backend and wraps it in an MVCCStore. The
// backend is closed again if the store cannot be built.
func Open(ctx context.Context, cfg Config, opts ...OpenOption) (MVCCStore, error) {
	engine, err := OpenEngine(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	o := collectOpenOptions(opts)
	var sopts []MVCCStoreOption
	if o.Logger != nil {
		sopts = append(sopts, WithLogger(o.Logger))
	}
	if o.Registerer != nil {
		sopts = append(sopts, WithRegisterer(o.Registerer))
	}
	if o.Clock != nil {
		sopts = append(sopts, WithClock(o.Clock))
	}
	st, err := NewMVCCStore(ctx, engine, cfg, sopts...)
	if err != nil {
		return nil, errors.CombineErrors(err, engine.Close())
	}
	return st, nil
}
