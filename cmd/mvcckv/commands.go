package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/bootjp/mvcckv/store"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var errUsage = errors.New("usage")

func errorsIsUsage(err error) bool {
	return errors.Is(err, errUsage)
}

const shutdownTimeout = 5 * time.Second

type cli struct {
	cfg            store.Config
	out            io.Writer
	log            *slog.Logger
	metricsAddress string
	statsInterval  time.Duration
	// ready, when set, receives the metrics listener address once serve
	// is accepting connections.
	ready func(addr string)
}

func (c *cli) open(ctx context.Context, reg prometheus.Registerer) (store.MVCCStore, error) {
	opts := []store.OpenOption{store.WithOpenLogger(c.log)}
	if reg != nil {
		opts = append(opts, store.WithOpenRegisterer(reg))
	}
	return store.Open(ctx, c.cfg, opts...)
}

func (c *cli) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	if cmd == "serve" {
		return c.serve(ctx)
	}

	st, err := c.open(ctx, nil)
	if err != nil {
		return err
	}
	err = c.oneShot(ctx, st, cmd, rest)
	return errors.CombineErrors(err, st.Close())
}

func parseTimestamp(s string) (store.Timestamp, error) {
	ts, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(errUsage, "bad timestamp %q", s)
	}
	return ts, nil
}

func (c *cli) oneShot(ctx context.Context, st store.MVCCStore, cmd string, args []string) error {
	switch cmd {
	case "get":
		if len(args) < 1 || len(args) > 2 {
			return errUsage
		}
		ts := st.CurrentTimestamp()
		if len(args) == 2 {
			var err error
			if ts, err = parseTimestamp(args[1]); err != nil {
				return err
			}
		}
		v, err := st.ReadAt(ctx, []byte(args[0]), ts)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(c.out, "%s\n", v)
		return errors.WithStack(err)
	case "put":
		if len(args) != 2 {
			return errUsage
		}
		ts, err := st.Write(ctx, []byte(args[0]), []byte(args[1]), store.NewTransactionID())
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(c.out, "%d\n", ts)
		return errors.WithStack(err)
	case "del":
		if len(args) != 1 {
			return errUsage
		}
		ts, err := st.WriteTombstone(ctx, []byte(args[0]), store.NewTransactionID())
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(c.out, "%d\n", ts)
		return errors.WithStack(err)
	case "scan":
		if len(args) > 2 {
			return errUsage
		}
		var start, end []byte
		if len(args) > 0 {
			start = []byte(args[0])
		}
		if len(args) > 1 {
			end = []byte(args[1])
		}
		kvs, err := st.Scan(ctx, start, end)
		if err != nil {
			return err
		}
		for _, kv := range kvs {
			if _, err := fmt.Fprintf(c.out, "%s\t%s\n", kv.Key, kv.Value); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	case "gc":
		if len(args) > 1 {
			return errUsage
		}
		watermark := st.LagWatermark()
		if len(args) == 1 {
			var err error
			if watermark, err = parseTimestamp(args[0]); err != nil {
				return err
			}
		}
		removed, err := st.GCOldVersions(ctx, watermark)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(c.out, "removed %d versions at watermark %d\n", removed, watermark)
		return errors.WithStack(err)
	case "compact":
		if len(args) != 0 {
			return errUsage
		}
		return st.Compact(ctx)
	case "stats":
		if len(args) != 0 {
			return errUsage
		}
		s, err := st.Stats(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(c.out,
			"keys=%d size=%d memory=%d disk=%d reads=%d writes=%d deletes=%d\n",
			s.TotalKeys, s.TotalSizeBytes, s.MemoryUsageBytes, s.DiskUsageBytes,
			s.ReadCount, s.WriteCount, s.DeleteCount)
		return errors.WithStack(err)
	default:
		return errors.Wrapf(errUsage, "unknown command %q", cmd)
	}
}

// serve keeps the store open so the background collector runs, exposes
// metrics and logs statistics until ctx is cancelled.
func (c *cli) serve(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	st, err := c.open(ctx, reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			c.log.Error("close store", slog.Any("error", err))
		}
	}()

	lis, err := net.Listen("tcp", c.metricsAddress)
	if err != nil {
		return errors.WithStack(err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: shutdownTimeout}

	c.log.InfoContext(ctx, "serving metrics",
		slog.String("address", lis.Addr().String()),
		slog.String("backend", c.cfg.Backend),
		slog.String("data_dir", c.cfg.DataDir),
	)
	if c.ready != nil {
		c.ready(lis.Addr().String())
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.WithStack(err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.WithStack(srv.Shutdown(shutdownCtx))
	})
	eg.Go(func() error {
		if c.statsInterval <= 0 {
			return nil
		}
		ticker := time.NewTicker(c.statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s, err := st.Stats(ctx)
				if err != nil {
					c.log.ErrorContext(ctx, "stats", slog.Any("error", err))
					continue
				}
				c.log.InfoContext(ctx, "storage stats",
					slog.Uint64("keys", s.TotalKeys),
					slog.Uint64("disk_bytes", s.DiskUsageBytes),
					slog.Uint64("memory_bytes", s.MemoryUsageBytes),
					slog.Uint64("ts", st.CurrentTimestamp()),
					slog.Uint64("watermark", st.GCWatermark()),
				)
			}
		}
	})
	return eg.Wait()
}
