package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var (
	configPath     = flag.String("config", "", "YAML configuration file")
	dataDir        = flag.String("dataDir", "", "Data directory, overrides data_dir")
	backend        = flag.String("backend", "", "Storage backend (pebble, bolt, memory), overrides backend")
	metricsAddress = flag.String("metricsAddress", ":9090", "Prometheus metrics address used by serve")
	statsInterval  = flag.Duration("statsInterval", time.Minute, "How often serve logs storage statistics")
)

func init() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: mvcckv [flags] <command> [args]

Commands:
  serve                  run the collector and expose metrics until interrupted
  get <key> [ts]         read the latest value, or the value visible at ts
  put <key> <value>      write a value
  del <key>              write a tombstone
  scan [start [end]]     list live keys in [start, end)
  gc [watermark]         collect versions, at the lagged watermark by default
  compact                collect and compact the backend
  stats                  print storage statistics

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	cfg, err := loadConfig(*configPath, overrides{dataDir: *dataDir, backend: *backend})
	if err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cli := &cli{
		cfg:            cfg,
		out:            os.Stdout,
		log:            slog.Default(),
		metricsAddress: *metricsAddress,
		statsInterval:  *statsInterval,
	}
	if err := cli.run(ctx, flag.Args()); err != nil {
		if errorsIsUsage(err) {
			usage()
			os.Exit(2)
		}
		slog.Error("command failed", slog.Any("error", err))
		os.Exit(1)
	}
}
