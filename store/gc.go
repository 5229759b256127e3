package store

import (
	"context"
	"log/slog"
	"time"
)

// LagWatermark is the watermark a periodic sweep applies: everything
// issued more than gc_watermark_lag ago, by the store's own clock.
func (s *mvccStore) LagWatermark() Timestamp {
	return s.clock.WatermarkBefore(s.cfg.GCWatermarkLag())
}

// runGC sweeps on every tick until Close closes gcStop. A sweep in
// progress is never interrupted.
func (s *mvccStore) runGC(interval time.Duration) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			s.gcTick(context.Background())
		}
	}
}

func (s *mvccStore) gcTick(ctx context.Context) {
	watermark := s.LagWatermark()
	removed, err := s.GCOldVersions(ctx, watermark)
	if err != nil {
		s.log.ErrorContext(ctx, "gc sweep failed",
			slog.Uint64("watermark", watermark),
			slog.Any("error", err),
		)
		return
	}
	if removed > 0 {
		s.log.InfoContext(ctx, "gc sweep",
			slog.Uint64("watermark", watermark),
			slog.Int("removed", removed),
		)
	}
}
