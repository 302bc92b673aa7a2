package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kronberger-droid/nanonis-tipctl/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"control_errors", snap.ControlErrors,
					"telemetry_frames", snap.TelemetryFrames,
					"buffer_drops", snap.BufferDrops,
					"action_retries", snap.ActionRetries,
					"engine_cycles", snap.EngineCycles,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
