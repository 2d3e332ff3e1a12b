package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/respkit/go-resp-server/internal/metrics"
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
					"commands", snap.Commands,
					"accepted", snap.Accepted,
					"active", snap.Active,
					"replicas", snap.Replicas,
					"propagated", snap.Propagated,
					"acks", snap.Acks,
					"kicks", snap.Kicks,
					"malformed", snap.Malformed,
					"expired", snap.Expired,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
