package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/cot-relay/internal/metrics"
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
					"clients", snap.Clients,
					"routed", snap.Routed,
					"sent", snap.Sent,
					"dropped", snap.Dropped,
					"rejected", snap.Rejected,
					"mesh_rx", snap.MeshRx,
					"mesh_tx", snap.MeshTx,
					"reassembled", snap.Reassembled,
					"expired", snap.Expired,
					"cot_errors", snap.CotErrors,
					"errors", snap.Errors,
					"malformed", snap.Malformed,
					"queue_depth_max", snap.QueueDepthMax,
					"queue_depth_avg", snap.QueueDepthAvg,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
