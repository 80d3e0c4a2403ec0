package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-uart-linebuf/internal/metrics"
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
				logSnapshot(l, metrics.Snap())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func logSnapshot(l *slog.Logger, snap metrics.Snapshot) {
	l.Info("metrics_snapshot",
		"serial_rx_bytes", snap.SerialRxBytes,
		"lines_closed", snap.LinesClosed,
		"overflows", snap.Overflows,
		"lines_sent", snap.LinesSent,
		"lines_skipped", snap.LinesSkipped,
		"serial_tx", snap.SerialTx,
		"tcp_rx", snap.TCPRx,
		"tcp_tx", snap.TCPTx,
		"hub_clients", snap.HubClients,
		"hub_drops", snap.HubDrops,
		"hub_kicks", snap.HubKicks,
		"errors", snap.Errors,
	)
}
