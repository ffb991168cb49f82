package main

import (
	"context"
	"log/slog"
	"time"

	"nuvogw/internal/gateway"
)

// RunHealthLog logs the façade's client connectivity every interval until
// ctx is canceled, so a disconnected session shows up in the log stream
// even when no request is currently exercising it.
func RunHealthLog(ctx context.Context, facade *gateway.Facade, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := facade.Health()
			if !h.MRAD.Connected || !h.MCS.Connected {
				slog.Warn("client disconnected",
					"mrad_connected", h.MRAD.Connected,
					"mcs_connected", h.MCS.Connected,
				)
			}
		}
	}
}
