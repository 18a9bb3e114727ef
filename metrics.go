package main

import (
	"context"
	"log/slog"
	"time"

	"hub/server/internal/registry"
)

// RunMetrics logs the registered-user count every interval until ctx is
// canceled; intervals with no registered users are not logged.
func RunMetrics(ctx context.Context, hub *registry.Hub, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := hub.Count(); n > 0 {
				slog.Info("metrics", "users", n)
			}
		}
	}
}
