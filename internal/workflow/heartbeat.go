package workflow

import (
	"context"
	"log/slog"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/queue"
)

const defaultHeartbeatSeconds = 15

// HeartbeatMonitor refreshes the last_heartbeat timestamp of in-flight tasks
// so operators can tell a long-running stage from a wedged one.
type HeartbeatMonitor struct {
	store    *queue.Store
	logger   *slog.Logger
	interval time.Duration
}

// NewHeartbeatMonitor builds a monitor using workflow.heartbeat_interval.
func NewHeartbeatMonitor(cfg *config.Config, store *queue.Store, logger *slog.Logger) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		store:    store,
		logger:   logger.With("component", "heartbeat"),
		interval: seconds(cfg.Workflow.HeartbeatInterval, defaultHeartbeatSeconds),
	}
}

// StartLoop begins emitting heartbeats for the task until ctx is cancelled.
// The returned channel closes once the loop has fully stopped.
func (h *HeartbeatMonitor) StartLoop(ctx context.Context, itemID int64) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		if err := h.store.UpdateHeartbeat(ctx, itemID); err != nil && ctx.Err() == nil {
			h.logger.Warn("heartbeat update failed", "task_id", itemID, "error", err)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := h.store.UpdateHeartbeat(ctx, itemID); err != nil && ctx.Err() == nil {
					h.logger.Warn("heartbeat update failed", "task_id", itemID, "error", err)
				}
			}
		}
	}()
	return done
}
