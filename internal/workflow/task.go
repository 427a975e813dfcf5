package workflow

import (
	"context"
	"errors"
	"time"

	"conveyor/internal/decrypt"
	"conveyor/internal/queue"
	"conveyor/internal/services"
	"conveyor/internal/staging"
)

// runTask drives a claimed task through every pipeline stage in order. The
// task context is cancelled either by operator request or daemon shutdown;
// the cancellation cause distinguishes the two outcomes.
func (m *Manager) runTask(ctx context.Context, item *queue.Item) {
	started := time.Now()
	logger := m.logger.With("task_id", item.ID, "task_uuid", item.TaskUUID)
	logger.Info("task started", "source_url", item.SourceURL, "destination", item.DestinationPath)

	for _, st := range m.stages {
		err := m.runStage(ctx, item, st)
		if err == nil {
			if st.name == "fetch" {
				if notifyErr := m.notifier.NotifyFetchComplete(ctx, item.DestinationPath); notifyErr != nil {
					logger.Warn("fetch notification failed", "error", notifyErr)
				}
			}
			continue
		}

		switch {
		case errors.Is(context.Cause(ctx), errTaskCancelled):
			m.finalizeCancelled(ctx, item)
		case ctx.Err() != nil:
			// Shutdown: leave the task in its processing status so the
			// next Start requeues it.
			logger.Info("task interrupted by shutdown", "stage", st.name)
		default:
			m.finalizeFailed(ctx, item, st, err)
		}
		return
	}

	m.finalizeCompleted(ctx, item, started)
}

// runStage gates admission, transitions the task into the stage's status,
// and executes the handler under the retry policy.
func (m *Manager) runStage(ctx context.Context, item *queue.Item, st pipelineStage) error {
	if st.gate != nil {
		if err := st.gate.Acquire(ctx); err != nil {
			return err
		}
		defer st.gate.Release()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := queue.Transition(item, st.status); err != nil {
		return err
	}
	if err := m.store.Update(ctx, item); err != nil {
		return services.Wrap(services.ErrTransient, st.name, "persist", "persist stage entry", err)
	}
	m.sink.Publish(eventFromItem(item, false))

	return m.executeWithRetry(ctx, item, st)
}

// executeWithRetry runs Prepare and Execute, retrying transient failures
// with exponential backoff up to max_stage_attempts. Key-resolution
// failures sit outside that policy: the license exchange is re-run exactly
// once, then the task fails regardless of the transient cap.
func (m *Manager) executeWithRetry(ctx context.Context, item *queue.Item, st pipelineStage) error {
	maxAttempts := m.cfg.Workflow.MaxStageAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	keyRetryGranted := false
	for attempt := 1; ; attempt++ {
		item.AttemptCount = attempt
		if err := m.store.Update(ctx, item); err != nil {
			m.logger.Warn("attempt count persist failed", "task_id", item.ID, "error", err)
		}

		err := st.handler.Prepare(ctx, item)
		if err == nil {
			if persistErr := m.store.Update(ctx, item); persistErr != nil {
				m.logger.Warn("stage state persist failed", "task_id", item.ID, "error", persistErr)
			}
			err = m.executeWithHeartbeat(ctx, item, st)
		}
		if err == nil {
			if persistErr := m.store.Update(ctx, item); persistErr != nil {
				m.logger.Warn("stage state persist failed", "task_id", item.ID, "error", persistErr)
			}
			m.logger.Info("stage complete", "task_id", item.ID, "stage", st.name, "attempts", attempt)
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		allowed := maxAttempts
		retryable := services.IsTransient(err)
		if decrypt.IsKeyResolution(err) {
			if keyRetryGranted {
				return err
			}
			keyRetryGranted = true
			retryable = true
			allowed = attempt + 1
		}
		if !retryable || attempt >= allowed {
			return err
		}

		delay := m.backoffDelay(attempt)
		m.logger.Warn("stage failed, retrying",
			"task_id", item.ID,
			"stage", st.name,
			"attempt", attempt,
			"max_attempts", allowed,
			"retry_in", delay,
			"error", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
}

// executeWithHeartbeat runs the stage handler while a heartbeat loop keeps
// the task's liveness timestamp fresh in the store.
func (m *Manager) executeWithHeartbeat(ctx context.Context, item *queue.Item, st pipelineStage) error {
	hbCtx, hbCancel := context.WithCancel(ctx)
	hbDone := m.heartbeat.StartLoop(hbCtx, item.ID)

	err := st.handler.Execute(ctx, item)

	hbCancel()
	<-hbDone
	return err
}

// backoffDelay returns base * 2^(attempt-1) capped at the configured ceiling.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := m.backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.backoffCap {
			return m.backoffCap
		}
	}
	if delay > m.backoffCap {
		return m.backoffCap
	}
	return delay
}

func (m *Manager) finalizeCompleted(ctx context.Context, item *queue.Item, started time.Time) {
	persistCtx := context.WithoutCancel(ctx)
	if err := queue.Transition(item, queue.StatusCompleted); err != nil {
		m.finalizeFailed(ctx, item, pipelineStage{name: "finalize"}, err)
		return
	}
	if err := m.store.Update(persistCtx, item); err != nil {
		m.logger.Error("completion persist failed", "task_id", item.ID, "error", err)
	}

	duration := time.Since(started)
	m.logger.Info("task completed",
		"task_id", item.ID,
		"destination", item.DestinationPath,
		"duration", duration.Round(time.Second))

	m.sink.Publish(eventFromItem(item, true))
	m.cleanupWorkdir(item)
	if err := m.notifier.NotifyTaskCompleted(persistCtx, item.DestinationPath, duration); err != nil {
		m.logger.Warn("completion notification failed", "task_id", item.ID, "error", err)
	}
}

func (m *Manager) finalizeFailed(ctx context.Context, item *queue.Item, st pipelineStage, err error) {
	persistCtx := context.WithoutCancel(ctx)
	details := services.Details(err)
	item.SetFailed(details.Message)
	if persistErr := m.store.Update(persistCtx, item); persistErr != nil {
		m.logger.Error("failure persist failed", "task_id", item.ID, "error", persistErr)
	}

	m.logger.Error("task failed",
		"task_id", item.ID,
		"stage", st.name,
		"error_kind", string(details.Kind),
		"attempts", item.AttemptCount,
		"error", err)

	m.sink.Publish(eventFromItem(item, true))
	m.cleanupWorkdir(item)
	if notifyErr := m.notifier.NotifyTaskFailed(persistCtx, item.DestinationPath, details.Message); notifyErr != nil {
		m.logger.Warn("failure notification failed", "task_id", item.ID, "error", notifyErr)
	}
}

func (m *Manager) finalizeCancelled(ctx context.Context, item *queue.Item) {
	persistCtx := context.WithoutCancel(ctx)
	if err := queue.Transition(item, queue.StatusCancelled); err != nil {
		m.logger.Error("cancel transition failed", "task_id", item.ID, "error", err)
		return
	}
	if err := m.store.Update(persistCtx, item); err != nil {
		m.logger.Error("cancel persist failed", "task_id", item.ID, "error", err)
	}

	m.logger.Info("task cancelled", "task_id", item.ID, "destination", item.DestinationPath)
	m.sink.Publish(eventFromItem(item, true))
	m.cleanupWorkdir(item)
	if err := m.notifier.NotifyTaskCancelled(persistCtx, item.DestinationPath); err != nil {
		m.logger.Warn("cancel notification failed", "task_id", item.ID, "error", err)
	}
}

func (m *Manager) cleanupWorkdir(item *queue.Item) {
	if item.WorkDir == "" {
		return
	}
	if err := staging.RemoveTaskDir(item.WorkDir, m.logger); err != nil {
		m.logger.Warn("workdir cleanup failed", "task_id", item.ID, "work_dir", item.WorkDir, "error", err)
	}
}
