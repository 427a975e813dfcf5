package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"conveyor/internal/queue"
	"conveyor/internal/staging"
)

// errTaskCancelled is the cancellation cause used when an operator requests
// cancellation, distinguishing it from daemon shutdown on the same context.
var errTaskCancelled = errors.New("task cancelled by request")

func (m *Manager) dispatchLoop(ctx context.Context) {
	defer m.wg.Done()

	for {
		interval := m.pollInterval
		if err := m.claimPending(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("queue poll failed", "error", err)
			interval = m.errorInterval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// claimPending starts runner goroutines for pending tasks, oldest first,
// until the concurrency bound is reached. Tasks flagged for cancellation
// before work began are finalized here without ever entering the pipeline.
func (m *Manager) claimPending(ctx context.Context) error {
	items, err := m.store.List(ctx, queue.StatusPending)
	if err != nil {
		return err
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return nil
		}
		if item.CancelRequested {
			m.finalizeCancelled(ctx, item)
			continue
		}
		if !m.startTask(ctx, item) {
			return nil
		}
	}
	return nil
}

// startTask registers the task as active and launches its runner. It returns
// false when the concurrency bound leaves no room, in which case the caller
// stops claiming until a slot frees.
func (m *Manager) startTask(ctx context.Context, item *queue.Item) bool {
	m.mu.Lock()
	if _, alreadyRunning := m.active[item.ID]; alreadyRunning {
		m.mu.Unlock()
		return true
	}
	if len(m.active) >= m.networkGate.Capacity() {
		m.mu.Unlock()
		return false
	}
	taskCtx, cancelTask := context.WithCancelCause(ctx)
	m.active[item.ID] = cancelTask
	m.drained = false
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancelTask(nil)
		m.runTask(taskCtx, item)

		m.mu.Lock()
		delete(m.active, item.ID)
		m.mu.Unlock()
		m.maybeNotifyDrained(ctx)
	}()
	return true
}

// maybeNotifyDrained fires the drained notification once when the last
// in-flight task finishes and nothing runnable remains.
func (m *Manager) maybeNotifyDrained(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	busy := len(m.active) > 0 || m.drained
	m.mu.Unlock()
	if busy {
		return
	}

	pending, err := m.store.List(ctx, queue.StatusPending)
	if err != nil || len(pending) > 0 {
		return
	}

	m.mu.Lock()
	alreadyNotified := m.drained || len(m.active) > 0
	if !alreadyNotified {
		m.drained = true
	}
	m.mu.Unlock()
	if alreadyNotified {
		return
	}

	if err := m.notifier.NotifyQueueDrained(ctx); err != nil {
		m.logger.Warn("drained notification failed", "error", err)
	}
}

// watchCancellations polls the store for cancellation flags and propagates
// them into running tasks by cancelling their contexts. Flags on tasks that
// are not running are handled by the dispatcher.
func (m *Manager) watchCancellations(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.pollInterval):
		}

		ids, err := m.store.CancelRequested(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Error("cancellation poll failed", "error", err)
			}
			continue
		}
		for _, id := range ids {
			m.mu.Lock()
			cancelTask, running := m.active[id]
			m.mu.Unlock()
			if running {
				cancelTask(errTaskCancelled)
			}
		}
	}
}

// sweepStaleWorkdirs removes staging directories left behind by failed or
// interrupted tasks once they exceed the configured age. Directories owned
// by live tasks are never touched.
func (m *Manager) sweepStaleWorkdirs(ctx context.Context) {
	defer m.wg.Done()

	hours := m.cfg.Workflow.StaleWorkdirHours
	if hours <= 0 {
		hours = defaultStaleHours
	}
	maxAge := time.Duration(hours) * time.Hour

	for {
		live, err := m.liveWorkdirs(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("staging sweep skipped", "error", err)
		} else {
			result := staging.CleanStale(ctx, m.cfg.Paths.StagingDir, maxAge, live, m.logger)
			if len(result.Removed) > 0 {
				m.logger.Info("removed stale staging directories", "count", len(result.Removed))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Hour):
		}
	}
}

// liveWorkdirs collects the staging directory names of every task that may
// still legitimately own its directory.
func (m *Manager) liveWorkdirs(ctx context.Context) (map[string]struct{}, error) {
	statuses := []queue.Status{
		queue.StatusPending,
		queue.StatusFetching,
		queue.StatusDecrypting,
		queue.StatusRemuxing,
		queue.StatusValidating,
	}
	items, err := m.store.List(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	live := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item.WorkDir != "" {
			live[filepath.Base(item.WorkDir)] = struct{}{}
		}
	}
	return live, nil
}
