// Package daemon coordinates the long-running conveyor process: it owns the
// queue store and workflow manager and enforces single-instance execution
// with a file lock.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/gofrs/flock"

	"conveyor/internal/config"
	"conveyor/internal/notifications"
	"conveyor/internal/queue"
	"conveyor/internal/stage"
	"conveyor/internal/workflow"
)

// Daemon wraps the workflow manager with process-level concerns.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *queue.Store
	workflow *workflow.Manager
	notifier notifications.Service

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	ActiveTasks  int
	QueueDBPath  string
	LockFilePath string
	Stages       []stage.Health
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *queue.Store, logger *slog.Logger, manager *workflow.Manager) (*Daemon, error) {
	if cfg == nil || store == nil || logger == nil || manager == nil {
		return nil, errors.New("daemon requires config, store, logger, and workflow manager")
	}

	lockPath := filepath.Join(cfg.Paths.LogDir, "conveyord.lock")
	return &Daemon{
		cfg:      cfg,
		logger:   logger.With("component", "daemon"),
		store:    store,
		workflow: manager,
		notifier: notifications.NewService(cfg),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Start acquires the instance lock and launches the workflow manager.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another conveyor daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.workflow.Start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("start workflow: %w", err)
	}
	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("conveyor daemon started", "lock", d.lockPath)
	return nil
}

// Stop halts background processing and releases the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.workflow.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", "error", err)
	}
	d.running.Store(false)
	d.logger.Info("conveyor daemon stopped")
}

// Close stops the daemon and releases the queue store.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Status reports runtime state for the CLI status surface.
func (d *Daemon) Status(ctx context.Context) Status {
	return Status{
		Running:      d.running.Load(),
		ActiveTasks:  d.workflow.ActiveCount(),
		QueueDBPath:  d.store.Path(),
		LockFilePath: d.lockPath,
		Stages:       d.workflow.Health(ctx),
	}
}

// TestNotification sends a test message through the configured channel. It
// reports whether a channel is configured at all.
func (d *Daemon) TestNotification(ctx context.Context) (bool, error) {
	if d.cfg.Notifications.NtfyTopic == "" {
		return false, nil
	}
	if err := d.notifier.TestNotification(ctx); err != nil {
		return true, err
	}
	return true, nil
}
