package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/decrypt"
	"conveyor/internal/fetch"
	"conveyor/internal/gate"
	"conveyor/internal/notifications"
	"conveyor/internal/queue"
	"conveyor/internal/remux"
	"conveyor/internal/stage"
	"conveyor/internal/verify"
)

const (
	defaultPollSeconds       = 2
	defaultErrorRetrySeconds = 5
	defaultBackoffBase       = 2
	defaultBackoffCap        = 60
	defaultStaleHours        = 24
)

// StageSet holds the pipeline stage handlers in execution order. Tests
// substitute stubs; production wiring uses DefaultStageSet.
type StageSet struct {
	Fetch    stage.Handler
	Decrypt  stage.Handler
	Remux    stage.Handler
	Validate stage.Handler
}

// DefaultStageSet builds the production stage handlers from configuration.
func DefaultStageSet(cfg *config.Config, store *queue.Store, logger *slog.Logger) StageSet {
	return StageSet{
		Fetch:    fetch.New(cfg, store, logger),
		Decrypt:  decrypt.New(cfg, store, logger),
		Remux:    remux.New(cfg, store, logger),
		Validate: verify.New(cfg, store, logger),
	}
}

// pipelineStage binds a handler to the status a task holds while the stage
// runs and the admission gate the stage must pass first.
type pipelineStage struct {
	name    string
	status  queue.Status
	handler stage.Handler
	gate    *gate.Gate
}

// Manager owns the task pipeline. A dispatcher goroutine claims pending
// tasks up to max_active_tasks and hands each to its own runner goroutine;
// a watcher propagates cancellation requests into running tasks; a sweeper
// removes abandoned staging directories.
type Manager struct {
	cfg      *config.Config
	store    *queue.Store
	logger   *slog.Logger
	notifier notifications.Service

	stages      []pipelineStage
	networkGate *gate.Gate
	processGate *gate.Gate
	heartbeat   *HeartbeatMonitor

	pollInterval  time.Duration
	errorInterval time.Duration
	backoffBase   time.Duration
	backoffCap    time.Duration

	sink *Sink

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	runCtx  context.Context
	wg      sync.WaitGroup
	active  map[int64]context.CancelCauseFunc
	drained bool
}

// NewManager wires a manager with production stage handlers.
func NewManager(cfg *config.Config, store *queue.Store, logger *slog.Logger, notifier notifications.Service) *Manager {
	return NewManagerWithStages(cfg, store, logger, notifier, DefaultStageSet(cfg, store, logger))
}

// NewManagerWithStages wires a manager with the given stage handlers.
func NewManagerWithStages(cfg *config.Config, store *queue.Store, logger *slog.Logger, notifier notifications.Service, set StageSet) *Manager {
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}
	networkGate := gate.New("network", cfg.Workflow.MaxActiveTasks)
	processGate := gate.New("process", cfg.Workflow.MaxProcessTasks)

	m := &Manager{
		cfg:           cfg,
		store:         store,
		logger:        logger.With("component", "workflow"),
		notifier:      notifier,
		networkGate:   networkGate,
		processGate:   processGate,
		heartbeat:     NewHeartbeatMonitor(cfg, store, logger),
		pollInterval:  seconds(cfg.Workflow.QueuePollInterval, defaultPollSeconds),
		errorInterval: seconds(cfg.Workflow.ErrorRetryInterval, defaultErrorRetrySeconds),
		backoffBase:   seconds(cfg.Workflow.RetryBackoffBase, defaultBackoffBase),
		backoffCap:    seconds(cfg.Workflow.RetryBackoffCap, defaultBackoffCap),
		sink:          NewSink(),
		active:        make(map[int64]context.CancelCauseFunc),
		drained:       true,
	}
	m.stages = []pipelineStage{
		{name: "fetch", status: queue.StatusFetching, handler: set.Fetch, gate: networkGate},
		{name: "decrypt", status: queue.StatusDecrypting, handler: set.Decrypt, gate: processGate},
		{name: "remux", status: queue.StatusRemuxing, handler: set.Remux, gate: processGate},
		{name: "validate", status: queue.StatusValidating, handler: set.Validate},
	}
	return m
}

// Start resets tasks stranded mid-stage by a previous run and launches the
// dispatcher, cancellation watcher, and staging sweeper.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("workflow manager already running")
	}

	reclaimed, err := m.store.ResetStuckProcessing(ctx)
	if err != nil {
		return fmt.Errorf("reset stranded tasks: %w", err)
	}
	if reclaimed > 0 {
		m.logger.Info("requeued stranded tasks", "count", reclaimed)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.runCtx = runCtx
	m.cancel = cancel
	m.running = true

	m.wg.Add(3)
	go m.dispatchLoop(runCtx)
	go m.watchCancellations(runCtx)
	go m.sweepStaleWorkdirs(runCtx)

	m.logger.Info("workflow manager started",
		"max_active_tasks", m.networkGate.Capacity(),
		"max_process_tasks", m.processGate.Capacity(),
		"poll_interval", m.pollInterval)
	return nil
}

// Stop halts dispatch and waits for in-flight tasks to observe cancellation.
// Interrupted tasks stay in their processing status and are requeued by the
// next Start.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.logger.Info("workflow manager stopped")
}

// Running reports whether the manager has been started.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// ActiveCount returns the number of tasks currently owned by runner goroutines.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Events returns the progress sink task runners publish to.
func (m *Manager) Events() *Sink {
	return m.sink
}

// Health runs every stage's readiness probe.
func (m *Manager) Health(ctx context.Context) []stage.Health {
	results := make([]stage.Health, 0, len(m.stages))
	for _, st := range m.stages {
		results = append(results, st.handler.HealthCheck(ctx))
	}
	return results
}

func seconds(value, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}
