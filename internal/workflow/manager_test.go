package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"conveyor/internal/decrypt"
	"conveyor/internal/logging"
	"conveyor/internal/queue"
	"conveyor/internal/services"
	"conveyor/internal/stage"
	"conveyor/internal/testsupport"
)

type stubHandler struct {
	name     string
	prepare  func(context.Context, *queue.Item) error
	execute  func(context.Context, *queue.Item) error
	attempts atomic.Int64
}

func (s *stubHandler) Prepare(ctx context.Context, item *queue.Item) error {
	if s.prepare != nil {
		return s.prepare(ctx, item)
	}
	return nil
}

func (s *stubHandler) Execute(ctx context.Context, item *queue.Item) error {
	s.attempts.Add(1)
	if s.execute != nil {
		return s.execute(ctx, item)
	}
	return nil
}

func (s *stubHandler) HealthCheck(context.Context) stage.Health {
	return stage.Healthy(s.name)
}

type recordingNotifier struct {
	mu        sync.Mutex
	completed []string
	failed    []string
	cancelled []string
	fetched   []string
	drained   atomic.Int64
}

func (r *recordingNotifier) NotifyTaskQueued(context.Context, string) error { return nil }

func (r *recordingNotifier) NotifyFetchComplete(_ context.Context, destination string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetched = append(r.fetched, destination)
	return nil
}

func (r *recordingNotifier) NotifyQueueDrained(context.Context) error {
	r.drained.Add(1)
	return nil
}

func (r *recordingNotifier) NotifyTaskCompleted(_ context.Context, destination string, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, destination)
	return nil
}

func (r *recordingNotifier) NotifyTaskFailed(_ context.Context, destination, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, destination)
	return nil
}

func (r *recordingNotifier) NotifyTaskCancelled(_ context.Context, destination string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, destination)
	return nil
}

func (r *recordingNotifier) NotifyError(context.Context, error, string) error { return nil }
func (r *recordingNotifier) TestNotification(context.Context) error           { return nil }

func (r *recordingNotifier) counts() (completed, failed, cancelled int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed), len(r.failed), len(r.cancelled)
}

// prepareWorkdir gives stubs a real staging directory so cleanup behaviour
// can be observed.
func prepareWorkdir(t *testing.T, stagingDir string) func(context.Context, *queue.Item) error {
	t.Helper()
	return func(_ context.Context, item *queue.Item) error {
		workDir := item.StagingRoot(stagingDir)
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return err
		}
		item.WorkDir = workDir
		return nil
	}
}

func newTestManager(t *testing.T, set StageSet) (*Manager, *queue.Store, *recordingNotifier, string) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Workflow.QueuePollInterval = 1
	cfg.Workflow.RetryBackoffBase = 1
	cfg.Workflow.RetryBackoffCap = 1
	cfg.Workflow.MaxStageAttempts = 1
	store := testsupport.MustOpenStore(t, cfg)
	notifier := &recordingNotifier{}
	manager := NewManagerWithStages(cfg, store, logging.NewNop(), notifier, set)
	return manager, store, notifier, cfg.Paths.StagingDir
}

func TestSweepRemovesStaleWorkdirs(t *testing.T) {
	set := StageSet{
		Fetch:    &stubHandler{name: "fetch"},
		Decrypt:  &stubHandler{name: "decrypt"},
		Remux:    &stubHandler{name: "remux"},
		Validate: &stubHandler{name: "validate"},
	}
	manager, _, _, stagingDir := newTestManager(t, set)
	manager.cfg.Workflow.StaleWorkdirHours = 1

	stale := filepath.Join(stagingDir, "tasks", "abandoned-task")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	manager.wg.Add(1)
	go manager.sweepStaleWorkdirs(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(stale); os.IsNotExist(err) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	manager.wg.Wait()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale workdir should be removed, stat err = %v", err)
	}
}

func waitForStatus(t *testing.T, store *queue.Store, id int64, want queue.Status) *queue.Item {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		item, err := store.GetByID(context.Background(), id)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if item != nil && item.Status == want {
			return item
		}
		time.Sleep(50 * time.Millisecond)
	}
	item, _ := store.GetByID(context.Background(), id)
	got := queue.Status("missing")
	if item != nil {
		got = item.Status
	}
	t.Fatalf("task %d never reached %s, last status %s", id, want, got)
	return nil
}

func TestRunTaskHappyPath(t *testing.T) {
	fetchStub := &stubHandler{name: "fetch"}
	set := StageSet{
		Fetch:    fetchStub,
		Decrypt:  &stubHandler{name: "decrypt"},
		Remux:    &stubHandler{name: "remux"},
		Validate: &stubHandler{name: "validate"},
	}
	manager, store, notifier, stagingDir := newTestManager(t, set)
	fetchStub.prepare = prepareWorkdir(t, stagingDir)

	events, cancelEvents := manager.Events().Subscribe(32)
	defer cancelEvents()

	item := testsupport.NewTask(t, store, "https://cdn.example.com/a.mp4", "/library/a.mp4")
	manager.runTask(context.Background(), item)

	stored, err := store.GetByID(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if stored.Status != queue.StatusCompleted {
		t.Fatalf("status = %s, want completed", stored.Status)
	}
	if stored.ProgressPercent != 100 {
		t.Fatalf("progress = %v, want 100", stored.ProgressPercent)
	}
	if _, statErr := os.Stat(stored.WorkDir); !os.IsNotExist(statErr) {
		t.Fatalf("workdir %s not removed after completion", stored.WorkDir)
	}
	completed, failed, cancelled := notifier.counts()
	if completed != 1 || failed != 0 || cancelled != 0 {
		t.Fatalf("notifications = %d/%d/%d, want 1 completed", completed, failed, cancelled)
	}
	notifier.mu.Lock()
	fetched := len(notifier.fetched)
	notifier.mu.Unlock()
	if fetched != 1 {
		t.Fatalf("fetch notifications = %d, want 1", fetched)
	}

	terminal := 0
	for {
		select {
		case event := <-events:
			if event.Terminal {
				terminal++
				if event.Status != queue.StatusCompleted {
					t.Fatalf("terminal event status = %s, want completed", event.Status)
				}
			}
			continue
		default:
		}
		break
	}
	if terminal != 1 {
		t.Fatalf("terminal events = %d, want exactly 1", terminal)
	}
}

func TestRunTaskRetriesTransientFailure(t *testing.T) {
	fetchStub := &stubHandler{name: "fetch"}
	fetchStub.execute = func(context.Context, *queue.Item) error {
		if fetchStub.attempts.Load() == 1 {
			return services.Wrap(services.ErrTransient, "fetch", "download", "connection reset", errors.New("reset"))
		}
		return nil
	}
	set := StageSet{
		Fetch:    fetchStub,
		Decrypt:  &stubHandler{name: "decrypt"},
		Remux:    &stubHandler{name: "remux"},
		Validate: &stubHandler{name: "validate"},
	}
	manager, store, _, stagingDir := newTestManager(t, set)
	manager.cfg.Workflow.MaxStageAttempts = 3
	fetchStub.prepare = prepareWorkdir(t, stagingDir)

	item := testsupport.NewTask(t, store, "https://cdn.example.com/b.mp4", "/library/b.mp4")
	manager.runTask(context.Background(), item)

	stored, err := store.GetByID(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if stored.Status != queue.StatusCompleted {
		t.Fatalf("status = %s, want completed", stored.Status)
	}
	if got := fetchStub.attempts.Load(); got != 2 {
		t.Fatalf("fetch attempts = %d, want 2", got)
	}
}

func TestRunTaskPermanentFailureDoesNotRetry(t *testing.T) {
	fetchStub := &stubHandler{name: "fetch"}
	fetchStub.execute = func(context.Context, *queue.Item) error {
		return services.Wrap(services.ErrPermanent, "fetch", "download", "authorization rejected", nil)
	}
	set := StageSet{
		Fetch:    fetchStub,
		Decrypt:  &stubHandler{name: "decrypt"},
		Remux:    &stubHandler{name: "remux"},
		Validate: &stubHandler{name: "validate"},
	}
	manager, store, notifier, stagingDir := newTestManager(t, set)
	manager.cfg.Workflow.MaxStageAttempts = 3
	fetchStub.prepare = prepareWorkdir(t, stagingDir)

	item := testsupport.NewTask(t, store, "https://cdn.example.com/c.mp4", "/library/c.mp4")
	manager.runTask(context.Background(), item)

	stored, err := store.GetByID(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if stored.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want failed", stored.Status)
	}
	if stored.ErrorMessage == "" {
		t.Fatal("expected error message on failed task")
	}
	if got := fetchStub.attempts.Load(); got != 1 {
		t.Fatalf("fetch attempts = %d, want 1", got)
	}
	if _, statErr := os.Stat(stored.WorkDir); !os.IsNotExist(statErr) {
		t.Fatalf("workdir should be removed after failure, stat err = %v", statErr)
	}
	_, failed, _ := notifier.counts()
	if failed != 1 {
		t.Fatalf("failed notifications = %d, want 1", failed)
	}
}

func TestRunTaskStopsAtAttemptCap(t *testing.T) {
	fetchStub := &stubHandler{name: "fetch"}
	fetchStub.execute = func(context.Context, *queue.Item) error {
		return services.Wrap(services.ErrTransient, "fetch", "download", "gateway unavailable", nil)
	}
	set := StageSet{
		Fetch:    fetchStub,
		Decrypt:  &stubHandler{name: "decrypt"},
		Remux:    &stubHandler{name: "remux"},
		Validate: &stubHandler{name: "validate"},
	}
	manager, store, _, stagingDir := newTestManager(t, set)
	manager.cfg.Workflow.MaxStageAttempts = 2
	fetchStub.prepare = prepareWorkdir(t, stagingDir)

	item := testsupport.NewTask(t, store, "https://cdn.example.com/d.mp4", "/library/d.mp4")
	manager.runTask(context.Background(), item)

	stored, err := store.GetByID(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if stored.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want failed", stored.Status)
	}
	if got := fetchStub.attempts.Load(); got != 2 {
		t.Fatalf("fetch attempts = %d, want 2", got)
	}
}

func TestKeyResolutionFailureRetriesOnce(t *testing.T) {
	decryptStub := &stubHandler{name: "decrypt"}
	decryptStub.execute = func(context.Context, *queue.Item) error {
		return services.Wrap(services.ErrExternalTool, "decrypt", "resolve_key", "key vault rejected request",
			fmt.Errorf("%w: %w", decrypt.ErrKeyResolution, errors.New("expired lease")))
	}
	set := StageSet{
		Fetch:    &stubHandler{name: "fetch"},
		Decrypt:  decryptStub,
		Remux:    &stubHandler{name: "remux"},
		Validate: &stubHandler{name: "validate"},
	}
	manager, store, _, stagingDir := newTestManager(t, set)
	manager.cfg.Workflow.MaxStageAttempts = 3
	set.Fetch.(*stubHandler).prepare = prepareWorkdir(t, stagingDir)

	item := testsupport.NewTask(t, store, "https://cdn.example.com/e.mp4", "/library/e.mp4")
	manager.runTask(context.Background(), item)

	stored, err := store.GetByID(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if stored.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want failed", stored.Status)
	}
	// The license exchange is re-run exactly once, ignoring the transient cap.
	if got := decryptStub.attempts.Load(); got != 2 {
		t.Fatalf("decrypt attempts = %d, want 2", got)
	}
}

func TestManagerRunsPendingTaskToCompletion(t *testing.T) {
	fetchStub := &stubHandler{name: "fetch"}
	set := StageSet{
		Fetch:    fetchStub,
		Decrypt:  &stubHandler{name: "decrypt"},
		Remux:    &stubHandler{name: "remux"},
		Validate: &stubHandler{name: "validate"},
	}
	manager, store, notifier, stagingDir := newTestManager(t, set)
	fetchStub.prepare = prepareWorkdir(t, stagingDir)

	item := testsupport.NewTask(t, store, "https://cdn.example.com/f.mp4", "/library/f.mp4")

	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	defer manager.Stop()

	waitForStatus(t, store, item.ID, queue.StatusCompleted)

	deadline := time.Now().Add(10 * time.Second)
	for notifier.drained.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if got := notifier.drained.Load(); got != 1 {
		t.Fatalf("drained notifications = %d, want 1", got)
	}
}

func TestManagerCancelsRunningTask(t *testing.T) {
	fetchStub := &stubHandler{name: "fetch"}
	fetchStub.execute = func(ctx context.Context, _ *queue.Item) error {
		<-ctx.Done()
		return services.Wrap(services.ErrTransient, "fetch", "download", "interrupted", ctx.Err())
	}
	set := StageSet{
		Fetch:    fetchStub,
		Decrypt:  &stubHandler{name: "decrypt"},
		Remux:    &stubHandler{name: "remux"},
		Validate: &stubHandler{name: "validate"},
	}
	manager, store, notifier, stagingDir := newTestManager(t, set)
	fetchStub.prepare = prepareWorkdir(t, stagingDir)

	item := testsupport.NewTask(t, store, "https://cdn.example.com/g.mp4", "/library/g.mp4")

	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	defer manager.Stop()

	waitForStatus(t, store, item.ID, queue.StatusFetching)
	if ok, err := store.RequestCancel(context.Background(), item.ID); err != nil || !ok {
		t.Fatalf("request cancel: ok=%v err=%v", ok, err)
	}

	stored := waitForStatus(t, store, item.ID, queue.StatusCancelled)
	if _, statErr := os.Stat(stored.WorkDir); !os.IsNotExist(statErr) {
		t.Fatalf("workdir %s not removed after cancellation", stored.WorkDir)
	}
	_, _, cancelled := notifier.counts()
	if cancelled != 1 {
		t.Fatalf("cancel notifications = %d, want 1", cancelled)
	}
}

func TestManagerCancelsPendingTaskBeforeStart(t *testing.T) {
	blockRelease := make(chan struct{})
	fetchStub := &stubHandler{name: "fetch"}
	fetchStub.execute = func(ctx context.Context, _ *queue.Item) error {
		select {
		case <-blockRelease:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	set := StageSet{
		Fetch:    fetchStub,
		Decrypt:  &stubHandler{name: "decrypt"},
		Remux:    &stubHandler{name: "remux"},
		Validate: &stubHandler{name: "validate"},
	}
	cfg := testsupport.NewConfig(t)
	cfg.Workflow.QueuePollInterval = 1
	cfg.Workflow.MaxActiveTasks = 1
	store := testsupport.MustOpenStore(t, cfg)
	manager := NewManagerWithStages(cfg, store, logging.NewNop(), &recordingNotifier{}, set)
	fetchStub.prepare = prepareWorkdir(t, cfg.Paths.StagingDir)

	// Occupies the single slot so the second task stays pending.
	blocker := testsupport.NewTask(t, store, "https://cdn.example.com/h1.mp4", "/library/h1.mp4")
	waiting := testsupport.NewTask(t, store, "https://cdn.example.com/h2.mp4", "/library/h2.mp4")

	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	defer manager.Stop()

	waitForStatus(t, store, blocker.ID, queue.StatusFetching)
	if ok, err := store.RequestCancel(context.Background(), waiting.ID); err != nil || !ok {
		t.Fatalf("request cancel: ok=%v err=%v", ok, err)
	}

	waitForStatus(t, store, waiting.ID, queue.StatusCancelled)
	close(blockRelease)
	waitForStatus(t, store, blocker.ID, queue.StatusCompleted)
}

func TestStartRequeuesStrandedTasks(t *testing.T) {
	set := StageSet{
		Fetch:    &stubHandler{name: "fetch"},
		Decrypt:  &stubHandler{name: "decrypt"},
		Remux:    &stubHandler{name: "remux"},
		Validate: &stubHandler{name: "validate"},
	}
	manager, store, _, stagingDir := newTestManager(t, set)
	set.Fetch.(*stubHandler).prepare = prepareWorkdir(t, stagingDir)

	item := testsupport.NewTask(t, store, "https://cdn.example.com/i.mp4", "/library/i.mp4")
	if err := queue.Transition(item, queue.StatusFetching); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := store.Update(context.Background(), item); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	defer manager.Stop()

	waitForStatus(t, store, item.ID, queue.StatusCompleted)
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Workflow.RetryBackoffBase = 2
	cfg.Workflow.RetryBackoffCap = 10
	store := testsupport.MustOpenStore(t, cfg)
	manager := NewManagerWithStages(cfg, store, logging.NewNop(), &recordingNotifier{}, StageSet{
		Fetch:    &stubHandler{name: "fetch"},
		Decrypt:  &stubHandler{name: "decrypt"},
		Remux:    &stubHandler{name: "remux"},
		Validate: &stubHandler{name: "validate"},
	})

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{8, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := manager.backoffDelay(tc.attempt); got != tc.want {
			t.Fatalf("backoffDelay(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestHealthReportsEveryStage(t *testing.T) {
	set := StageSet{
		Fetch:    &stubHandler{name: "fetch"},
		Decrypt:  &stubHandler{name: "decrypt"},
		Remux:    &stubHandler{name: "remux"},
		Validate: &stubHandler{name: "validate"},
	}
	manager, _, _, _ := newTestManager(t, set)

	results := manager.Health(context.Background())
	if len(results) != 4 {
		t.Fatalf("health results = %d, want 4", len(results))
	}
	for _, result := range results {
		if !result.Ready {
			t.Fatalf("stage %s unexpectedly unhealthy: %s", result.Name, result.Detail)
		}
	}
}
