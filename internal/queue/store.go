package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"conveyor/internal/config"
)

// Store manages task persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the queue database and applies the schema.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.LogDir, "queue.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// SubmitRequest captures everything an external collaborator provides when
// enqueuing a new acquisition task.
type SubmitRequest struct {
	SourceURL       string
	AuthHeaders     map[string]string
	DestinationPath string
	Protection      Protection
	Plan            ContainerPlan
}

// NewTask inserts a pending task for a resolved media descriptor.
func (s *Store) NewTask(ctx context.Context, req SubmitRequest) (*Item, error) {
	if strings.TrimSpace(req.SourceURL) == "" {
		return nil, errors.New("source url is required")
	}
	if strings.TrimSpace(req.DestinationPath) == "" {
		return nil, errors.New("destination path is required")
	}

	item := &Item{
		TaskUUID:        uuid.NewString(),
		SourceURL:       req.SourceURL,
		DestinationPath: req.DestinationPath,
		Status:          StatusPending,
	}
	if err := item.SetAuthHeaders(req.AuthHeaders); err != nil {
		return nil, err
	}
	if req.Protection.Scheme == "" {
		req.Protection.Scheme = ProtectionNone
	}
	if err := item.SetProtection(req.Protection); err != nil {
		return nil, err
	}
	if err := item.SetPlan(req.Plan); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO tasks (
            task_uuid, source_url, auth_headers_json, destination_path,
            protection_json, plan_json, status, progress_percent,
            created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.TaskUUID,
		item.SourceURL,
		nullableString(item.AuthHeadersJSON),
		item.DestinationPath,
		nullableString(item.ProtectionJSON),
		nullableString(item.PlanJSON),
		StatusPending,
		0.0,
		timestamp,
		timestamp,
	)
	if err != nil {
		if strings.Contains(err.Error(), "idx_tasks_destination") {
			return nil, fmt.Errorf("destination already queued: %s", req.DestinationPath)
		}
		return nil, fmt.Errorf("insert task: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	return s.GetByID(ctx, id)
}

// GetByID fetches a task by identifier. Missing rows return (nil, nil).
func (s *Store) GetByID(ctx context.Context, id int64) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM tasks WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return item, nil
}

// GetByUUID fetches a task by its public identifier.
func (s *Store) GetByUUID(ctx context.Context, taskUUID string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM tasks WHERE task_uuid = ?`, taskUUID)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task by uuid: %w", err)
	}
	return item, nil
}

// Update persists changes to an existing task.
func (s *Store) Update(ctx context.Context, item *Item) error {
	if item == nil {
		return errors.New("task is nil")
	}
	item.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks
         SET source_url = ?, auth_headers_json = ?, destination_path = ?,
             protection_json = ?, plan_json = ?, status = ?,
             progress_stage = ?, progress_percent = ?, progress_message = ?,
             attempt_count = ?, error_message = ?, work_dir = ?,
             updated_at = ?, stage_started_at = ?, last_heartbeat = ?,
             cancel_requested = ?
         WHERE id = ?`,
		item.SourceURL,
		nullableString(item.AuthHeadersJSON),
		item.DestinationPath,
		nullableString(item.ProtectionJSON),
		nullableString(item.PlanJSON),
		item.Status,
		nullableString(item.ProgressStage),
		item.ProgressPercent,
		nullableString(item.ProgressMessage),
		item.AttemptCount,
		nullableString(item.ErrorMessage),
		nullableString(item.WorkDir),
		item.UpdatedAt.Format(time.RFC3339Nano),
		nullableTime(item.StageStartedAt),
		nullableTime(item.LastHeartbeat),
		boolToInt(item.CancelRequested),
		item.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// List returns tasks filtered by status set (or all tasks when no status is provided).
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Item, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + itemColumns + ` FROM tasks`
	orderClause := ` ORDER BY created_at, id`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE status IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// NextForStatuses returns the oldest task matching any of the provided statuses.
func (s *Store) NextForStatuses(ctx context.Context, statuses ...Status) (*Item, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := makePlaceholders(len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = status
	}

	query := `SELECT ` + itemColumns + ` FROM tasks WHERE status IN (` + placeholders + `) ORDER BY created_at, id LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, args...)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// RequestCancel flags a non-terminal task for cancellation. The orchestrator
// observes the flag at its next safe checkpoint.
func (s *Store) RequestCancel(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks SET cancel_requested = 1, updated_at = ?
         WHERE id = ? AND status NOT IN (?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		StatusCompleted, StatusFailed, StatusCancelled,
	)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// CancelRequested returns ids of active tasks flagged for cancellation.
func (s *Store) CancelRequested(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id FROM tasks WHERE cancel_requested = 1 AND status NOT IN (?, ?, ?)`,
		StatusCompleted, StatusFailed, StatusCancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("query cancel requests: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateHeartbeat updates the last heartbeat timestamp for an in-flight task.
func (s *Store) UpdateHeartbeat(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks SET last_heartbeat = ?, updated_at = ? WHERE id = ?`,
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// ResetStuckProcessing returns mid-stage tasks to pending. Used at daemon
// startup when a previous run died without cleaning up; the whole pipeline
// restarts from fetch for those tasks.
func (s *Store) ResetStuckProcessing(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks
         SET status = ?, progress_stage = 'Reset from stuck processing',
             progress_percent = 0, progress_message = NULL, attempt_count = 0,
             last_heartbeat = NULL, updated_at = ?
         WHERE status IN (?, ?, ?, ?)`,
		StatusPending,
		time.Now().UTC().Format(time.RFC3339Nano),
		StatusFetching,
		StatusDecrypting,
		StatusRemuxing,
		StatusValidating,
	)
	if err != nil {
		return 0, fmt.Errorf("reset stuck tasks: %w", err)
	}
	return res.RowsAffected()
}

// RetryFailed moves failed tasks back to pending for reprocessing.
func (s *Store) RetryFailed(ctx context.Context, ids ...int64) (int64, error) {
	if len(ids) == 0 {
		res, err := s.db.ExecContext(
			ctx,
			`UPDATE tasks
            SET status = ?, progress_stage = 'Retry requested', progress_percent = 0,
                progress_message = NULL, error_message = NULL, attempt_count = 0,
                cancel_requested = 0, updated_at = ?
            WHERE status = ?`,
			StatusPending,
			time.Now().UTC().Format(time.RFC3339Nano),
			StatusFailed,
		)
		if err != nil {
			return 0, fmt.Errorf("retry failed tasks: %w", err)
		}
		return res.RowsAffected()
	}

	placeholders := makePlaceholders(len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, StatusPending, time.Now().UTC().Format(time.RFC3339Nano))
	for _, id := range ids {
		args = append(args, id)
	}
	query := `UPDATE tasks
        SET status = ?, progress_stage = 'Retry requested', progress_percent = 0,
            progress_message = NULL, error_message = NULL, attempt_count = 0,
            cancel_requested = 0, updated_at = ?
        WHERE id IN (` + placeholders + `) AND status = '` + string(StatusFailed) + `'`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry selected tasks: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns a count of tasks grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Health aggregates queue state for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for status, count := range stats {
		health.Total += count
		switch status {
		case StatusPending:
			health.Pending += count
		case StatusCompleted:
			health.Completed += count
		case StatusFailed:
			health.Failed += count
		case StatusCancelled:
			health.Cancelled += count
		default:
			if IsProcessingStatus(status) {
				health.Processing += count
			}
		}
	}
	return health, nil
}

// Remove deletes a task by identifier.
func (s *Store) Remove(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ClearCompleted removes only completed tasks from the queue.
func (s *Store) ClearCompleted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE status = ?`, StatusCompleted)
	if err != nil {
		return 0, fmt.Errorf("clear completed: %w", err)
	}
	return res.RowsAffected()
}

// Clear removes all tasks from the queue.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks`)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	return res.RowsAffected()
}

const itemColumns = "id, task_uuid, source_url, auth_headers_json, destination_path, protection_json, plan_json, status, progress_stage, progress_percent, progress_message, attempt_count, error_message, work_dir, created_at, updated_at, stage_started_at, last_heartbeat, cancel_requested"

func scanItem(scanner interface{ Scan(dest ...any) error }) (*Item, error) {
	var (
		id              int64
		taskUUID        string
		sourceURL       string
		authHeaders     sql.NullString
		destination     string
		protection      sql.NullString
		plan            sql.NullString
		statusStr       string
		progressStage   sql.NullString
		progressPercent sql.NullFloat64
		progressMessage sql.NullString
		attemptCount    sql.NullInt64
		errorMessage    sql.NullString
		workDir         sql.NullString
		createdRaw      sql.NullString
		updatedRaw      sql.NullString
		stageStartedRaw sql.NullString
		heartbeatRaw    sql.NullString
		cancelRequested sql.NullInt64
	)

	if err := scanner.Scan(
		&id,
		&taskUUID,
		&sourceURL,
		&authHeaders,
		&destination,
		&protection,
		&plan,
		&statusStr,
		&progressStage,
		&progressPercent,
		&progressMessage,
		&attemptCount,
		&errorMessage,
		&workDir,
		&createdRaw,
		&updatedRaw,
		&stageStartedRaw,
		&heartbeatRaw,
		&cancelRequested,
	); err != nil {
		return nil, err
	}

	item := &Item{
		ID:              id,
		TaskUUID:        taskUUID,
		SourceURL:       sourceURL,
		AuthHeadersJSON: authHeaders.String,
		DestinationPath: destination,
		ProtectionJSON:  protection.String,
		PlanJSON:        plan.String,
		Status:          Status(statusStr),
		ProgressStage:   progressStage.String,
		ProgressPercent: progressPercent.Float64,
		ProgressMessage: progressMessage.String,
		AttemptCount:    int(attemptCount.Int64),
		ErrorMessage:    errorMessage.String,
		WorkDir:         workDir.String,
		CancelRequested: cancelRequested.Int64 != 0,
	}

	if created, err := parseTimeString(createdRaw.String); err == nil {
		item.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		item.UpdatedAt = updated
	}
	if stageStartedRaw.Valid {
		if stageStarted, err := parseTimeString(stageStartedRaw.String); err == nil {
			item.StageStartedAt = &stageStarted
		}
	}
	if heartbeatRaw.Valid {
		if heartbeat, err := parseTimeString(heartbeatRaw.String); err == nil {
			item.LastHeartbeat = &heartbeat
		}
	}
	return item, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
