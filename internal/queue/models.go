package queue

import (
	"strings"
	"time"
)

// Status represents the lifecycle of an acquisition task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusFetching   Status = "fetching"
	StatusDecrypting Status = "decrypting"
	StatusRemuxing   Status = "remuxing"
	StatusValidating Status = "validating"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// DaemonStopReason is the error message set when tasks are failed due to daemon shutdown.
const DaemonStopReason = "Daemon stopped"

var allStatuses = []Status{
	StatusPending,
	StatusFetching,
	StatusDecrypting,
	StatusRemuxing,
	StatusValidating,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var processingStatuses = map[Status]struct{}{
	StatusFetching:   {},
	StatusDecrypting: {},
	StatusRemuxing:   {},
	StatusValidating: {},
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether a status ends the task lifecycle.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsProcessingStatus reports whether a status reflects an in-flight stage.
func IsProcessingStatus(status Status) bool {
	_, ok := processingStatuses[status]
	return ok
}

// HealthSummary describes aggregated queue counts per key lifecycle states.
type HealthSummary struct {
	Total      int
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Cancelled  int
}

// Item represents an acquisition task persisted in SQLite.
type Item struct {
	ID              int64
	TaskUUID        string
	SourceURL       string
	AuthHeadersJSON string
	DestinationPath string
	ProtectionJSON  string
	PlanJSON        string
	Status          Status
	ProgressStage   string
	ProgressPercent float64
	ProgressMessage string
	AttemptCount    int
	ErrorMessage    string
	WorkDir         string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StageStartedAt  *time.Time
	LastHeartbeat   *time.Time
	CancelRequested bool
}

// IsProcessing returns true when the task is mid-stage.
func (i Item) IsProcessing() bool {
	return IsProcessingStatus(i.Status)
}

// SetProgress updates all three progress fields together. ProgressPercent is
// clamped so per-stage progress never regresses within a stage.
func (i *Item) SetProgress(stage, message string, percent float64) {
	if stage == i.ProgressStage && percent < i.ProgressPercent {
		percent = i.ProgressPercent
	}
	i.ProgressStage = stage
	i.ProgressMessage = message
	i.ProgressPercent = percent
}

// SetFailed marks the task as failed with the given error message.
func (i *Item) SetFailed(message string) {
	i.Status = StatusFailed
	i.ErrorMessage = message
	i.ProgressStage = "Failed"
	i.ProgressPercent = 0
	i.ProgressMessage = message
	i.LastHeartbeat = nil
}

// SetCancelled marks the task as cancelled.
func (i *Item) SetCancelled() {
	i.Status = StatusCancelled
	i.ProgressStage = "Cancelled"
	i.ProgressPercent = 0
	i.ProgressMessage = "Cancelled by request"
	i.LastHeartbeat = nil
}

// StageLabel returns the human-oriented label for a status.
func (s Status) StageLabel() string {
	switch s {
	case StatusPending:
		return "Queued"
	case StatusFetching:
		return "Fetching"
	case StatusDecrypting:
		return "Decrypting"
	case StatusRemuxing:
		return "Remuxing"
	case StatusValidating:
		return "Validating"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	case StatusCancelled:
		return "Cancelled"
	default:
		return string(s)
	}
}
