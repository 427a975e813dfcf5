package queue

import (
	"fmt"
	"time"
)

// StateError reports an attempted status change outside the allowed
// transition table. It indicates a programming or concurrency bug (two
// drivers advancing one task); the orchestrator fails the task without retry.
type StateError struct {
	TaskID int64
	From   Status
	To     Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for task %d", e.From, e.To, e.TaskID)
}

// ErrorKind classifies StateError for status mapping.
func (e *StateError) ErrorKind() string { return "state" }

var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusFetching},
	StatusFetching:   {StatusDecrypting, StatusFailed},
	StatusDecrypting: {StatusRemuxing, StatusFailed},
	StatusRemuxing:   {StatusValidating, StatusFailed},
	StatusValidating: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is permitted.
func CanTransition(from, to Status) bool {
	if to == StatusCancelled {
		return !from.IsTerminal()
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition advances the task's status, enforcing the allowed-transition
// table. It is the only way status may change. On entering a new stage the
// progress fraction resets and the stage-entry timestamp is recorded; on
// stage success the last error is cleared.
func Transition(item *Item, to Status) error {
	if item == nil {
		return fmt.Errorf("task is nil")
	}
	from := item.Status
	if !CanTransition(from, to) {
		return &StateError{TaskID: item.ID, From: from, To: to}
	}

	now := time.Now().UTC()
	item.Status = to
	item.StageStartedAt = &now

	switch {
	case to == StatusFailed:
		// Error message is set by the caller via SetFailed semantics.
	case to == StatusCancelled:
		item.SetCancelled()
		item.StageStartedAt = &now
	case to == StatusCompleted:
		item.ErrorMessage = ""
		item.SetProgress(to.StageLabel(), "Artifact ready", 100)
		item.LastHeartbeat = nil
	default:
		item.ErrorMessage = ""
		item.AttemptCount = 0
		item.ProgressStage = to.StageLabel()
		item.ProgressPercent = 0
		item.ProgressMessage = to.StageLabel() + " started"
	}
	return nil
}
