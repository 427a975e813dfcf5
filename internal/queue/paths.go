package queue

import (
	"fmt"
	"path/filepath"
	"strings"
)

// StagingRoot returns the per-task staging directory rooted at base. The task
// uuid keeps reruns of the same destination from colliding.
func (i Item) StagingRoot(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return ""
	}
	segment := strings.TrimSpace(i.TaskUUID)
	if segment == "" {
		segment = fmt.Sprintf("task-%d", i.ID)
	} else {
		segment = "task-" + segment
	}
	return filepath.Join(base, "tasks", sanitizeSegment(segment))
}

// SourcePayload is the raw fetched payload inside the task work directory.
func (i Item) SourcePayload() string {
	if i.WorkDir == "" {
		return ""
	}
	return filepath.Join(i.WorkDir, "source.bin")
}

// DecryptedPayload is the plaintext payload produced by the decrypt stage.
func (i Item) DecryptedPayload() string {
	if i.WorkDir == "" {
		return ""
	}
	return filepath.Join(i.WorkDir, "decrypted.bin")
}

// StagedArtifact is the assembled container awaiting validation, named with
// the plan's container extension.
func (i Item) StagedArtifact(container string) string {
	if i.WorkDir == "" {
		return ""
	}
	ext := strings.TrimPrefix(strings.TrimSpace(container), ".")
	if ext == "" {
		ext = "bin"
	}
	return filepath.Join(i.WorkDir, "artifact."+ext)
}

func sanitizeSegment(value string) string {
	replacer := strings.NewReplacer("/", "-", "\\", "-", ":", "-", " ", "-")
	value = strings.Trim(replacer.Replace(value), "-_")
	if value == "" {
		return "task"
	}
	return value
}
