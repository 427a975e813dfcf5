// Package staging reclaims disk space from abandoned task work directories.
package staging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"conveyor/internal/logging"
)

// CleanResult contains the outcome of a work directory cleanup operation.
type CleanResult struct {
	Removed []string
	Errors  []CleanupError
}

// CleanupError pairs a directory path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

// CleanStale removes task work directories older than maxAge. Directories
// belonging to live tasks stay untouched regardless of age.
func CleanStale(ctx context.Context, stagingDir string, maxAge time.Duration, active map[string]struct{}, logger *slog.Logger) CleanResult {
	result := CleanResult{}

	taskRoot := taskRootDir(stagingDir)
	if taskRoot == "" {
		return result
	}

	entries, err := os.ReadDir(taskRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, CleanupError{Path: taskRoot, Error: err})
		}
		return result
	}

	cutoff := time.Now().Add(-maxAge)

	for _, entry := range entries {
		if ctx.Err() != nil {
			return result
		}
		if !entry.IsDir() {
			continue
		}
		if _, live := active[entry.Name()]; live {
			continue
		}

		dirPath := filepath.Join(taskRoot, entry.Name())
		info, err := entry.Info()
		if err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dirPath, Error: err})
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		if err := os.RemoveAll(dirPath); err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dirPath, Error: err})
			if logger != nil {
				logger.Warn("failed to remove stale work directory",
					logging.String("path", dirPath),
					logging.Error(err),
					logging.String(logging.FieldEventType, "staging_cleanup_failed"),
					logging.String(logging.FieldErrorHint, "check staging_dir permissions"),
				)
			}
			continue
		}
		result.Removed = append(result.Removed, dirPath)
		if logger != nil {
			logger.Info("removed stale work directory",
				logging.String("path", dirPath),
				logging.Duration("age", time.Since(info.ModTime())),
				logging.String(logging.FieldEventType, "staging_cleanup"),
			)
		}
	}

	return result
}

// RemoveTaskDir deletes a single task work directory after terminal states.
func RemoveTaskDir(workDir string, logger *slog.Logger) error {
	workDir = strings.TrimSpace(workDir)
	if workDir == "" {
		return nil
	}
	if err := os.RemoveAll(workDir); err != nil {
		if logger != nil {
			logger.Warn("failed to remove work directory",
				logging.String("path", workDir),
				logging.Error(err))
		}
		return err
	}
	return nil
}

func taskRootDir(stagingDir string) string {
	stagingDir = strings.TrimSpace(stagingDir)
	if stagingDir == "" {
		return ""
	}
	return filepath.Join(stagingDir, "tasks")
}
