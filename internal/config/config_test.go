package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.toml")
	cfg, resolved, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if exists {
		t.Fatal("expected exists=false for missing file")
	}
	if resolved != path {
		t.Fatalf("unexpected resolved path %q", resolved)
	}
	if cfg.Workflow.MaxActiveTasks != defaultMaxActiveTasks {
		t.Fatalf("expected default max_active_tasks, got %d", cfg.Workflow.MaxActiveTasks)
	}
}

func TestLoadParsesAndNormalizes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[paths]
staging_dir = "` + filepath.Join(dir, "staging") + `"
log_dir = "` + filepath.Join(dir, "logs") + `"

[workflow]
max_active_tasks = 7

[remux]
mode = "MP4Box"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to be found")
	}
	if cfg.Workflow.MaxActiveTasks != 7 {
		t.Fatalf("expected max_active_tasks=7, got %d", cfg.Workflow.MaxActiveTasks)
	}
	if cfg.Remux.Mode != "mp4box" {
		t.Fatalf("expected normalized remux mode, got %q", cfg.Remux.Mode)
	}
	if cfg.Fetch.ChunkSizeBytes != defaultFetchChunkSize {
		t.Fatalf("expected default chunk size, got %d", cfg.Fetch.ChunkSizeBytes)
	}
}

func TestValidateRejectsBadRemuxMode(t *testing.T) {
	cfg := Default()
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	cfg.Remux.Mode = "handbrake"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "remux.mode") {
		t.Fatalf("expected remux.mode error, got %v", err)
	}
}

func TestValidateRejectsNonPositiveGate(t *testing.T) {
	cfg := Default()
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	cfg.Workflow.MaxActiveTasks = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero max_active_tasks")
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Paths.StagingDir = filepath.Join(dir, "staging")
	cfg.Paths.LogDir = filepath.Join(dir, "logs")
	cfg.Paths.LibraryDir = filepath.Join(dir, "library")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, sub := range []string{"staging", "logs", "library"} {
		if _, err := os.Stat(filepath.Join(dir, sub)); err != nil {
			t.Fatalf("expected directory %s: %v", sub, err)
		}
	}
}

func TestWriteSampleRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := WriteSample(path); err != nil {
		t.Fatalf("WriteSample: %v", err)
	}
	if err := WriteSample(path); err == nil {
		t.Fatal("expected error when config already exists")
	}
}
