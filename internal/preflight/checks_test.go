package preflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"conveyor/internal/testsupport"
)

func TestCheckDirectoryAccess(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("Staging directory", dir)
	if !result.Passed {
		t.Fatalf("expected pass for writable dir: %s", result.Detail)
	}

	result = CheckDirectoryAccess("Staging directory", filepath.Join(dir, "missing"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}

	file := filepath.Join(dir, "file")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result = CheckDirectoryAccess("Staging directory", file)
	if result.Passed {
		t.Fatal("expected failure for non-directory")
	}
}

func TestCheckSystemDepsMarksInactiveBackendOptional(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Remux.Mode = "ffmpeg"
	cfg.Decrypt.ResolverURL = ""

	statuses := CheckSystemDeps(context.Background(), cfg)
	byName := map[string]bool{}
	for _, status := range statuses {
		byName[status.Name] = status.Optional
	}
	if byName["FFmpeg"] {
		t.Fatal("active backend must not be optional")
	}
	if !byName["MP4Box"] {
		t.Fatal("inactive backend should be optional")
	}
	if !byName["mp4decrypt"] {
		t.Fatal("mp4decrypt should be optional without a key vault")
	}
}

func TestCheckKeyVault(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	cfg.Decrypt.ResolverURL = ""
	result := CheckKeyVault(context.Background(), cfg)
	if !result.Passed {
		t.Fatalf("unconfigured vault should pass with note: %s", result.Detail)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad probe", http.StatusBadRequest)
	}))
	defer server.Close()
	cfg.Decrypt.ResolverURL = server.URL
	result = CheckKeyVault(context.Background(), cfg)
	if !result.Passed {
		t.Fatalf("reachable vault should pass even when it rejects the probe: %s", result.Detail)
	}

	server.Close()
	result = CheckKeyVault(context.Background(), cfg)
	if result.Passed {
		t.Fatal("unreachable vault must fail")
	}
}
