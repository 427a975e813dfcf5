package fileutil

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func TestCopyFileVerified(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")

	content := []byte("verified copy content")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := CopyFileVerified(src, dst); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Fatalf("content mismatch: got %q, want %q", got, content)
	}
}

func TestCopyFileVerified_MissingSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "nonexistent")
	dst := filepath.Join(dir, "dst.bin")

	err := CopyFileVerified(src, dst)
	if err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestMoveFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "artifact.partial")
	dst := filepath.Join(dir, "nested", "artifact.m4a")

	if err := os.WriteFile(src, []byte("final artifact"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := MoveFile(src, dst); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatal("expected source to be gone after move")
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "final artifact" {
		t.Fatalf("content mismatch: got %q", got)
	}
}

func TestMoveFileCrossFilesystemStagesCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "artifact.partial")
	dst := filepath.Join(dir, "library", "artifact.m4a")

	if err := os.WriteFile(src, []byte("final artifact"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Force the copy fallback as if src and dst were on different mounts.
	orig := renameFile
	renameFile = func(oldpath, newpath string) error {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EXDEV}
	}
	defer func() { renameFile = orig }()

	if err := MoveFile(src, dst); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "final artifact" {
		t.Fatalf("content mismatch: got %q", got)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatal("expected source to be gone after fallback move")
	}
	if _, err := os.Stat(dst + ".partial"); !os.IsNotExist(err) {
		t.Fatal("staged copy should be renamed away, not left behind")
	}
}

func TestNonEmptyFile(t *testing.T) {
	dir := t.TempDir()

	missing, err := NonEmptyFile(filepath.Join(dir, "missing"))
	if err != nil {
		t.Fatal(err)
	}
	if missing {
		t.Fatal("missing file reported non-empty")
	}

	empty := filepath.Join(dir, "empty")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	ok, err := NonEmptyFile(empty)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("empty file reported non-empty")
	}

	full := filepath.Join(dir, "full")
	if err := os.WriteFile(full, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	ok, err = NonEmptyFile(full)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("populated file reported empty")
	}
}
