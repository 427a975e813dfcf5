package remux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"conveyor/internal/logging"
	"conveyor/internal/queue"
	"conveyor/internal/services"
	"conveyor/internal/testsupport"
)

type fakeMuxer struct {
	inputs  []string
	output  string
	tags    map[string]string
	err     error
	noWrite bool
}

func (f *fakeMuxer) Remux(ctx context.Context, inputs []string, outputPath string, tagMap map[string]string) error {
	f.inputs = append([]string(nil), inputs...)
	f.output = outputPath
	f.tags = tagMap
	if f.err != nil {
		return f.err
	}
	if f.noWrite {
		return nil
	}
	return os.WriteFile(outputPath, []byte("assembled"), 0o644)
}

func setup(t *testing.T, muxer Muxer) (*Remuxer, *queue.Item) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	item := testsupport.NewTask(t, store, "https://cdn.example.com/r.m4a", "/library/r.m4a")
	item.WorkDir = t.TempDir()
	r := NewWithBackends(cfg, store, logging.NewNop(), map[string]Muxer{"ffmpeg": muxer, "mp4box": muxer})
	return r, item
}

func TestExecuteAssemblesDefaultInput(t *testing.T) {
	muxer := &fakeMuxer{}
	r, item := setup(t, muxer)
	testsupport.WriteFile(t, item.DecryptedPayload(), 4096)
	if err := item.SetPlan(queue.ContainerPlan{Container: "m4a", Tags: map[string]string{"Title": " Sample "}}); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	ctx := context.Background()
	if err := r.Prepare(ctx, item); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := r.Execute(ctx, item); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if len(muxer.inputs) != 1 || muxer.inputs[0] != item.DecryptedPayload() {
		t.Fatalf("unexpected inputs: %v", muxer.inputs)
	}
	if muxer.output != item.StagedArtifact("m4a") {
		t.Fatalf("unexpected output: %q", muxer.output)
	}
	if muxer.tags["title"] != "Sample" {
		t.Fatalf("tags not sanitized: %v", muxer.tags)
	}
	if _, err := os.Stat(item.StagedArtifact("m4a")); err != nil {
		t.Fatalf("expected staged artifact: %v", err)
	}
}

func TestExecuteResolvesPlannedStreams(t *testing.T) {
	muxer := &fakeMuxer{}
	r, item := setup(t, muxer)
	testsupport.WriteFile(t, item.DecryptedPayload(), 1024)
	testsupport.WriteFile(t, filepath.Join(item.WorkDir, "video.mp4"), 2048)
	testsupport.WriteFile(t, filepath.Join(item.WorkDir, "audio.m4a"), 2048)
	if err := item.SetPlan(queue.ContainerPlan{
		Streams:   []string{"video.mp4", "audio.m4a"},
		Container: "mp4",
	}); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	if err := r.Execute(context.Background(), item); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(muxer.inputs) != 2 {
		t.Fatalf("expected 2 inputs, got %v", muxer.inputs)
	}
}

func TestExecuteRejectsMissingStream(t *testing.T) {
	muxer := &fakeMuxer{}
	r, item := setup(t, muxer)
	testsupport.WriteFile(t, item.DecryptedPayload(), 1024)
	if err := item.SetPlan(queue.ContainerPlan{Streams: []string{"missing.mp4"}, Container: "mp4"}); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	err := r.Execute(context.Background(), item)
	if err == nil {
		t.Fatal("expected error for missing stream")
	}
	if services.IsTransient(err) {
		t.Fatal("missing planned stream must not be retried")
	}
}

func TestExecuteRejectsUnknownMode(t *testing.T) {
	muxer := &fakeMuxer{}
	r, item := setup(t, muxer)
	testsupport.WriteFile(t, item.DecryptedPayload(), 1024)
	if err := item.SetPlan(queue.ContainerPlan{Mode: "handbrake", Container: "m4a"}); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	err := r.Execute(context.Background(), item)
	if err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if services.Details(err).Kind != services.KindValidation {
		t.Fatalf("expected validation kind, got %v", services.Details(err).Kind)
	}
}

func TestExecuteClassifiesToolFailure(t *testing.T) {
	muxer := &fakeMuxer{err: errors.New("muxer exploded")}
	r, item := setup(t, muxer)
	testsupport.WriteFile(t, item.DecryptedPayload(), 1024)
	if err := item.SetPlan(queue.ContainerPlan{Container: "m4a"}); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	err := r.Execute(context.Background(), item)
	if err == nil {
		t.Fatal("expected error from failing muxer")
	}
	if services.Details(err).Kind != services.KindExternalTool {
		t.Fatalf("expected external tool kind, got %v", services.Details(err).Kind)
	}
	if services.IsTransient(err) {
		t.Fatal("ordinary muxer failures must not be retried")
	}
}

func muxerExit(t *testing.T, code int) error {
	t.Helper()
	err := exec.Command("sh", "-c", fmt.Sprintf("exit %d", code)).Run()
	var exit *exec.ExitError
	if !errors.As(err, &exit) {
		t.Fatalf("expected exit error, got %v", err)
	}
	return fmt.Errorf("ffmpeg remux failed: %w", err)
}

func TestExecuteRetriesFlakyToolExit(t *testing.T) {
	for _, code := range []int{11, 137} {
		muxer := &fakeMuxer{err: muxerExit(t, code)}
		r, item := setup(t, muxer)
		testsupport.WriteFile(t, item.DecryptedPayload(), 1024)
		if err := item.SetPlan(queue.ContainerPlan{Container: "m4a"}); err != nil {
			t.Fatalf("SetPlan: %v", err)
		}

		err := r.Execute(context.Background(), item)
		if err == nil {
			t.Fatalf("expected error for exit code %d", code)
		}
		if !services.IsTransient(err) {
			t.Fatalf("exit code %d should be retried, got %v", code, err)
		}
	}
}

func TestExecuteDoesNotRetryOrdinaryToolExit(t *testing.T) {
	muxer := &fakeMuxer{err: muxerExit(t, 1)}
	r, item := setup(t, muxer)
	testsupport.WriteFile(t, item.DecryptedPayload(), 1024)
	if err := item.SetPlan(queue.ContainerPlan{Container: "m4a"}); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	err := r.Execute(context.Background(), item)
	if err == nil {
		t.Fatal("expected error for exit code 1")
	}
	if services.IsTransient(err) {
		t.Fatalf("exit code 1 must not be retried, got %v", err)
	}
}

func TestExecuteRejectsEmptyArtifact(t *testing.T) {
	muxer := &fakeMuxer{noWrite: true}
	r, item := setup(t, muxer)
	testsupport.WriteFile(t, item.DecryptedPayload(), 1024)
	if err := item.SetPlan(queue.ContainerPlan{Container: "m4a"}); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	if err := r.Execute(context.Background(), item); err == nil {
		t.Fatal("expected error when muxer produces nothing")
	}
}

func TestExecuteDefaultsContainerFromDestination(t *testing.T) {
	muxer := &fakeMuxer{}
	r, item := setup(t, muxer)
	testsupport.WriteFile(t, item.DecryptedPayload(), 1024)
	if err := item.SetPlan(queue.ContainerPlan{}); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	if err := r.Execute(context.Background(), item); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if muxer.output != item.StagedArtifact("m4a") {
		t.Fatalf("expected container derived from destination, got %q", muxer.output)
	}
}

func TestPrepareRequiresDecryptedPayload(t *testing.T) {
	r, item := setup(t, &fakeMuxer{})
	err := r.Prepare(context.Background(), item)
	if err == nil {
		t.Fatal("expected error for missing payload")
	}
	if services.Details(err).Kind != services.KindValidation {
		t.Fatalf("expected validation kind, got %v", services.Details(err).Kind)
	}
}
