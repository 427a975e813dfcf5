package stage

import (
	"testing"

	"conveyor/internal/queue"
)

func TestTaskPlanValid(t *testing.T) {
	item := &queue.Item{PlanJSON: `{"streams":["audio.m4a"],"mode":"ffmpeg","container":"m4a"}`}
	plan, err := TaskPlan(item)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Container != "m4a" {
		t.Fatalf("unexpected container: %q", plan.Container)
	}
}

func TestTaskPlanInvalid(t *testing.T) {
	item := &queue.Item{PlanJSON: "{invalid json"}
	if _, err := TaskPlan(item); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestTaskProtectionEmptyDefaultsToNone(t *testing.T) {
	protection, err := TaskProtection(&queue.Item{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if protection.Scheme != queue.ProtectionNone {
		t.Fatalf("unexpected scheme: %q", protection.Scheme)
	}
}
