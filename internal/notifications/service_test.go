package notifications_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/notifications"
)

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = ""
	svc := notifications.NewService(&cfg)
	if err := svc.NotifyTaskCompleted(context.Background(), "/library/a.m4a", time.Minute); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestNtfyServiceSendsHeadersAndBody(t *testing.T) {
	var gotTitle, gotTags, gotPriority, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTitle = r.Header.Get("Title")
		gotTags = r.Header.Get("Tags")
		gotPriority = r.Header.Get("Priority")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.Errors = true
	cfg.Notifications.Completions = true
	svc := notifications.NewService(&cfg)

	if err := svc.NotifyTaskFailed(context.Background(), "/library/a.m4a", "fetch exhausted retries"); err != nil {
		t.Fatalf("NotifyTaskFailed returned error: %v", err)
	}

	if gotTitle != "Conveyor - Failed" {
		t.Errorf("unexpected title: %q", gotTitle)
	}
	if gotTags != "conveyor,task,failed" {
		t.Errorf("unexpected tags: %q", gotTags)
	}
	if gotPriority != "high" {
		t.Errorf("unexpected priority: %q", gotPriority)
	}
	if gotBody != "Task failed: /library/a.m4a\nfetch exhausted retries" {
		t.Errorf("unexpected body: %q", gotBody)
	}
}

func TestNtfyServiceHonorsCategoryToggles(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.Errors = false
	cfg.Notifications.Completions = false
	svc := notifications.NewService(&cfg)

	ctx := context.Background()
	if err := svc.NotifyTaskCompleted(ctx, "/library/a.m4a", time.Minute); err != nil {
		t.Fatalf("NotifyTaskCompleted returned error: %v", err)
	}
	if err := svc.NotifyError(ctx, errors.New("boom"), "fetch"); err != nil {
		t.Fatalf("NotifyError returned error: %v", err)
	}
	if requests != 0 {
		t.Fatalf("expected no requests with categories disabled, got %d", requests)
	}
}

func TestNtfyServiceSurfacesServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	svc := notifications.NewService(&cfg)

	if err := svc.TestNotification(context.Background()); err == nil {
		t.Fatal("expected error from 403 response")
	}
}
