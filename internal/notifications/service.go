package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"conveyor/internal/config"
)

const userAgent = "Conveyor/0.1.0"

// Service defines the notification surface exposed to workflow components.
type Service interface {
	NotifyTaskQueued(ctx context.Context, destination string) error
	NotifyFetchComplete(ctx context.Context, destination string) error
	NotifyTaskCompleted(ctx context.Context, destination string, duration time.Duration) error
	NotifyQueueDrained(ctx context.Context) error
	NotifyTaskFailed(ctx context.Context, destination, reason string) error
	NotifyTaskCancelled(ctx context.Context, destination string) error
	NotifyError(ctx context.Context, err error, context string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:    topic,
		client:      &http.Client{Timeout: timeout},
		errors:      cfg.Notifications.Errors,
		completions: cfg.Notifications.Completions,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint    string
	client      *http.Client
	errors      bool
	completions bool
}

func (n *ntfyService) NotifyTaskQueued(ctx context.Context, destination string) error {
	if !n.completions {
		return nil
	}
	data := payload{
		title:   "Conveyor - Task Queued",
		message: fmt.Sprintf("Queued: %s", strings.TrimSpace(destination)),
		tags:    []string{"conveyor", "queue", "added"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyFetchComplete(ctx context.Context, destination string) error {
	if !n.completions {
		return nil
	}
	data := payload{
		title:   "Conveyor - Fetched",
		message: fmt.Sprintf("Source fetched: %s", strings.TrimSpace(destination)),
		tags:    []string{"conveyor", "task", "fetched"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyTaskCompleted(ctx context.Context, destination string, duration time.Duration) error {
	if !n.completions {
		return nil
	}
	duration = duration.Round(time.Second)
	if duration < 0 {
		duration = 0
	}
	data := payload{
		title:    "Conveyor - Complete",
		message:  fmt.Sprintf("Artifact ready: %s (%s)", strings.TrimSpace(destination), duration),
		tags:     []string{"conveyor", "task", "completed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyTaskFailed(ctx context.Context, destination, reason string) error {
	if !n.errors {
		return nil
	}
	message := fmt.Sprintf("Task failed: %s", strings.TrimSpace(destination))
	if reason = strings.TrimSpace(reason); reason != "" {
		message = fmt.Sprintf("%s\n%s", message, reason)
	}
	data := payload{
		title:    "Conveyor - Failed",
		message:  message,
		tags:     []string{"conveyor", "task", "failed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyQueueDrained(ctx context.Context) error {
	if !n.completions {
		return nil
	}
	data := payload{
		title:   "Conveyor - Queue Drained",
		message: "All queued tasks have finished",
		tags:    []string{"conveyor", "queue", "drained"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyTaskCancelled(ctx context.Context, destination string) error {
	if !n.completions {
		return nil
	}
	data := payload{
		title:   "Conveyor - Cancelled",
		message: fmt.Sprintf("Task cancelled: %s", strings.TrimSpace(destination)),
		tags:    []string{"conveyor", "task", "cancelled"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyError(ctx context.Context, err error, contextLabel string) error {
	if !n.errors {
		return nil
	}
	var builder strings.Builder
	builder.WriteString("Error")
	if contextLabel = strings.TrimSpace(contextLabel); contextLabel != "" {
		builder.WriteString(" with ")
		builder.WriteString(contextLabel)
	}
	builder.WriteString(": ")
	if err != nil {
		builder.WriteString(strings.TrimSpace(err.Error()))
	} else {
		builder.WriteString("unknown")
	}

	data := payload{
		title:    "Conveyor - Error",
		message:  builder.String(),
		tags:     []string{"conveyor", "error", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "Conveyor - Test",
		message:  "Notification system test",
		tags:     []string{"conveyor", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyTaskQueued(context.Context, string) error                   { return nil }
func (noopService) NotifyFetchComplete(context.Context, string) error                { return nil }
func (noopService) NotifyTaskCompleted(context.Context, string, time.Duration) error { return nil }
func (noopService) NotifyQueueDrained(context.Context) error                         { return nil }
func (noopService) NotifyTaskFailed(context.Context, string, string) error           { return nil }
func (noopService) NotifyTaskCancelled(context.Context, string) error                { return nil }
func (noopService) NotifyError(context.Context, error, string) error                 { return nil }
func (noopService) TestNotification(context.Context) error                           { return nil }
