package stage

import (
	"context"

	"conveyor/internal/queue"
)

// Handler describes the contract the workflow manager needs from each stage.
type Handler interface {
	Prepare(context.Context, *queue.Item) error
	Execute(context.Context, *queue.Item) error
	HealthCheck(context.Context) Health
}

// Health is a stage's readiness report, surfaced through daemon status.
type Health struct {
	Name   string
	Ready  bool
	Detail string
}

// Healthy reports a stage as ready to accept work.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy reports a stage as unable to run, with the reason in Detail.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}
