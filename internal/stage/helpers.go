package stage

import (
	"conveyor/internal/queue"
	"conveyor/internal/services"
)

// TaskPlan decodes the task's container plan. On failure it returns a
// services.ErrValidation suitable for stage Execute methods.
func TaskPlan(item *queue.Item) (queue.ContainerPlan, error) {
	plan, err := item.Plan()
	if err != nil {
		return queue.ContainerPlan{}, services.Wrap(
			services.ErrValidation, "stage", "parse container plan",
			"Container plan missing or invalid; resubmit the task", err)
	}
	return plan, nil
}

// TaskProtection decodes the task's protection descriptor. On failure it
// returns a services.ErrValidation suitable for stage Execute methods.
func TaskProtection(item *queue.Item) (queue.Protection, error) {
	protection, err := item.Protection()
	if err != nil {
		return queue.Protection{}, services.Wrap(
			services.ErrValidation, "stage", "parse protection",
			"Protection descriptor invalid; resubmit the task", err)
	}
	return protection, nil
}
