package queue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ContainerPlan describes how the decrypted elementary streams are assembled
// into the final container. Streams is populated by the decrypt stage; Mode
// selects the remux strategy (empty means the configured default); Container
// is the declared target extension used during validation; Tags are embedded
// as container metadata.
type ContainerPlan struct {
	Streams   []string          `json:"streams,omitempty"`
	Mode      string            `json:"mode,omitempty"`
	Container string            `json:"container"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Plan decodes the task's container plan.
func (i *Item) Plan() (ContainerPlan, error) {
	raw := strings.TrimSpace(i.PlanJSON)
	if raw == "" {
		return ContainerPlan{}, nil
	}
	var plan ContainerPlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return ContainerPlan{}, fmt.Errorf("decode container plan: %w", err)
	}
	return plan, nil
}

// SetPlan encodes and stores the container plan on the task.
func (i *Item) SetPlan(plan ContainerPlan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode container plan: %w", err)
	}
	i.PlanJSON = string(data)
	return nil
}
