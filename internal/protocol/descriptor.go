package protocol

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidDescriptor marks a registration record that failed validation.
// Invalid descriptors are never stored.
var ErrInvalidDescriptor = errors.New("invalid descriptor")

// PerformanceProfile is the agent's self-declared performance envelope,
// used by the priority load-balancing policy.
type PerformanceProfile struct {
	AvgLatency         time.Duration `json:"avg_latency"`
	SuccessRate        float64       `json:"success_rate"`
	ConcurrentCapacity int           `json:"concurrent_capacity"`
}

type Capabilities struct {
	InputTypes  []string `json:"input_types,omitempty"`
	OutputTypes []string `json:"output_types,omitempty"`
	Tools       []string `json:"tools,omitempty"`
	Languages   []string `json:"languages,omitempty"`

	// OptimalTasks is ranked: earlier entries are the agent's strongest
	// task types.
	OptimalTasks []string `json:"optimal_tasks,omitempty"`

	Performance PerformanceProfile `json:"performance"`
}

type DescriptorMeta struct {
	Version string   `json:"version,omitempty"`
	Author  string   `json:"author,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// AgentDescriptor is the registration record for one agent. It is immutable
// after registration except wholesale replacement on re-registration.
type AgentDescriptor struct {
	AgentID      string            `json:"agent_id"`
	Framework    string            `json:"framework"`
	Capabilities Capabilities      `json:"capabilities"`
	Endpoints    map[string]string `json:"endpoints,omitempty"`
	Metadata     DescriptorMeta    `json:"metadata,omitempty"`
}

// Validate checks required descriptor shape. Failures wrap
// ErrInvalidDescriptor so callers can classify them.
func (d *AgentDescriptor) Validate() error {
	if d.AgentID == "" {
		return fmt.Errorf("%w: missing agent_id", ErrInvalidDescriptor)
	}
	if d.Framework == "" {
		return fmt.Errorf("%w: missing framework", ErrInvalidDescriptor)
	}
	sr := d.Capabilities.Performance.SuccessRate
	if sr < 0 || sr > 1 {
		return fmt.Errorf("%w: success rate %v outside [0,1]", ErrInvalidDescriptor, sr)
	}
	if d.Capabilities.Performance.ConcurrentCapacity < 0 {
		return fmt.Errorf("%w: negative concurrent capacity", ErrInvalidDescriptor)
	}
	for _, task := range d.Capabilities.OptimalTasks {
		if task == "" {
			return fmt.Errorf("%w: empty optimal task entry", ErrInvalidDescriptor)
		}
	}
	for name, addr := range d.Endpoints {
		if name == "" || addr == "" {
			return fmt.Errorf("%w: empty endpoint entry", ErrInvalidDescriptor)
		}
	}
	return nil
}

// Identifier returns the identifier form of the descriptor.
func (d *AgentDescriptor) Identifier() AgentIdentifier {
	return AgentIdentifier{AgentID: d.AgentID, Framework: d.Framework}
}
