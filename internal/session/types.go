package session

import (
	"time"

	"github.com/agentwire/agentwire/internal/protocol"
)

type State string

const (
	StateCreated    State = "created"
	StateActive     State = "active"
	StateCompleted  State = "completed"
	StateTerminated State = "terminated"
)

// Terminal reports whether the session can no longer change.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateTerminated
}

type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleImplementer  Role = "implementer"
	RoleReviewer     Role = "reviewer"
	RoleTester       Role = "tester"
	RoleObserver     Role = "observer"
)

type ParticipantStatus string

const (
	ParticipantActive     ParticipantStatus = "active"
	ParticipantWaiting    ParticipantStatus = "waiting"
	ParticipantBusy       ParticipantStatus = "busy"
	ParticipantLeft       ParticipantStatus = "left"
	ParticipantTerminated ParticipantStatus = "session_terminated"
)

// terminal statuses never transition again
func (s ParticipantStatus) terminal() bool {
	return s == ParticipantLeft || s == ParticipantTerminated
}

// canTransition enforces the forward-only participant status machine:
// active, waiting and busy rotate freely; left and session_terminated are
// reachable from anywhere and final.
func (s ParticipantStatus) canTransition(to ParticipantStatus) bool {
	if s.terminal() {
		return false
	}
	switch to {
	case ParticipantActive, ParticipantWaiting, ParticipantBusy,
		ParticipantLeft, ParticipantTerminated:
		return true
	}
	return false
}

type Participant struct {
	AgentID   string            `json:"agent_id"`
	Framework string            `json:"framework,omitempty"`
	Role      Role              `json:"role"`
	Status    ParticipantStatus `json:"status"`
	JoinedAt  time.Time         `json:"joined_at"`
	LeftAt    *time.Time        `json:"left_at,omitempty"`
}

// WorkflowStep is one declared step of a session's plan.
type WorkflowStep struct {
	Name              string        `json:"name"`
	RequiredAgents    []string      `json:"required_agents,omitempty"`
	OptionalAgents    []string      `json:"optional_agents,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
	DependsOn         []string      `json:"depends_on,omitempty"`
	Outputs           []string      `json:"outputs,omitempty"`
}

type WorkflowState struct {
	CurrentStep    string         `json:"current_step,omitempty"`
	CompletedSteps []string       `json:"completed_steps,omitempty"`
	PendingSteps   []string       `json:"pending_steps,omitempty"`
	Steps          []WorkflowStep `json:"steps,omitempty"`
}

// declared reports whether name is in the declared step list. A session
// with no declared list accepts any step name.
func (w *WorkflowState) declared(name string) bool {
	if len(w.Steps) == 0 {
		return true
	}
	for _, s := range w.Steps {
		if s.Name == name {
			return true
		}
	}
	return false
}

// Session is one running multi-agent workflow.
type Session struct {
	ID           string                   `json:"session_id"`
	Orchestrator protocol.AgentIdentifier `json:"orchestrator"`
	Participants []Participant            `json:"participants"`
	Workflow     WorkflowState            `json:"workflow"`
	Context      map[string]any           `json:"context,omitempty"`
	State        State                    `json:"state"`
	CreatedAt    time.Time                `json:"created_at"`
	UpdatedAt    time.Time                `json:"updated_at"`
	EndedAt      *time.Time               `json:"ended_at,omitempty"`
	EndReason    string                   `json:"end_reason,omitempty"`
	Summary      string                   `json:"summary,omitempty"`
}

func (s *Session) participant(agentID string) *Participant {
	for i := range s.Participants {
		if s.Participants[i].AgentID == agentID {
			return &s.Participants[i]
		}
	}
	return nil
}

// clone returns a deep copy so callers never hold references into
// manager-owned state.
func (s *Session) clone() *Session {
	out := *s
	out.Participants = make([]Participant, len(s.Participants))
	copy(out.Participants, s.Participants)
	out.Workflow.CompletedSteps = append([]string(nil), s.Workflow.CompletedSteps...)
	out.Workflow.PendingSteps = append([]string(nil), s.Workflow.PendingSteps...)
	out.Workflow.Steps = append([]WorkflowStep(nil), s.Workflow.Steps...)
	if s.Context != nil {
		out.Context = make(map[string]any, len(s.Context))
		for k, v := range s.Context {
			out.Context[k] = v
		}
	}
	return &out
}
