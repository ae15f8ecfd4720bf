// Package session tracks multi-agent workflows: who participates, which
// step is current, and whether the session is still running. The manager
// emits delegation events but never sends messages itself; driving the
// bus is the orchestrating caller's job, as is deciding that a step has
// timed out.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentwire/agentwire/internal/event"
	"github.com/agentwire/agentwire/internal/protocol"
)

var (
	ErrUnknownSession     = errors.New("session not found")
	ErrSessionEnded       = errors.New("session already ended")
	ErrNoParticipants     = errors.New("session needs at least one participant")
	ErrNoOrchestrator     = errors.New("session needs an orchestrator")
	ErrInvalidStep        = errors.New("step not declared in workflow")
	ErrUnknownParticipant = errors.New("participant not in session")
	ErrInvalidTransition  = errors.New("invalid participant status transition")
)

// Recorder persists session records for the audit log. nil disables it.
type Recorder interface {
	RecordSession(s *Session) error
}

type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	events   *event.Emitter
	recorder Recorder
}

func NewManager(events *event.Emitter) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		events:   events,
	}
}

func (m *Manager) SetRecorder(r Recorder) { m.recorder = r }

// Create starts a session in the active state. It needs an orchestrator
// and at least one participant; participants default to active status.
// When steps are declared, the first becomes current and the rest pending.
func (m *Manager) Create(orchestrator protocol.AgentIdentifier, participants []Participant, steps []WorkflowStep) (*Session, error) {
	if orchestrator.AgentID == "" {
		return nil, ErrNoOrchestrator
	}
	if len(participants) == 0 {
		return nil, ErrNoParticipants
	}

	now := time.Now().UTC()
	s := &Session{
		ID:           uuid.New().String(),
		Orchestrator: orchestrator,
		Participants: make([]Participant, len(participants)),
		State:        StateActive,
		Context:      make(map[string]any),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for i, p := range participants {
		if p.Status == "" {
			p.Status = ParticipantActive
		}
		if p.JoinedAt.IsZero() {
			p.JoinedAt = now
		}
		s.Participants[i] = p
	}
	if len(steps) > 0 {
		s.Workflow.Steps = steps
		s.Workflow.CurrentStep = steps[0].Name
		for _, st := range steps[1:] {
			s.Workflow.PendingSteps = append(s.Workflow.PendingSteps, st.Name)
		}
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	slog.Info("session created", "session", s.ID, "orchestrator", orchestrator.AgentID, "participants", len(participants))
	m.record(s)
	return s.clone(), nil
}

// Get returns a snapshot of the session, or nil when unknown.
func (m *Manager) Get(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		return s.clone()
	}
	return nil
}

// List returns snapshots of all sessions.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.clone())
	}
	return out
}

// AddParticipant joins an agent to a running session.
func (m *Manager) AddParticipant(sessionID string, p Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.running(sessionID)
	if err != nil {
		return err
	}
	if s.participant(p.AgentID) != nil {
		return fmt.Errorf("agent %s already in session %s", p.AgentID, sessionID)
	}
	if p.Status == "" {
		p.Status = ParticipantActive
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now().UTC()
	}
	s.Participants = append(s.Participants, p)
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// RemoveParticipant marks the participant as left. Removing the last
// implementer does not end the session; that call belongs to the
// orchestrator.
func (m *Manager) RemoveParticipant(sessionID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.running(sessionID)
	if err != nil {
		return err
	}
	p := s.participant(agentID)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, agentID)
	}
	if !p.Status.canTransition(ParticipantLeft) {
		return fmt.Errorf("%w: %s -> left", ErrInvalidTransition, p.Status)
	}
	now := time.Now().UTC()
	p.Status = ParticipantLeft
	p.LeftAt = &now
	s.UpdatedAt = now
	return nil
}

// SetParticipantStatus applies one forward-only status transition.
func (m *Manager) SetParticipantStatus(sessionID, agentID string, status ParticipantStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.running(sessionID)
	if err != nil {
		return err
	}
	p := s.participant(agentID)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, agentID)
	}
	if !p.Status.canTransition(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, status)
	}
	p.Status = status
	if status == ParticipantLeft {
		now := time.Now().UTC()
		p.LeftAt = &now
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// Advance moves the workflow to nextStep, appending the prior step to the
// completed list. A step outside the declared list fails with
// ErrInvalidStep and leaves current_step unchanged.
func (m *Manager) Advance(sessionID, nextStep string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.running(sessionID)
	if err != nil {
		return err
	}
	if !s.Workflow.declared(nextStep) {
		return fmt.Errorf("%w: %q", ErrInvalidStep, nextStep)
	}

	if s.Workflow.CurrentStep != "" {
		s.Workflow.CompletedSteps = append(s.Workflow.CompletedSteps, s.Workflow.CurrentStep)
	}
	s.Workflow.CurrentStep = nextStep
	pending := s.Workflow.PendingSteps[:0]
	for _, name := range s.Workflow.PendingSteps {
		if name != nextStep {
			pending = append(pending, name)
		}
	}
	s.Workflow.PendingSteps = pending
	s.UpdatedAt = time.Now().UTC()

	slog.Info("workflow advanced", "session", sessionID, "step", nextStep)
	return nil
}

// Delegate records that a task was handed to a participant and emits
// task_delegated. It does not send the message; the caller drives the bus.
func (m *Manager) Delegate(sessionID, agentID, taskRef string) error {
	m.mu.Lock()
	s, err := m.running(sessionID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	p := s.participant(agentID)
	if p == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, agentID)
	}
	if p.Status.canTransition(ParticipantBusy) {
		p.Status = ParticipantBusy
	}
	s.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	slog.Info("task delegated", "session", sessionID, "agent", agentID, "task", taskRef)
	m.events.Emit(event.TaskDelegated, event.DelegationPayload{
		SessionID: sessionID,
		AgentID:   agentID,
		TaskRef:   taskRef,
	})
	return nil
}

// SetContext writes one key into the session's shared context.
func (m *Manager) SetContext(sessionID, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.running(sessionID)
	if err != nil {
		return err
	}
	s.Context[key] = value
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// Complete ends the session normally.
func (m *Manager) Complete(sessionID, summary string) error {
	if err := m.end(sessionID, StateCompleted, "", summary); err != nil {
		return err
	}
	m.events.Emit(event.SessionCompleted, event.SessionPayload{SessionID: sessionID, Summary: summary})
	return nil
}

// Terminate ends the session irrecoverably with a reason. Callers driving
// the event loop use it for step timeouts; the manager itself never runs
// a timer.
func (m *Manager) Terminate(sessionID, reason string) error {
	if err := m.end(sessionID, StateTerminated, reason, ""); err != nil {
		return err
	}
	m.events.Emit(event.SessionTerminated, event.SessionPayload{SessionID: sessionID, Reason: reason})
	return nil
}

func (m *Manager) end(sessionID string, final State, reason, summary string) error {
	m.mu.Lock()
	s, err := m.running(sessionID)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	now := time.Now().UTC()
	s.State = final
	s.EndedAt = &now
	s.EndReason = reason
	s.Summary = summary
	s.UpdatedAt = now
	for i := range s.Participants {
		if s.Participants[i].Status.canTransition(ParticipantTerminated) {
			s.Participants[i].Status = ParticipantTerminated
		}
	}
	m.mu.Unlock()

	slog.Info("session ended", "session", sessionID, "state", final, "reason", reason)
	m.record(s)
	return nil
}

// ActiveCount reports how many sessions are still running.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if !s.State.Terminal() {
			n++
		}
	}
	return n
}

// ObserveMessage lets the bus notify the manager of session traffic: a
// task_request marks the recipient participant busy, a task_response
// returns the sender to active.
func (m *Manager) ObserveMessage(msg *protocol.AgentMessage) {
	sessionID := msg.Sender.SessionID
	if sessionID == "" {
		sessionID = msg.Recipient.SessionID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.State.Terminal() {
		return
	}
	s.UpdatedAt = time.Now().UTC()

	switch msg.Type {
	case protocol.TaskRequest:
		if p := s.participant(msg.Recipient.AgentID); p != nil && p.Status.canTransition(ParticipantBusy) {
			p.Status = ParticipantBusy
		}
	case protocol.TaskResponse:
		if p := s.participant(msg.Sender.AgentID); p != nil && p.Status.canTransition(ParticipantActive) {
			p.Status = ParticipantActive
		}
	}
}

// running returns the live (non-ended) session. Caller holds m.mu.
func (m *Manager) running(sessionID string) (*Session, error) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if s.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionEnded, sessionID, s.State)
	}
	return s, nil
}

func (m *Manager) record(s *Session) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.RecordSession(s); err != nil {
		slog.Warn("session record failed", "session", s.ID, "error", err)
	}
}
