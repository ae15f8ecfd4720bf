package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type MessageType string

const (
	TaskRequest  MessageType = "task_request"
	TaskResponse MessageType = "task_response"
	StatusUpdate MessageType = "status_update"
	ErrorMessage MessageType = "error"
	Heartbeat    MessageType = "heartbeat"
)

func (t MessageType) Valid() bool {
	switch t {
	case TaskRequest, TaskResponse, StatusUpdate, ErrorMessage, Heartbeat:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

type BackoffMode string

const (
	BackoffLinear      BackoffMode = "linear"
	BackoffExponential BackoffMode = "exponential"
)

type DeliveryMode string

const (
	DeliveryAsync DeliveryMode = "async"
	DeliverySync  DeliveryMode = "sync"
)

// AgentIdentifier names a message endpoint. The AgentID may be a concrete
// registered id or a selection criterion the router resolves (task type,
// capability tag, framework tag).
type AgentIdentifier struct {
	AgentID   string `json:"agent_id"`
	Framework string `json:"framework,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type RetryPolicy struct {
	MaxRetries int         `json:"max_retries"`
	Backoff    BackoffMode `json:"backoff,omitempty"`
}

// RoutingInfo carries per-message delivery preferences. Timeout is advisory
// to the caller that dispatched the task; the bus never expires messages on
// its own.
type RoutingInfo struct {
	Timeout        time.Duration `json:"timeout,omitempty"`
	Retry          RetryPolicy   `json:"retry,omitempty"`
	FallbackAgents []string      `json:"fallback_agents,omitempty"`
	DeliveryMode   DeliveryMode  `json:"delivery_mode,omitempty"`
}

// AgentMessage is the unit of exchange on the bus. Messages are never
// mutated after construction; responses reference the original by id.
type AgentMessage struct {
	ID        string            `json:"message_id"`
	Timestamp time.Time         `json:"timestamp"`
	Sender    AgentIdentifier   `json:"sender"`
	Recipient AgentIdentifier   `json:"recipient"`
	Type      MessageType       `json:"message_type"`
	Priority  Priority          `json:"priority"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Routing   RoutingInfo       `json:"routing,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewMessage constructs a message with a fresh id and timestamp. Type and
// priority default to task_request/medium when left empty.
func NewMessage(sender, recipient AgentIdentifier, msgType MessageType, payload json.RawMessage) *AgentMessage {
	if msgType == "" {
		msgType = TaskRequest
	}
	return &AgentMessage{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Sender:    sender,
		Recipient: recipient,
		Type:      msgType,
		Priority:  PriorityMedium,
		Payload:   payload,
	}
}

// Encode serializes the message for the delivery channel.
func (m *AgentMessage) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// DecodeMessage parses a wire frame into a message. Frames with an unknown
// message type are rejected so a channel reader can drop them without
// crashing.
func DecodeMessage(data []byte) (*AgentMessage, error) {
	var m AgentMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if !m.Type.Valid() {
		return nil, fmt.Errorf("decode message: unknown type %q", m.Type)
	}
	if m.Priority != "" && !m.Priority.Valid() {
		return nil, fmt.Errorf("decode message: unknown priority %q", m.Priority)
	}
	return &m, nil
}
