package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewMessageDefaults(t *testing.T) {
	sender := AgentIdentifier{AgentID: "a", Framework: "langchain"}
	recipient := AgentIdentifier{AgentID: "b"}

	msg := NewMessage(sender, recipient, "", json.RawMessage(`{"x":1}`))
	if msg.ID == "" {
		t.Error("missing message id")
	}
	if msg.Type != TaskRequest {
		t.Errorf("type = %s, want task_request default", msg.Type)
	}
	if msg.Priority != PriorityMedium {
		t.Errorf("priority = %s, want medium default", msg.Priority)
	}
	if msg.Timestamp.IsZero() || msg.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp = %v, want non-zero UTC", msg.Timestamp)
	}

	other := NewMessage(sender, recipient, TaskResponse, nil)
	if other.ID == msg.ID {
		t.Error("message ids must be unique")
	}
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	msg := NewMessage(
		AgentIdentifier{AgentID: "a", SessionID: "sess-1"},
		AgentIdentifier{AgentID: "b", Framework: "autogen"},
		TaskRequest,
		json.RawMessage(`{"task":"review"}`),
	)
	msg.Priority = PriorityHigh
	msg.Routing = RoutingInfo{
		Timeout:        30 * time.Second,
		Retry:          RetryPolicy{MaxRetries: 3, Backoff: BackoffExponential},
		FallbackAgents: []string{"c"},
		DeliveryMode:   DeliveryAsync,
	}
	msg.Metadata = map[string]string{"task_type": "code_review"}

	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != msg.ID || got.Sender.SessionID != "sess-1" || got.Priority != PriorityHigh {
		t.Errorf("roundtrip lost fields: %+v", got)
	}
	if got.Routing.Retry.Backoff != BackoffExponential || len(got.Routing.FallbackAgents) != 1 {
		t.Errorf("routing lost: %+v", got.Routing)
	}
	if got.Metadata["task_type"] != "code_review" {
		t.Errorf("metadata lost: %v", got.Metadata)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	frame := `{"message_id":"x","message_type":"gossip","sender":{"agent_id":"a"},"recipient":{"agent_id":"b"}}`
	_, err := DecodeMessage([]byte(frame))
	if err == nil || !strings.Contains(err.Error(), "unknown type") {
		t.Fatalf("expected unknown type error, got %v", err)
	}
}

func TestDecodeRejectsUnknownPriority(t *testing.T) {
	frame := `{"message_id":"x","message_type":"task_request","priority":"urgent","sender":{"agent_id":"a"},"recipient":{"agent_id":"b"}}`
	_, err := DecodeMessage([]byte(frame))
	if err == nil || !strings.Contains(err.Error(), "unknown priority") {
		t.Fatalf("expected unknown priority error, got %v", err)
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	if _, err := DecodeMessage([]byte(`{"message_id":`)); err == nil {
		t.Fatal("expected decode error for truncated frame")
	}
}

func TestDescriptorValidate(t *testing.T) {
	valid := func() *AgentDescriptor {
		return &AgentDescriptor{
			AgentID:   "a1",
			Framework: "langchain",
			Capabilities: Capabilities{
				OptimalTasks: []string{"review"},
				Performance:  PerformanceProfile{SuccessRate: 0.9, ConcurrentCapacity: 2},
			},
			Endpoints: map[string]string{"ws": "ws://localhost:8080/ws/channel/a1"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*AgentDescriptor)
		wantErr bool
	}{
		{"valid", func(d *AgentDescriptor) {}, false},
		{"missing agent id", func(d *AgentDescriptor) { d.AgentID = "" }, true},
		{"missing framework", func(d *AgentDescriptor) { d.Framework = "" }, true},
		{"success rate above one", func(d *AgentDescriptor) { d.Capabilities.Performance.SuccessRate = 1.2 }, true},
		{"negative success rate", func(d *AgentDescriptor) { d.Capabilities.Performance.SuccessRate = -0.1 }, true},
		{"negative capacity", func(d *AgentDescriptor) { d.Capabilities.Performance.ConcurrentCapacity = -1 }, true},
		{"empty optimal task", func(d *AgentDescriptor) { d.Capabilities.OptimalTasks = []string{""} }, true},
		{"empty endpoint address", func(d *AgentDescriptor) { d.Endpoints = map[string]string{"ws": ""} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid()
			tt.mutate(d)
			err := d.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidDescriptor) {
					t.Errorf("expected ErrInvalidDescriptor, got %v", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestDescriptorIdentifier(t *testing.T) {
	d := &AgentDescriptor{AgentID: "a1", Framework: "crewai"}
	id := d.Identifier()
	if id.AgentID != "a1" || id.Framework != "crewai" {
		t.Errorf("identifier = %+v", id)
	}
}

func TestMessageTypeValid(t *testing.T) {
	for _, mt := range []MessageType{TaskRequest, TaskResponse, StatusUpdate, ErrorMessage, Heartbeat} {
		if !mt.Valid() {
			t.Errorf("%s should be valid", mt)
		}
	}
	if MessageType("gossip").Valid() {
		t.Error("unknown type accepted")
	}
}
