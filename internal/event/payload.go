package event

// Payload shapes for the closed event set. Keeping them here makes the
// contract between emitters and observers explicit.

type AgentPayload struct {
	AgentID   string `json:"agent_id"`
	Framework string `json:"framework,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type MessagePayload struct {
	MessageID string `json:"message_id"`
	Sender    string `json:"sender,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type SessionPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
	Summary   string `json:"summary,omitempty"`
}

type DelegationPayload struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	TaskRef   string `json:"task_ref"`
}

type AggregationPayload struct {
	AggregationID string `json:"aggregation_id"`
	SessionID     string `json:"session_id,omitempty"`
	Method        string `json:"method,omitempty"`
	Reason        string `json:"reason,omitempty"`
}
