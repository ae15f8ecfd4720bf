// Package bus is the sole entry and exit point for messages: it resolves
// recipients through the router, delivers over live channels or queues
// for offline agents, and keeps the delivery metrics.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/agentwire/agentwire/internal/event"
	"github.com/agentwire/agentwire/internal/protocol"
	"github.com/agentwire/agentwire/internal/registry"
	"github.com/agentwire/agentwire/internal/router"
)

// MetaInReplyTo links a task_response back to the message it answers.
const MetaInReplyTo = "in_reply_to"

// SessionObserver is notified of messages that belong to a session. The
// session manager implements it; the bus never mutates session state
// itself.
type SessionObserver interface {
	ObserveMessage(msg *protocol.AgentMessage)
	ActiveCount() int
}

// History records delivered and failed messages for the audit log.
// Implemented by the sqlite store; nil disables recording.
type History interface {
	RecordDelivery(msg *protocol.AgentMessage, recipient, status string) error
}

// AgentHealth is populated by an external health-check subsystem; the
// bus only stores and serves it.
type AgentHealth struct {
	AgentID   string    `json:"agent_id"`
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
	Detail    string    `json:"detail,omitempty"`
}

// Metrics is a point-in-time snapshot of bus activity.
type Metrics struct {
	TotalMessages   int64         `json:"total_messages"`
	ActiveSessions  int           `json:"active_sessions"`
	AgentCount      int           `json:"agent_count"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ErrorRate       float64       `json:"error_rate"`
	Uptime          time.Duration `json:"uptime"`
	Throughput      float64       `json:"throughput"` // messages/second, trailing window
}

// BroadcastResult partitions a broadcast's recipients. Successful and
// Failed are disjoint and together cover the input list.
type BroadcastResult struct {
	Successful []string `json:"successful"`
	Failed     []string `json:"failed"`
}

type Bus struct {
	registry *registry.Registry
	router   *router.Router
	events   *event.Emitter
	history  History
	sessions SessionObserver

	window time.Duration

	mu        sync.Mutex
	total     int64
	failed    int64
	pending   map[string]time.Time // task_request id -> delivery time
	respCount int64
	respSum   time.Duration
	recent    []time.Time
	health    map[string]*AgentHealth
	started   time.Time
}

func New(reg *registry.Registry, rt *router.Router, events *event.Emitter, window time.Duration) *Bus {
	if window <= 0 {
		window = time.Minute
	}
	return &Bus{
		registry: reg,
		router:   rt,
		events:   events,
		window:   window,
		pending:  make(map[string]time.Time),
		health:   make(map[string]*AgentHealth),
		started:  time.Now().UTC(),
	}
}

// SetHistory attaches the audit log.
func (b *Bus) SetHistory(h History) { b.history = h }

// SetSessionObserver attaches the session manager.
func (b *Bus) SetSessionObserver(s SessionObserver) { b.sessions = s }

// Send resolves the recipient and delivers the message, walking the
// router's candidate order and then the message's fallback agents before
// giving up. Returns true when one recipient accepted delivery (live
// channel or queue). Every call counts toward total_messages; failures
// feed the error rate and emit message_failed.
func (b *Bus) Send(msg *protocol.AgentMessage) bool {
	b.countMessage()

	frame, err := msg.Encode()
	if err != nil {
		b.fail(msg, "encode: "+err.Error())
		return false
	}

	order, err := b.router.Resolve(msg)
	if err != nil {
		b.fail(msg, err.Error())
		return false
	}

	for _, agentID := range order {
		if err := b.registry.Deliver(agentID, frame); err != nil {
			slog.Debug("delivery attempt failed", "message", msg.ID, "agent", agentID, "error", err)
			continue
		}
		b.delivered(msg, agentID)
		return true
	}

	b.fail(msg, "all candidates and fallbacks exhausted")
	return false
}

// Broadcast builds one full message per recipient from the partial
// template and sends each. A failure for one recipient never aborts
// delivery to the others; results are observed in recipient-list order.
func (b *Bus) Broadcast(senderID string, recipientIDs []string, partial *protocol.AgentMessage) BroadcastResult {
	var res BroadcastResult
	for _, id := range recipientIDs {
		msg := protocol.NewMessage(
			protocol.AgentIdentifier{AgentID: senderID},
			protocol.AgentIdentifier{AgentID: id},
			partial.Type,
			partial.Payload,
		)
		if partial.Priority != "" {
			msg.Priority = partial.Priority
		}
		msg.Routing = partial.Routing
		msg.Metadata = partial.Metadata

		if b.Send(msg) {
			res.Successful = append(res.Successful, id)
		} else {
			res.Failed = append(res.Failed, id)
		}
	}
	return res
}

// Metrics returns a point-in-time snapshot.
func (b *Bus) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	b.pruneRecent(now)

	m := Metrics{
		TotalMessages: b.total,
		AgentCount:    b.registry.Count(),
		Uptime:        now.Sub(b.started),
		Throughput:    float64(len(b.recent)) / b.window.Seconds(),
	}
	if b.total > 0 {
		m.ErrorRate = float64(b.failed) / float64(b.total)
	}
	if b.respCount > 0 {
		m.AvgResponseTime = b.respSum / time.Duration(b.respCount)
	}
	if b.sessions != nil {
		m.ActiveSessions = b.sessions.ActiveCount()
	}
	return m
}

// Health returns the agent's last health report, or nil until an external
// health-check subsystem has populated one.
func (b *Bus) Health(agentID string) *AgentHealth {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.health[agentID]
}

// SetHealth stores a health report produced by an external checker.
func (b *Bus) SetHealth(h *AgentHealth) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.health[h.AgentID] = h
}

func (b *Bus) countMessage() {
	b.mu.Lock()
	b.total++
	now := time.Now().UTC()
	b.recent = append(b.recent, now)
	b.pruneRecent(now)
	b.mu.Unlock()
}

// pruneRecent drops throughput samples older than the trailing window.
// Caller holds b.mu.
func (b *Bus) pruneRecent(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.recent) && b.recent[i].Before(cutoff) {
		i++
	}
	b.recent = b.recent[i:]
}

func (b *Bus) delivered(msg *protocol.AgentMessage, agentID string) {
	now := time.Now().UTC()

	b.mu.Lock()
	switch msg.Type {
	case protocol.TaskRequest:
		b.pending[msg.ID] = now
	case protocol.TaskResponse:
		if orig, ok := b.pending[msg.Metadata[MetaInReplyTo]]; ok {
			b.respSum += now.Sub(orig)
			b.respCount++
			delete(b.pending, msg.Metadata[MetaInReplyTo])
		}
	}
	b.mu.Unlock()

	if msg.Type == protocol.TaskRequest {
		b.registry.TrackDelivery(agentID)
	}
	if msg.Type == protocol.TaskResponse {
		b.registry.TrackResponse(msg.Sender.AgentID)
	}

	if b.sessions != nil && sessionOf(msg) != "" {
		b.sessions.ObserveMessage(msg)
	}
	if b.history != nil {
		if err := b.history.RecordDelivery(msg, agentID, "delivered"); err != nil {
			slog.Warn("history record failed", "message", msg.ID, "error", err)
		}
	}
}

func (b *Bus) fail(msg *protocol.AgentMessage, reason string) {
	b.mu.Lock()
	b.failed++
	b.mu.Unlock()

	slog.Warn("message failed", "message", msg.ID, "recipient", msg.Recipient.AgentID, "reason", reason)
	b.events.Emit(event.MessageFailed, event.MessagePayload{
		MessageID: msg.ID,
		Sender:    msg.Sender.AgentID,
		Recipient: msg.Recipient.AgentID,
		Reason:    reason,
	})
	if b.history != nil {
		if err := b.history.RecordDelivery(msg, msg.Recipient.AgentID, "failed"); err != nil {
			slog.Warn("history record failed", "message", msg.ID, "error", err)
		}
	}
}

func sessionOf(msg *protocol.AgentMessage) string {
	if msg.Sender.SessionID != "" {
		return msg.Sender.SessionID
	}
	return msg.Recipient.SessionID
}
