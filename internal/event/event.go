// Package event is the bus's extension point: a typed publish/subscribe
// emitter with a closed set of event names. Components emit, observers
// subscribe; there is no ambient listener registration.
package event

import (
	"log/slog"
	"sync"
	"time"
)

type Type string

const (
	AgentRegistered    Type = "agent_registered"
	AgentUnregistered  Type = "agent_unregistered"
	AgentConnected     Type = "agent_connected"
	AgentDisconnected  Type = "agent_disconnected"
	MessageFailed      Type = "message_failed"
	TaskDelegated      Type = "task_delegated"
	SessionCompleted   Type = "session_completed"
	SessionTerminated  Type = "session_terminated"
	AggregationStarted Type = "aggregation_started"
	SynthesisCompleted Type = "synthesis_completed"
	SynthesisFailed    Type = "synthesis_failed"
)

type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

type Handler func(Event)

// Emitter fans events out to subscribed handlers. Handlers run
// synchronously in emit order; a panicking handler is recovered and logged
// so one bad observer cannot take down the bus.
type Emitter struct {
	mu   sync.RWMutex
	subs map[Type][]Handler
	all  []Handler
}

func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[Type][]Handler)}
}

// Subscribe registers a handler for one event type.
func (e *Emitter) Subscribe(t Type, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs[t] = append(e.subs[t], h)
}

// SubscribeAll registers a handler for every event type.
func (e *Emitter) SubscribeAll(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, h)
}

// Emit delivers the event to type-specific handlers first, then catch-all
// handlers, in subscription order.
func (e *Emitter) Emit(t Type, payload any) {
	ev := Event{Type: t, Timestamp: time.Now().UTC(), Payload: payload}

	e.mu.RLock()
	handlers := make([]Handler, 0, len(e.subs[t])+len(e.all))
	handlers = append(handlers, e.subs[t]...)
	handlers = append(handlers, e.all...)
	e.mu.RUnlock()

	for _, h := range handlers {
		invoke(h, ev)
	}
}

func invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "event", ev.Type, "panic", r)
		}
	}()
	h(ev)
}
