// Package registry is the single source of truth for which agents exist
// and how to reach them right now. It owns the descriptor map, each
// agent's live delivery channel, and its offline message queue; no other
// component touches these directly.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentwire/agentwire/internal/event"
	"github.com/agentwire/agentwire/internal/protocol"
)

var (
	ErrDuplicateAgent = errors.New("agent already registered")
	ErrUnknownAgent   = errors.New("agent not registered")
	ErrQueueFull      = errors.New("agent queue full")
)

// Channel is a live delivery path to a connected agent. Implementations
// wrap a transport (websocket, NATS subject, in-process pipe for tests).
type Channel interface {
	// Send writes one serialized AgentMessage frame.
	Send(frame []byte) error
	// Close tears the channel down, telling the peer why.
	Close(reason string) error
}

type entry struct {
	desc      *protocol.AgentDescriptor
	channel   Channel
	queue     [][]byte
	order     int // registration order, used for deterministic tie-breaks
	inflight  int
	connected time.Time
}

type Registry struct {
	mu       sync.Mutex
	agents   map[string]*entry
	queueCap int
	nextOrd  int
	events   *event.Emitter
}

func New(queueCap int, events *event.Emitter) *Registry {
	if queueCap <= 0 {
		queueCap = 256
	}
	return &Registry{
		agents:   make(map[string]*entry),
		queueCap: queueCap,
		events:   events,
	}
}

// Register stores a validated descriptor and initializes an empty queue.
// A duplicate agent_id fails with ErrDuplicateAgent and changes nothing.
func (r *Registry) Register(desc *protocol.AgentDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.agents[desc.AgentID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, desc.AgentID)
	}
	r.agents[desc.AgentID] = &entry{desc: desc, order: r.nextOrd}
	r.nextOrd++
	r.mu.Unlock()

	slog.Info("agent registered", "agent", desc.AgentID, "framework", desc.Framework)
	r.events.Emit(event.AgentRegistered, event.AgentPayload{
		AgentID:   desc.AgentID,
		Framework: desc.Framework,
	})
	return nil
}

// Unregister removes the agent, force-closing any live channel and
// discarding its queue. Returns whether an entry existed.
func (r *Registry) Unregister(agentID string) bool {
	r.mu.Lock()
	e, exists := r.agents[agentID]
	if exists {
		delete(r.agents, agentID)
	}
	r.mu.Unlock()

	if !exists {
		return false
	}
	if e.channel != nil {
		_ = e.channel.Close("agent unregistered")
	}

	slog.Info("agent unregistered", "agent", agentID, "queued_discarded", len(e.queue))
	r.events.Emit(event.AgentUnregistered, event.AgentPayload{
		AgentID:   agentID,
		Framework: e.desc.Framework,
	})
	return true
}

// Connect binds ch as the agent's live delivery path and flushes queued
// messages through it in FIFO order. Channels for unknown agents are
// closed with a distinguishing reason. If a flush send fails the channel
// is unbound and the unflushed tail stays queued.
func (r *Registry) Connect(agentID string, ch Channel) error {
	r.mu.Lock()
	e, exists := r.agents[agentID]
	if !exists {
		r.mu.Unlock()
		_ = ch.Close("agent not registered")
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	if e.channel != nil {
		_ = e.channel.Close("replaced by new connection")
	}
	e.channel = ch
	e.connected = time.Now().UTC()

	flushed := 0
	for len(e.queue) > 0 {
		frame := e.queue[0]
		if err := ch.Send(frame); err != nil {
			slog.Warn("queue flush interrupted", "agent", agentID, "flushed", flushed, "error", err)
			e.channel = nil
			r.mu.Unlock()
			return fmt.Errorf("flush queue for %s: %w", agentID, err)
		}
		e.queue = e.queue[1:]
		flushed++
	}
	framework := e.desc.Framework
	r.mu.Unlock()

	slog.Info("agent connected", "agent", agentID, "flushed", flushed)
	r.events.Emit(event.AgentConnected, event.AgentPayload{AgentID: agentID, Framework: framework})
	return nil
}

// Disconnect unbinds the agent's channel. Later sends queue instead of
// failing. Returns whether a channel was bound.
func (r *Registry) Disconnect(agentID string) bool {
	r.mu.Lock()
	e, exists := r.agents[agentID]
	had := exists && e.channel != nil
	if had {
		e.channel = nil
	}
	r.mu.Unlock()

	if !had {
		return false
	}
	slog.Info("agent disconnected", "agent", agentID)
	r.events.Emit(event.AgentDisconnected, event.AgentPayload{AgentID: agentID})
	return true
}

// DisconnectChannel unbinds ch only if it is still the agent's bound
// channel. Teardown for a replaced connection uses it so a stale handler
// cannot knock a newer channel offline. Returns whether a channel was
// unbound.
func (r *Registry) DisconnectChannel(agentID string, ch Channel) bool {
	r.mu.Lock()
	e, exists := r.agents[agentID]
	had := exists && e.channel == ch
	if had {
		e.channel = nil
	}
	r.mu.Unlock()

	if !had {
		return false
	}
	slog.Info("agent disconnected", "agent", agentID)
	r.events.Emit(event.AgentDisconnected, event.AgentPayload{AgentID: agentID})
	return true
}

// Deliver pushes one frame toward the agent: straight through the live
// channel when connected, onto the bounded queue when registered but
// offline. A send error on a live channel unbinds it and falls back to
// queueing, so a dying connection does not lose the frame.
func (r *Registry) Deliver(agentID string, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.agents[agentID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	if e.channel != nil {
		err := e.channel.Send(frame)
		if err == nil {
			return nil
		}
		slog.Warn("channel send failed, queueing", "agent", agentID, "error", err)
		e.channel = nil
	}

	if len(e.queue) >= r.queueCap {
		return fmt.Errorf("%w: %s (%d queued)", ErrQueueFull, agentID, len(e.queue))
	}
	e.queue = append(e.queue, frame)
	return nil
}

// Get returns the stored descriptor.
func (r *Registry) Get(agentID string) (*protocol.AgentDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		return nil, false
	}
	return e.desc, true
}

// List returns all descriptors in registration order.
func (r *Registry) List() []*protocol.AgentDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	type ordered struct {
		desc  *protocol.AgentDescriptor
		order int
	}
	all := make([]ordered, 0, len(r.agents))
	for _, e := range r.agents {
		all = append(all, ordered{e.desc, e.order})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].order < all[j].order })

	out := make([]*protocol.AgentDescriptor, len(all))
	for i, o := range all {
		out[i] = o.desc
	}
	return out
}

func (r *Registry) Connected(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	return ok && e.channel != nil
}

func (r *Registry) QueueLen(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[agentID]; ok {
		return len(e.queue)
	}
	return 0
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

// RegistrationOrder reports the agent's position in registration order,
// used by the router's least-loaded tie-break. Unknown agents sort last.
func (r *Registry) RegistrationOrder(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[agentID]; ok {
		return e.order
	}
	return int(^uint(0) >> 1)
}

// Inflight reports messages delivered to the agent and not yet answered.
func (r *Registry) Inflight(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[agentID]; ok {
		return e.inflight
	}
	return 0
}

// TrackDelivery bumps the agent's in-flight count.
func (r *Registry) TrackDelivery(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[agentID]; ok {
		e.inflight++
	}
}

// TrackResponse decrements the in-flight count when the agent answers.
func (r *Registry) TrackResponse(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[agentID]; ok && e.inflight > 0 {
		e.inflight--
	}
}
