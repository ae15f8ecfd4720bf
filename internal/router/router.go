// Package router resolves a message's routing intent to a concrete agent.
// The recipient's agent_id may name a registered agent directly or carry a
// selection criterion (task type, capability tag, framework tag); the
// router picks one candidate and hands the bus an ordered fallback list.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/agentwire/agentwire/internal/protocol"
	"github.com/agentwire/agentwire/internal/registry"
)

var ErrNoCandidates = errors.New("no candidate agents")

// Policy selects how a multi-candidate set is load-balanced. Selectable
// per message via the "balancing" metadata key.
type Policy string

const (
	RoundRobin  Policy = "round_robin"
	LeastLoaded Policy = "least_loaded"
	Random      Policy = "random"
	ByPriority  Policy = "priority"
)

// MetaBalancing is the message metadata key naming the balancing policy.
const MetaBalancing = "balancing"

// MetaTaskType is the message metadata key carrying the task-type
// criterion when the recipient id is left empty.
const MetaTaskType = "task_type"

type Router struct {
	registry *registry.Registry

	mu      sync.Mutex
	cursors map[string]int // selection key -> round-robin cursor
}

func New(reg *registry.Registry) *Router {
	return &Router{
		registry: reg,
		cursors:  make(map[string]int),
	}
}

// Resolve returns the delivery order for the message: the balanced choice
// first, then the remaining candidates, then the message's own fallback
// agents. Strategies are tried in fixed precedence (direct, task-type,
// capability, framework) and never combined.
func (r *Router) Resolve(msg *protocol.AgentMessage) ([]string, error) {
	strategy, key, candidates := r.candidates(msg)
	if len(candidates) == 0 {
		if len(msg.Routing.FallbackAgents) > 0 {
			return dedupe(msg.Routing.FallbackAgents), nil
		}
		return nil, fmt.Errorf("%w for recipient %q", ErrNoCandidates, msg.Recipient.AgentID)
	}

	chosen := 0
	if len(candidates) > 1 {
		chosen = r.balance(policyOf(msg), key, candidates)
	}

	order := make([]string, 0, len(candidates)+len(msg.Routing.FallbackAgents))
	order = append(order, candidates[chosen])
	order = append(order, candidates[:chosen]...)
	order = append(order, candidates[chosen+1:]...)
	order = append(order, msg.Routing.FallbackAgents...)

	slog.Debug("route resolved", "strategy", strategy, "chosen", candidates[chosen], "candidates", len(candidates))
	return dedupe(order), nil
}

// candidates applies the first strategy that yields a non-empty set and
// returns the set in registration order.
func (r *Router) candidates(msg *protocol.AgentMessage) (strategy, key string, ids []string) {
	criterion := msg.Recipient.AgentID
	if criterion == "" {
		criterion = msg.Metadata[MetaTaskType]
	}

	// direct: the recipient already names a known agent
	if msg.Recipient.AgentID != "" {
		if _, ok := r.registry.Get(msg.Recipient.AgentID); ok {
			return "direct", "direct:" + msg.Recipient.AgentID, []string{msg.Recipient.AgentID}
		}
	}

	all := r.registry.List()

	if criterion != "" {
		// task-type: ranked optimal-task list contains the criterion
		for _, d := range all {
			if contains(d.Capabilities.OptimalTasks, criterion) {
				ids = append(ids, d.AgentID)
			}
		}
		if len(ids) > 0 {
			return "task_type", "task:" + criterion, ids
		}

		// capability: tool / input / output tag match
		for _, d := range all {
			c := d.Capabilities
			if contains(c.Tools, criterion) || contains(c.InputTypes, criterion) || contains(c.OutputTypes, criterion) {
				ids = append(ids, d.AgentID)
			}
		}
		if len(ids) > 0 {
			return "capability", "cap:" + criterion, ids
		}
	}

	// framework: exact framework tag match, from the recipient identifier
	// or the criterion string
	framework := msg.Recipient.Framework
	if framework == "" {
		framework = criterion
	}
	if framework != "" {
		for _, d := range all {
			if d.Framework == framework {
				ids = append(ids, d.AgentID)
			}
		}
		if len(ids) > 0 {
			return "framework", "fw:" + framework, ids
		}
	}

	return "", "", nil
}

func policyOf(msg *protocol.AgentMessage) Policy {
	switch Policy(msg.Metadata[MetaBalancing]) {
	case LeastLoaded:
		return LeastLoaded
	case Random:
		return Random
	case ByPriority:
		return ByPriority
	default:
		return RoundRobin
	}
}

// balance picks the index of the chosen candidate.
func (r *Router) balance(policy Policy, key string, candidates []string) int {
	switch policy {
	case LeastLoaded:
		best := 0
		bestLoad := r.registry.Inflight(candidates[0])
		bestOrd := r.registry.RegistrationOrder(candidates[0])
		for i := 1; i < len(candidates); i++ {
			load := r.registry.Inflight(candidates[i])
			ord := r.registry.RegistrationOrder(candidates[i])
			if load < bestLoad || (load == bestLoad && ord < bestOrd) {
				best, bestLoad, bestOrd = i, load, ord
			}
		}
		return best

	case Random:
		return rand.IntN(len(candidates))

	case ByPriority:
		type ranked struct {
			idx     int
			success float64
			latency int64
		}
		best := ranked{idx: -1}
		for i, id := range candidates {
			d, ok := r.registry.Get(id)
			if !ok {
				continue
			}
			p := d.Capabilities.Performance
			cur := ranked{idx: i, success: p.SuccessRate, latency: int64(p.AvgLatency)}
			if best.idx < 0 || cur.success > best.success ||
				(cur.success == best.success && cur.latency < best.latency) {
				best = cur
			}
		}
		if best.idx < 0 {
			return 0
		}
		return best.idx

	default: // round-robin, cursor persisted per selection key
		r.mu.Lock()
		defer r.mu.Unlock()
		i := r.cursors[key] % len(candidates)
		r.cursors[key] = i + 1
		return i
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
