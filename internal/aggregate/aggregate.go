// Package aggregate merges independently produced agent results for one
// logical task into a single synthesis, detecting disagreements between
// them first. Result sets are small (bounded by participant count), so
// every mutation re-runs the whole pipeline instead of patching
// incrementally.
package aggregate

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentwire/agentwire/internal/event"
)

var (
	ErrEmptyResults       = errors.New("aggregation needs at least one agent result")
	ErrUnknownMethod      = errors.New("unknown synthesis method")
	ErrUnknownAggregation = errors.New("aggregation not found")
)

type Method string

const (
	Consensus          Method = "consensus"
	SpecialistPriority Method = "specialist_priority"
	ConfidenceWeighted Method = "confidence_weighted"
	Manual             Method = "manual"
)

func (m Method) valid() bool {
	switch m {
	case Consensus, SpecialistPriority, ConfidenceWeighted, Manual:
		return true
	}
	return false
}

// AgentResult is one agent's contribution to a logical task.
type AgentResult struct {
	AgentID     string             `json:"agent_id"`
	Result      json.RawMessage    `json:"result,omitempty"`
	Confidence  float64            `json:"confidence"`
	CompletedAt time.Time          `json:"completed_at"`
	Error       string             `json:"error,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}

type ConflictType string

const (
	ResultDisagreement ConflictType = "result_disagreement"
	ApproachDifference ConflictType = "approach_difference"
	PriorityConflict   ConflictType = "priority_conflict"
)

// Conflict is derived by the detection pass, never created by callers.
type Conflict struct {
	Type        ConflictType `json:"type"`
	Agents      []string     `json:"agents"`
	Description string       `json:"description"`
	Resolution  string       `json:"resolution,omitempty"`
}

// Request names the task, the results so far, and how to combine them.
type Request struct {
	SessionID string             `json:"session_id,omitempty"`
	TaskType  string             `json:"task_type"`
	Results   []AgentResult      `json:"results"`
	Method    Method             `json:"method"`
	// Specialists and Weights parameterize specialist_priority and
	// confidence_weighted respectively.
	Specialists []string           `json:"specialists,omitempty"`
	Weights     map[string]float64 `json:"weights,omitempty"`
}

type Synthesis struct {
	UnifiedResult   json.RawMessage `json:"unified_result,omitempty"`
	Confidence      float64         `json:"confidence"`
	Conflicts       []Conflict      `json:"conflicts,omitempty"`
	Recommendations []string        `json:"recommendations,omitempty"`
	Method          Method          `json:"method"`
}

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

type Meta struct {
	Elapsed          time.Duration      `json:"elapsed"`
	CostEstimate     float64            `json:"cost_estimate"`
	Quality          map[string]float64 `json:"quality,omitempty"`
	AgentPerformance map[string]float64 `json:"agent_performance,omitempty"`
}

// Aggregation holds the inputs and the computed synthesis. It is mutable
// while in progress and read-only once completed or cancelled.
type Aggregation struct {
	ID        string    `json:"aggregation_id"`
	Request   Request   `json:"request"`
	Synthesis Synthesis `json:"synthesis"`
	Meta      Meta      `json:"meta"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (a *Aggregation) clone() *Aggregation {
	out := *a
	out.Request.Results = append([]AgentResult(nil), a.Request.Results...)
	out.Request.Specialists = append([]string(nil), a.Request.Specialists...)
	out.Request.Weights = copyScores(a.Request.Weights)
	out.Synthesis.Conflicts = append([]Conflict(nil), a.Synthesis.Conflicts...)
	out.Synthesis.Recommendations = append([]string(nil), a.Synthesis.Recommendations...)
	out.Meta.Quality = copyScores(a.Meta.Quality)
	out.Meta.AgentPerformance = copyScores(a.Meta.AgentPerformance)
	return &out
}

func copyScores(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type Aggregator struct {
	mu     sync.Mutex
	byID   map[string]*Aggregation
	events *event.Emitter
}

func New(events *event.Emitter) *Aggregator {
	return &Aggregator{
		byID:   make(map[string]*Aggregation),
		events: events,
	}
}

// Aggregate runs the pipeline over the request's results and stores an
// in-progress aggregation. Empty result sets and unknown methods are
// rejected outright, surfaced through synthesis_failed.
func (g *Aggregator) Aggregate(req Request) (string, error) {
	if len(req.Results) == 0 {
		g.events.Emit(event.SynthesisFailed, event.AggregationPayload{
			SessionID: req.SessionID, Method: string(req.Method), Reason: "empty result set",
		})
		return "", ErrEmptyResults
	}
	if !req.Method.valid() {
		g.events.Emit(event.SynthesisFailed, event.AggregationPayload{
			SessionID: req.SessionID, Method: string(req.Method), Reason: "unknown method",
		})
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, req.Method)
	}

	now := time.Now().UTC()
	a := &Aggregation{
		ID:        uuid.New().String(),
		Request:   req,
		Status:    StatusInProgress,
		CreatedAt: now,
		UpdatedAt: now,
	}
	g.runPipeline(a)

	g.mu.Lock()
	g.byID[a.ID] = a
	g.mu.Unlock()

	g.events.Emit(event.AggregationStarted, event.AggregationPayload{
		AggregationID: a.ID, SessionID: req.SessionID, Method: string(req.Method),
	})
	g.events.Emit(event.SynthesisCompleted, event.AggregationPayload{
		AggregationID: a.ID, SessionID: req.SessionID, Method: string(req.Method),
	})
	slog.Info("aggregation started", "aggregation", a.ID, "method", req.Method, "results", len(req.Results))
	return a.ID, nil
}

// AddResult upserts one agent's result and re-runs conflict detection and
// synthesis from scratch. Returns false for unknown or already-final
// aggregations.
func (g *Aggregator) AddResult(aggregationID string, result AgentResult) bool {
	g.mu.Lock()
	a, ok := g.byID[aggregationID]
	if !ok || a.Status != StatusInProgress {
		g.mu.Unlock()
		return false
	}

	replaced := false
	for i := range a.Request.Results {
		if a.Request.Results[i].AgentID == result.AgentID {
			a.Request.Results[i] = result
			replaced = true
			break
		}
	}
	if !replaced {
		a.Request.Results = append(a.Request.Results, result)
	}

	g.runPipeline(a)
	a.UpdatedAt = time.Now().UTC()
	sessionID, method := a.Request.SessionID, string(a.Request.Method)
	g.mu.Unlock()

	// Emit outside the lock so subscribers may call back into the
	// aggregator.
	g.events.Emit(event.SynthesisCompleted, event.AggregationPayload{
		AggregationID: aggregationID, SessionID: sessionID, Method: method,
	})
	return true
}

// Get returns a snapshot of the aggregation, or nil when unknown. Two
// calls without an intervening mutation return identical records.
func (g *Aggregator) Get(aggregationID string) *Aggregation {
	g.mu.Lock()
	defer g.mu.Unlock()
	if a, ok := g.byID[aggregationID]; ok {
		return a.clone()
	}
	return nil
}

// Finalize marks the aggregation read-only once no further results are
// expected.
func (g *Aggregator) Finalize(aggregationID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.byID[aggregationID]
	if !ok || a.Status != StatusInProgress {
		return false
	}
	a.Status = StatusCompleted
	a.UpdatedAt = time.Now().UTC()
	return true
}

// Cancel abandons an in-progress aggregation.
func (g *Aggregator) Cancel(aggregationID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.byID[aggregationID]
	if !ok || a.Status != StatusInProgress {
		return false
	}
	a.Status = StatusCancelled
	a.UpdatedAt = time.Now().UTC()
	return true
}

// runPipeline recomputes conflicts and the synthesis. Caller holds g.mu
// (or exclusively owns a, before it is published).
func (g *Aggregator) runPipeline(a *Aggregation) {
	start := time.Now()

	conflicts := detectConflicts(a.Request.Results)
	a.Synthesis = synthesize(&a.Request, conflicts)

	perf := make(map[string]float64, len(a.Request.Results))
	for _, r := range a.Request.Results {
		perf[r.AgentID] = r.Confidence
	}
	a.Meta = Meta{
		Elapsed:      time.Since(start),
		CostEstimate: float64(len(a.Request.Results)),
		Quality: map[string]float64{
			"mean_confidence": meanConfidence(a.Request.Results),
			"conflicts":       float64(len(conflicts)),
		},
		AgentPerformance: perf,
	}
}
