package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/agentwire/agentwire/internal/aggregate"
	"github.com/agentwire/agentwire/internal/protocol"
	"github.com/agentwire/agentwire/internal/registry"
	"github.com/agentwire/agentwire/internal/session"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Agent registration boundary
	mux.HandleFunc("POST /api/agents", s.registerAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.unregisterAgent)
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/agents/{id}", s.getAgent)
	mux.HandleFunc("GET /api/agents/{id}/health", s.getAgentHealth)
	mux.HandleFunc("GET /api/agents/{id}/deliveries", s.getAgentDeliveries)
	mux.HandleFunc("POST /api/agents/{id}/disconnect", s.disconnectAgent)

	// Message submission
	mux.HandleFunc("POST /api/messages", s.sendMessage)
	mux.HandleFunc("POST /api/broadcast", s.broadcastMessage)
	mux.HandleFunc("GET /api/deliveries", s.listDeliveries)

	// Sessions
	mux.HandleFunc("POST /api/sessions", s.createSession)
	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.getSession)
	mux.HandleFunc("POST /api/sessions/{id}/participants", s.addParticipant)
	mux.HandleFunc("DELETE /api/sessions/{id}/participants/{agentId}", s.removeParticipant)
	mux.HandleFunc("POST /api/sessions/{id}/advance", s.advanceWorkflow)
	mux.HandleFunc("POST /api/sessions/{id}/delegate", s.delegateTask)
	mux.HandleFunc("POST /api/sessions/{id}/complete", s.completeSession)
	mux.HandleFunc("POST /api/sessions/{id}/terminate", s.terminateSession)

	// Aggregations
	mux.HandleFunc("POST /api/aggregations", s.createAggregation)
	mux.HandleFunc("GET /api/aggregations/{id}", s.getAggregation)
	mux.HandleFunc("POST /api/aggregations/{id}/results", s.addAggregationResult)
	mux.HandleFunc("POST /api/aggregations/{id}/finalize", s.finalizeAggregation)
	mux.HandleFunc("DELETE /api/aggregations/{id}", s.cancelAggregation)

	// Operational
	mux.HandleFunc("GET /api/metrics", s.getMetrics)
	mux.HandleFunc("GET /api/snapshots", s.listSnapshots)
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	var desc protocol.AgentDescriptor
	if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
		jsonError(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.registry.Register(&desc); err != nil {
		switch {
		case errors.Is(err, registry.ErrDuplicateAgent):
			jsonError(w, err.Error(), http.StatusConflict)
		case errors.Is(err, protocol.ErrInvalidDescriptor):
			jsonError(w, err.Error(), http.StatusBadRequest)
		default:
			jsonError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	jsonCreated(w, map[string]string{"agent_id": desc.AgentID})
}

func (s *Server) unregisterAgent(w http.ResponseWriter, r *http.Request) {
	existed := s.registry.Unregister(r.PathValue("id"))
	jsonResponse(w, map[string]bool{"existed": existed})
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	descs := s.registry.List()
	out := make([]map[string]any, 0, len(descs))
	for _, d := range descs {
		out = append(out, map[string]any{
			"descriptor": d,
			"connected":  s.registry.Connected(d.AgentID),
			"queued":     s.registry.QueueLen(d.AgentID),
			"inflight":   s.registry.Inflight(d.AgentID),
		})
	}
	jsonResponse(w, out)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	d, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, d)
}

func (s *Server) getAgentHealth(w http.ResponseWriter, r *http.Request) {
	// null until an external health checker has reported
	jsonResponse(w, s.bus.Health(r.PathValue("id")))
}

func (s *Server) getAgentDeliveries(w http.ResponseWriter, r *http.Request) {
	deliveries, err := s.store.AgentDeliveries(r.PathValue("id"), 100)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, deliveries)
}

func (s *Server) disconnectAgent(w http.ResponseWriter, r *http.Request) {
	had := s.registry.Disconnect(r.PathValue("id"))
	jsonResponse(w, map[string]bool{"disconnected": had})
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var msg protocol.AgentMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		jsonError(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if msg.ID == "" {
		full := protocol.NewMessage(msg.Sender, msg.Recipient, msg.Type, msg.Payload)
		full.Priority = msg.Priority
		full.Routing = msg.Routing
		full.Metadata = msg.Metadata
		msg = *full
	}
	if !msg.Type.Valid() {
		jsonError(w, "unknown message type", http.StatusBadRequest)
		return
	}
	if msg.Priority == "" {
		msg.Priority = protocol.PriorityMedium
	}

	delivered := s.bus.Send(&msg)
	jsonResponse(w, map[string]any{"delivered": delivered, "message_id": msg.ID})
}

func (s *Server) broadcastMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SenderID     string                `json:"sender_id"`
		RecipientIDs []string              `json:"recipient_ids"`
		Message      protocol.AgentMessage `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.RecipientIDs) == 0 {
		jsonError(w, "recipient_ids required", http.StatusBadRequest)
		return
	}
	jsonResponse(w, s.bus.Broadcast(req.SenderID, req.RecipientIDs, &req.Message))
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	deliveries, err := s.store.RecentDeliveries(100)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, deliveries)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Orchestrator protocol.AgentIdentifier `json:"orchestrator"`
		Participants []session.Participant    `json:"participants"`
		Steps        []session.WorkflowStep   `json:"steps,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}

	sess, err := s.sessions.Create(req.Orchestrator, req.Participants, req.Steps)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonCreated(w, sess)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.sessions.List())
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Get(r.PathValue("id"))
	if sess == nil {
		jsonError(w, "session not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, sess)
}

func (s *Server) addParticipant(w http.ResponseWriter, r *http.Request) {
	var p session.Participant
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		jsonError(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.sessions.AddParticipant(r.PathValue("id"), p); err != nil {
		jsonError(w, err.Error(), sessionErrStatus(err))
		return
	}
	jsonResponse(w, map[string]bool{"added": true})
}

func (s *Server) removeParticipant(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.RemoveParticipant(r.PathValue("id"), r.PathValue("agentId")); err != nil {
		jsonError(w, err.Error(), sessionErrStatus(err))
		return
	}
	jsonResponse(w, map[string]bool{"removed": true})
}

func (s *Server) advanceWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NextStep string `json:"next_step"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.sessions.Advance(r.PathValue("id"), req.NextStep); err != nil {
		jsonError(w, err.Error(), sessionErrStatus(err))
		return
	}
	jsonResponse(w, s.sessions.Get(r.PathValue("id")))
}

func (s *Server) delegateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
		TaskRef string `json:"task_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.sessions.Delegate(r.PathValue("id"), req.AgentID, req.TaskRef); err != nil {
		jsonError(w, err.Error(), sessionErrStatus(err))
		return
	}
	jsonResponse(w, map[string]bool{"delegated": true})
}

func (s *Server) completeSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Summary string `json:"summary"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.sessions.Complete(r.PathValue("id"), req.Summary); err != nil {
		jsonError(w, err.Error(), sessionErrStatus(err))
		return
	}
	jsonResponse(w, map[string]bool{"completed": true})
}

func (s *Server) terminateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.sessions.Terminate(r.PathValue("id"), req.Reason); err != nil {
		jsonError(w, err.Error(), sessionErrStatus(err))
		return
	}
	jsonResponse(w, map[string]bool{"terminated": true})
}

func (s *Server) createAggregation(w http.ResponseWriter, r *http.Request) {
	var req aggregate.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.aggregator.Aggregate(req)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonCreated(w, map[string]string{"aggregation_id": id})
}

func (s *Server) getAggregation(w http.ResponseWriter, r *http.Request) {
	// null for unknown ids, matching the aggregation boundary contract
	jsonResponse(w, s.aggregator.Get(r.PathValue("id")))
}

func (s *Server) addAggregationResult(w http.ResponseWriter, r *http.Request) {
	var res aggregate.AgentResult
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		jsonError(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, map[string]bool{"accepted": s.aggregator.AddResult(r.PathValue("id"), res)})
}

func (s *Server) finalizeAggregation(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]bool{"finalized": s.aggregator.Finalize(r.PathValue("id"))})
}

func (s *Server) cancelAggregation(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]bool{"cancelled": s.aggregator.Cancel(r.PathValue("id"))})
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.bus.Metrics())
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	snapshots, err := s.store.RecentSnapshots(100)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, snapshots)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{
		"version": s.version,
		"uptime":  time.Since(s.startedAt).String(),
		"agents":  s.registry.Count(),
	})
}

func sessionErrStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidStep),
		errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, session.ErrSessionEnded),
		errors.Is(err, session.ErrUnknownParticipant):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonCreated(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
