// Package web is the external interface boundary: HTTP endpoints for
// registration, message submission, sessions, aggregations and metrics,
// plus the websocket delivery channel agents connect through.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agentwire/agentwire/internal/aggregate"
	"github.com/agentwire/agentwire/internal/auth"
	"github.com/agentwire/agentwire/internal/bus"
	"github.com/agentwire/agentwire/internal/config"
	"github.com/agentwire/agentwire/internal/event"
	"github.com/agentwire/agentwire/internal/registry"
	"github.com/agentwire/agentwire/internal/session"
	"github.com/agentwire/agentwire/internal/store"
)

type Server struct {
	bus        *bus.Bus
	registry   *registry.Registry
	sessions   *session.Manager
	aggregator *aggregate.Aggregator
	store      *store.Store
	events     *event.Emitter
	verifier   *auth.Verifier
	hub        *Hub
	cfg        config.WebConfig
	version    string
	startedAt  time.Time
}

func NewServer(b *bus.Bus, reg *registry.Registry, sm *session.Manager, agg *aggregate.Aggregator, st *store.Store, events *event.Emitter, cfg config.WebConfig, version string) *Server {
	return &Server{
		bus:        b,
		registry:   reg,
		sessions:   sm,
		aggregator: agg,
		store:      st,
		events:     events,
		verifier:   auth.NewVerifier(cfg.AuthToken),
		hub:        NewHub(),
		cfg:        cfg,
		version:    version,
		startedAt:  time.Now(),
	}
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	// Mirror bus events onto the websocket feed
	s.events.SubscribeAll(func(ev event.Event) {
		s.hub.Broadcast(ev)
	})

	mux := http.NewServeMux()
	s.registerAPI(mux)

	// WebSocket endpoints: the per-agent delivery channel and the event feed
	mux.HandleFunc("GET /api/agents/{id}/channel", s.handleChannel)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.withAuth(mux),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("web server listening", "port", s.cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

// withAuth enforces the shared bearer token on every endpoint when one is
// configured. Websocket clients may pass it as a query parameter since
// browsers cannot set headers on upgrade requests.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if !s.verifier.Verify(token) {
			jsonError(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
