package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentwire/agentwire/internal/aggregate"
	"github.com/agentwire/agentwire/internal/bus"
	"github.com/agentwire/agentwire/internal/config"
	"github.com/agentwire/agentwire/internal/event"
	"github.com/agentwire/agentwire/internal/protocol"
	"github.com/agentwire/agentwire/internal/registry"
	"github.com/agentwire/agentwire/internal/router"
	"github.com/agentwire/agentwire/internal/session"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	events := event.NewEmitter()
	reg := registry.New(16, events)
	b := bus.New(reg, router.New(reg), events, time.Minute)
	sessions := session.NewManager(events)
	b.SetSessionObserver(sessions)

	s := NewServer(b, reg, sessions, aggregate.New(events), nil, events, config.WebConfig{}, "test")

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/agents/{id}/channel", s.handleChannel)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return s, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dialWS(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, path), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func webDescriptor(agentID string) *protocol.AgentDescriptor {
	return &protocol.AgentDescriptor{
		AgentID:   agentID,
		Framework: "langchain",
		Capabilities: protocol.Capabilities{
			OptimalTasks: []string{"review"},
			Performance:  protocol.PerformanceProfile{SuccessRate: 0.9},
		},
	}
}

func TestChannelReconnectKeepsAgentOnline(t *testing.T) {
	s, ts := newTestServer(t)
	if err := s.registry.Register(webDescriptor("a1")); err != nil {
		t.Fatalf("register: %v", err)
	}

	first := dialWS(t, ts, "/api/agents/a1/channel")
	waitFor(t, "first connect", func() bool { return s.registry.Connected("a1") })

	second := dialWS(t, ts, "/api/agents/a1/channel")

	// The registry closes the replaced connection; its read errors out.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatal("replaced connection should be closed")
	}

	// Let the replaced connection's handler finish its teardown, then
	// check it did not knock the new channel offline.
	time.Sleep(200 * time.Millisecond)
	if !s.registry.Connected("a1") {
		t.Fatal("agent must stay connected after reconnect")
	}

	if err := s.registry.Deliver("a1", []byte("frame")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := second.ReadMessage()
	if err != nil {
		t.Fatalf("read on new connection: %v", err)
	}
	if string(data) != "frame" {
		t.Errorf("frame = %q, want %q", data, "frame")
	}
}

func TestChannelRejectedForUnknownAgent(t *testing.T) {
	_, ts := newTestServer(t)

	conn := dialWS(t, ts, "/api/agents/ghost/channel")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("rejected channel should be closed by the server")
	}
}

func TestChannelInboundSubmission(t *testing.T) {
	s, ts := newTestServer(t)
	if err := s.registry.Register(webDescriptor("a1")); err != nil {
		t.Fatalf("register a1: %v", err)
	}
	if err := s.registry.Register(webDescriptor("b1")); err != nil {
		t.Fatalf("register b1: %v", err)
	}

	bConn := dialWS(t, ts, "/api/agents/b1/channel")
	waitFor(t, "b1 connect", func() bool { return s.registry.Connected("b1") })
	aConn := dialWS(t, ts, "/api/agents/a1/channel")
	waitFor(t, "a1 connect", func() bool { return s.registry.Connected("a1") })

	msg := protocol.NewMessage(
		protocol.AgentIdentifier{AgentID: "a1"},
		protocol.AgentIdentifier{AgentID: "b1"},
		protocol.TaskRequest,
		json.RawMessage(`{"task":"review"}`),
	)
	frame, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := aConn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	bConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := bConn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got, err := protocol.DecodeMessage(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != msg.ID {
		t.Errorf("delivered message id = %s, want %s", got.ID, msg.ID)
	}
}

func TestEventFeedSurvivesDeadClient(t *testing.T) {
	s, ts := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.hub.Run(ctx)

	dead := dialWS(t, ts, "/api/events")
	live := dialWS(t, ts, "/api/events")
	time.Sleep(100 * time.Millisecond)
	dead.Close()
	time.Sleep(100 * time.Millisecond)

	// First broadcast evicts the dead client; the second must still
	// reach the live one.
	s.hub.Broadcast(event.Event{Type: event.AgentRegistered, Timestamp: time.Now().UTC()})
	time.Sleep(100 * time.Millisecond)
	s.hub.Broadcast(event.Event{Type: event.AgentConnected, Timestamp: time.Now().UTC()})

	var got event.Event
	for {
		live.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := live.ReadMessage()
		if err != nil {
			t.Fatalf("read feed: %v", err)
		}
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal feed event: %v", err)
		}
		if got.Type == event.AgentConnected {
			break
		}
	}
}
