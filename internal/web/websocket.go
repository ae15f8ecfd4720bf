package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentwire/agentwire/internal/event"
	"github.com/agentwire/agentwire/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans bus events out to event-feed websocket clients.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan event.Event
	mu        sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan event.Event, 256),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}

			// Full lock: write failures evict from the map mid-loop.
			h.mu.Lock()
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) Broadcast(ev event.Event) {
	select {
	case h.broadcast <- ev:
	default:
		slog.Warn("websocket broadcast channel full, dropping event")
	}
}

func (h *Hub) Register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = true
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
}

// handleEvents streams bridged bus events to an external observer.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	s.hub.Register(conn)
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	// Keep connection alive; inbound frames on the feed are ignored
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// wsChannel adapts a websocket connection to the registry's Channel
// interface. Writes are serialized; gorilla connections do not allow
// concurrent writers.
type wsChannel struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsChannel) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsChannel) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
	return c.conn.Close()
}

// handleChannel binds a websocket as the agent's live delivery path. The
// registry flushes any queued messages on connect; inbound frames are
// parsed and re-submitted through the bus, and malformed frames are
// logged and dropped without closing the channel.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "agent", agentID, "error", err)
		return
	}

	ch := &wsChannel{conn: conn}
	if err := s.registry.Connect(agentID, ch); err != nil {
		// Unknown agents get the channel closed with a reason by the
		// registry; a failed queue flush only unbinds, so close here too.
		slog.Warn("channel rejected", "agent", agentID, "error", err)
		conn.Close()
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			slog.Warn("malformed inbound frame dropped", "agent", agentID, "error", err)
			continue
		}
		s.bus.Send(msg)
	}

	// Unbind only our own channel: if the agent reconnected, the registry
	// already closed this connection and the new channel must stay bound.
	s.registry.DisconnectChannel(agentID, ch)
}
