package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dm-service/internal/observability"
)

const wsKind = "session"

// Hub tracks active session sockets per user.
type Hub struct {
	conns map[string]map[string]*Connection // userID -> connID -> conn
	mu    sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]map[string]*Connection)}
}

// Add registers a connection under its user.
func (h *Hub) Add(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	userConns, ok := h.conns[conn.Info.UserID]
	if !ok {
		userConns = make(map[string]*Connection)
		h.conns[conn.Info.UserID] = userConns
	}
	userConns[conn.Info.ConnID] = conn
}

// Remove unregisters a connection and returns how many the user still has.
func (h *Hub) Remove(conn *Connection) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	userConns, ok := h.conns[conn.Info.UserID]
	if !ok {
		return 0
	}
	delete(userConns, conn.Info.ConnID)
	if len(userConns) == 0 {
		delete(h.conns, conn.Info.UserID)
	}
	return len(userConns)
}

// Count returns the number of open sockets for userID.
func (h *Hub) Count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

// Users returns how many distinct users are connected.
func (h *Hub) Users() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll closes every socket, e.g. on shutdown. The read loops observe the
// close and run their own cleanup.
func (h *Hub) CloseAll(reason string) {
	h.mu.RLock()
	all := make([]*Connection, 0)
	for _, userConns := range h.conns {
		for _, conn := range userConns {
			all = append(all, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range all {
		conn.Close(websocket.CloseGoingAway, reason)
	}
}

func (h *Hub) publishWSEvent(ctx context.Context, info ConnInfo, event, reason string) {
	durationMs := int64(0)
	if event != "ws_connect" {
		durationMs = time.Since(info.ConnectedAt).Milliseconds()
	}
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        wsKind,
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": durationMs,
			"reason":      reason,
		},
		"identity": info.identityPayload(),
	}

	headers := observability.BuildHeaders(info.RequestID, info.TraceID)
	_ = observability.PublishEvent(ctx, observability.RoutingWSSessions, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload:   payload,
	}, headers)
	observability.IncWSEvent(wsKind, event)
}
