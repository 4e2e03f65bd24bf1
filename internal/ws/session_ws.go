package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dm-service/internal/apperrors"
	"dm-service/internal/middleware"
	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/session"
)

const (
	CommandSelectPeer  = "select_peer"
	CommandSendMessage = "send_message"
	CommandSetDraft    = "set_draft"
	CommandSignOut     = "sign_out"

	eventSignedOut = "signed_out"
)

// Authenticator validates socket tokens and revokes them on sign-out.
type Authenticator interface {
	middleware.TokenValidator
	session.SignOuter
}

type command struct {
	Type    string `json:"type"`
	PeerID  string `json:"peer_id,omitempty"`
	Content string `json:"content,omitempty"`
}

// SessionWebSocketHandler runs one Session per socket.
type SessionWebSocketHandler struct {
	hub    *Hub
	auth   Authenticator
	deps   session.Deps
	logger *zap.Logger
}

// NewSessionWebSocketHandler constructs a SessionWebSocketHandler. deps.Auth
// defaults to auth.
func NewSessionWebSocketHandler(hub *Hub, auth Authenticator, deps session.Deps, logger *zap.Logger) *SessionWebSocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Auth == nil {
		deps.Auth = auth
	}
	if deps.Logger == nil {
		deps.Logger = logger
	}
	return &SessionWebSocketHandler{hub: hub, auth: auth, deps: deps, logger: logger.With(zap.String("component", "ws"))}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handle authenticates, upgrades and serves commands until the socket closes.
func (h *SessionWebSocketHandler) Handle(c *gin.Context) {
	ctx, span := observability.Tracer("ws").Start(c.Request.Context(), "ws.handshake")
	c.Request = c.Request.WithContext(ctx)

	token := c.Query("token")
	if header := c.GetHeader("Authorization"); header != "" {
		token, _ = middleware.BearerToken(header)
	}

	identity, err := h.auth.ValidateToken(ctx, token)
	if err != nil {
		span.End()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		observability.EndSpan(span, err)
		return
	}
	traceID := span.SpanContext().TraceID().String()
	span.End()

	info := ConnInfo{
		ConnID:      uuid.NewString(),
		UserID:      identity.UserID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}
	conn := NewConnection(info, wsConn)
	conn.Start()
	h.hub.Add(conn)
	observability.IncWSActive(wsKind)
	h.hub.publishWSEvent(ctx, info, "ws_connect", "")

	h.serve(ctx, wsConn, conn, identity)
}

func (h *SessionWebSocketHandler) serve(ctx context.Context, wsConn *websocket.Conn, conn *Connection, identity models.Identity) {
	logger := h.logger.With(zap.String("conn_id", conn.Info.ConnID), zap.String("user_id", identity.UserID))
	ctx, cancel := context.WithCancel(ctx)

	sess := session.New(identity, h.deps, func(ev session.Event) {
		h.send(conn, ev)
	})

	var closeReason string
	signedOut := false
	defer func() {
		cancel()
		if !signedOut {
			sess.Disconnect(context.WithoutCancel(ctx))
		}
		h.hub.Remove(conn)
		observability.DecWSActive(wsKind)
		h.hub.publishWSEvent(context.WithoutCancel(ctx), conn.Info, "ws_disconnect", closeReason)
		conn.Shutdown(websocket.CloseNormalClosure, "session closed")
		logger.Info("websocket closed", zap.String("reason", closeReason))
	}()

	if err := sess.Start(ctx); err != nil {
		logger.Warn("session start failed", zap.Error(err))
		h.send(conn, session.ErrorEvent(err))
		closeReason = "session start failed"
		return
	}
	logger.Info("websocket session started")

	wsConn.SetReadLimit(maxReadSize)
	_ = wsConn.SetReadDeadline(time.Now().Add(pongWait))
	wsConn.SetPongHandler(func(string) error {
		return wsConn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				h.hub.publishWSEvent(context.WithoutCancel(ctx), conn.Info, "ws_error", closeReason)
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.send(conn, session.ErrorEvent(apperrors.Validation("invalid payload")))
			continue
		}

		switch cmd.Type {
		case CommandSelectPeer:
			if cmd.PeerID == "" {
				h.send(conn, session.ErrorEvent(apperrors.Validation("peer_id is required")))
				continue
			}
			// Runs concurrently so a later selection can cancel this one.
			go func(peerID string) {
				if err := sess.SelectPeer(ctx, peerID); err != nil && ctx.Err() == nil {
					h.send(conn, session.ErrorEvent(err))
				}
			}(cmd.PeerID)
		case CommandSendMessage:
			if err := sess.SendMessage(ctx, cmd.Content); err != nil {
				h.send(conn, session.ErrorEvent(err))
			}
		case CommandSetDraft:
			sess.SetDraft(cmd.Content)
		case CommandSignOut:
			signedOut = true
			closeReason = "signed out"
			if err := sess.End(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("sign out incomplete", zap.Error(err))
				h.send(conn, session.ErrorEvent(err))
			}
			h.send(conn, session.Event{Type: eventSignedOut})
			return
		default:
			h.send(conn, session.ErrorEvent(apperrors.Validation("unknown command type")))
		}
	}
}

func (h *SessionWebSocketHandler) send(conn *Connection, ev session.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("event marshal failed", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	if err := conn.Send(payload); err != nil {
		h.logger.Debug("event dropped", zap.String("conn_id", conn.Info.ConnID), zap.Error(err))
	}
}
