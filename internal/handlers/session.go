package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dm-service/internal/presence"
	"dm-service/internal/repositories"
	"dm-service/internal/session"
	"dm-service/internal/telemetry"
)

// SessionHandler exposes presence transitions for clients without a socket.
type SessionHandler struct {
	profiles repositories.ProfileRepository
	presence *presence.Tracker
	auth     session.SignOuter
	audit    *telemetry.AuditEmitter
}

// NewSessionHandler builds a SessionHandler.
func NewSessionHandler(profiles repositories.ProfileRepository, tracker *presence.Tracker, auth session.SignOuter, audit *telemetry.AuditEmitter) *SessionHandler {
	return &SessionHandler{profiles: profiles, presence: tracker, auth: auth, audit: audit}
}

// Start registers the caller's profile and marks them online.
func (h *SessionHandler) Start(c *gin.Context) {
	identity := identityFromContext(c)
	if err := h.profiles.EnsureProfile(c.Request.Context(), identity); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register profile"})
		return
	}
	if err := h.presence.Connect(c.Request.Context(), identity.UserID); err != nil {
		c.JSON(statusForError(err), gin.H{"error": "failed to update presence"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "online"})
}

// End marks the caller offline and revokes their auth session.
func (h *SessionHandler) End(c *gin.Context) {
	identity := identityFromContext(c)
	if err := h.presence.SignOut(c.Request.Context(), identity.UserID); err != nil {
		c.JSON(statusForError(err), gin.H{"error": "failed to update presence"})
		return
	}
	if err := h.auth.SignOut(c.Request.Context(), identity.Token); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to sign out"})
		return
	}

	h.audit.Emit(c.Request.Context(), telemetry.Record{
		Action:    "session.end",
		Text:      "user signed out",
		RequestID: requestIDFromContext(c),
		UserID:    userIDFromContext(c),
	})
	c.JSON(http.StatusOK, gin.H{"status": "offline"})
}
