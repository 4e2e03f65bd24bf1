package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"dm-service/internal/conversation"
	"dm-service/internal/models"
	"dm-service/internal/repositories"
	"dm-service/internal/telemetry"
	"dm-service/internal/timeline"
)

// ConversationHandler manages direct conversation endpoints.
type ConversationHandler struct {
	resolver      *conversation.Resolver
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	audit         *telemetry.AuditEmitter
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(resolver *conversation.Resolver, conversations repositories.ConversationRepository, messages repositories.MessageRepository, audit *telemetry.AuditEmitter) *ConversationHandler {
	return &ConversationHandler{
		resolver:      resolver,
		conversations: conversations,
		messages:      messages,
		audit:         audit,
	}
}

// Resolve returns the conversation shared with peer_id, creating it if needed.
func (h *ConversationHandler) Resolve(c *gin.Context) {
	var req struct {
		PeerID string `json:"peer_id" binding:"required,uuid"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetString("userID")
	conversationID, err := h.resolver.Resolve(c.Request.Context(), userID, req.PeerID)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	h.audit.Emit(c.Request.Context(), telemetry.Record{
		Action:    "conversation.resolve",
		Text:      "conversation resolved",
		RequestID: requestIDFromContext(c),
		UserID:    userIDFromContext(c),
		Attrs:     map[string]string{"conversation_id": conversationID, "peer_id": req.PeerID},
	})
	c.JSON(http.StatusOK, gin.H{"conversation_id": conversationID})
}

// ListMessages returns the conversation history ordered by (created_at, id).
func (h *ConversationHandler) ListMessages(c *gin.Context) {
	conv, ok := h.participantConversation(c)
	if !ok {
		return
	}

	msgs, err := h.messages.ListMessages(c.Request.Context(), conv.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostMessage stores a message. Subscribers receive it through the live feed.
func (h *ConversationHandler) PostMessage(c *gin.Context) {
	conv, ok := h.participantConversation(c)
	if !ok {
		return
	}

	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	content, err := timeline.NormalizeContent(req.Content)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.messages.CreateMessage(c.Request.Context(), conv.ID, c.GetString("userID"), content)
	if err != nil {
		if errors.Is(err, repositories.ErrNotParticipant) {
			c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation participant"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store message"})
		return
	}

	c.JSON(http.StatusCreated, msg)
}

func (h *ConversationHandler) participantConversation(c *gin.Context) (models.Conversation, bool) {
	conversationID := c.Param("conversation_id")
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return models.Conversation{}, false
	}

	conv, err := h.conversations.GetConversation(c.Request.Context(), conversationID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrConversationNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "conversation not found"})
		return models.Conversation{}, false
	}
	if !conv.HasParticipant(c.GetString("userID")) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation participant"})
		return models.Conversation{}, false
	}
	return conv, true
}
