// Package timeline keeps the ordered, duplicate-free message sequence of the
// conversation a session has open.
package timeline

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"dm-service/internal/apperrors"
	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/repositories"
)

// ErrStaleLoad is returned by Load when the conversation changed while the
// fetch was in flight. The result has been discarded.
var ErrStaleLoad = errors.New("timeline: stale load discarded")

// NormalizeContent trims surrounding whitespace and rejects empty messages.
func NormalizeContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", apperrors.Validation("message content is empty")
	}
	return trimmed, nil
}

// Timeline is safe for concurrent use. Live deliveries and loads may race;
// the sequence stays sorted by (created_at, id) and holds each id once.
type Timeline struct {
	store  repositories.MessageRepository
	logger *zap.Logger

	mu             sync.Mutex
	conversationID string
	generation     uint64
	messages       []models.Message
	ids            map[string]struct{}
	draft          string
}

// New returns a timeline with no conversation open.
func New(store repositories.MessageRepository, logger *zap.Logger) *Timeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Timeline{
		store:  store,
		logger: logger.With(zap.String("component", "timeline")),
		ids:    make(map[string]struct{}),
	}
}

// Open switches to conversationID, dropping the previous sequence and draft.
// An empty id closes the timeline.
func (t *Timeline) Open(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conversationID = conversationID
	t.generation++
	t.messages = nil
	t.ids = make(map[string]struct{})
	t.draft = ""
}

// ConversationID returns the open conversation, or "" if none.
func (t *Timeline) ConversationID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conversationID
}

// Load fetches the history of the open conversation and merges it with any
// live messages already received. It returns the resulting sequence.
func (t *Timeline) Load(ctx context.Context) ([]models.Message, error) {
	t.mu.Lock()
	conversationID, generation := t.conversationID, t.generation
	t.mu.Unlock()

	if conversationID == "" {
		return nil, apperrors.Validation("no conversation open")
	}

	snapshot, err := t.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, apperrors.Transport("load messages", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if generation != t.generation {
		t.logger.Debug("discarding stale load", zap.String("conversation_id", conversationID))
		return nil, ErrStaleLoad
	}

	merged := make([]models.Message, 0, len(snapshot)+len(t.messages))
	ids := make(map[string]struct{}, len(snapshot)+len(t.messages))
	for _, m := range snapshot {
		if _, dup := ids[m.ID]; dup {
			continue
		}
		ids[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	// Live rows that arrived before the snapshot was taken are already in it.
	for _, m := range t.messages {
		if _, dup := ids[m.ID]; dup {
			continue
		}
		ids[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	sort.SliceStable(merged, func(i, j int) bool { return models.CompareMessages(merged[i], merged[j]) < 0 })

	t.messages = merged
	t.ids = ids
	return t.snapshotLocked(), nil
}

// Append persists content as senderID in the open conversation. The message
// is not inserted locally; it shows up when the live echo arrives.
func (t *Timeline) Append(ctx context.Context, senderID, content string) (models.Message, error) {
	trimmed, err := NormalizeContent(content)
	if err != nil {
		observability.IncMessageSent("rejected")
		return models.Message{}, err
	}

	t.mu.Lock()
	conversationID, generation := t.conversationID, t.generation
	t.mu.Unlock()
	if conversationID == "" {
		observability.IncMessageSent("rejected")
		return models.Message{}, apperrors.Validation("no conversation open")
	}

	msg, err := t.store.CreateMessage(ctx, conversationID, senderID, trimmed)
	if err != nil {
		observability.IncMessageSent("error")
		return models.Message{}, apperrors.Transport("send message", err)
	}
	observability.IncMessageSent("ok")

	t.mu.Lock()
	if generation == t.generation {
		t.draft = ""
	}
	t.mu.Unlock()

	observability.PublishDomainEvent(ctx, observability.RoutingMessages, "message_sent", map[string]interface{}{
		"conversation_id": msg.ConversationID,
		"message_id":      msg.ID,
		"sender_id":       msg.SenderID,
	})
	return msg, nil
}

// OnLiveMessage merges one live insert and reports whether the sequence changed.
func (t *Timeline) OnLiveMessage(msg models.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if msg.ConversationID != t.conversationID || t.conversationID == "" {
		return false
	}
	if _, dup := t.ids[msg.ID]; dup {
		return false
	}
	t.ids[msg.ID] = struct{}{}

	n := len(t.messages)
	if n == 0 || models.CompareMessages(t.messages[n-1], msg) < 0 {
		t.messages = append(t.messages, msg)
		return true
	}
	i := sort.Search(n, func(i int) bool { return models.CompareMessages(t.messages[i], msg) > 0 })
	t.messages = append(t.messages, models.Message{})
	copy(t.messages[i+1:], t.messages[i:])
	t.messages[i] = msg
	return true
}

// Messages returns a copy of the current sequence.
func (t *Timeline) Messages() []models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// SetDraft replaces the compose buffer.
func (t *Timeline) SetDraft(draft string) {
	t.mu.Lock()
	t.draft = draft
	t.mu.Unlock()
}

// Draft returns the compose buffer.
func (t *Timeline) Draft() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.draft
}

func (t *Timeline) snapshotLocked() []models.Message {
	out := make([]models.Message, len(t.messages))
	copy(out, t.messages)
	return out
}
