// Package memstore is an in-process substrate implementing the repository
// contracts and the realtime feed. It keeps the same invariants as the
// Postgres schema (unordered-pair uniqueness, participant-only inserts,
// monotonic last_seen) and emits the same change notifications.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dm-service/internal/models"
	"dm-service/internal/realtime"
	"dm-service/internal/repositories"
)

type pairKey [2]string

func canonicalPair(a, b string) pairKey {
	if b < a {
		a, b = b, a
	}
	return pairKey{a, b}
}

// Store holds every table in memory behind one lock.
type Store struct {
	mu            sync.Mutex
	profiles      map[string]models.Profile
	conversations map[string]models.Conversation
	pairs         map[pairKey]string
	messages      map[string][]models.Message // conversationID -> insert order

	now    func() time.Time
	broker *realtime.Broker
}

// New creates an empty store that stamps rows with time.Now.
func New(logger *zap.Logger) *Store {
	return &Store{
		profiles:      make(map[string]models.Profile),
		conversations: make(map[string]models.Conversation),
		pairs:         make(map[pairKey]string),
		messages:      make(map[string][]models.Message),
		now:           time.Now,
		broker:        realtime.NewBroker(logger),
	}
}

// WithClock replaces the substrate clock; used to force timestamp ties.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
	return s
}

// Feed exposes the change stream.
func (s *Store) Feed() realtime.Feed { return s.broker }

// Broker exposes the underlying broker for inspection.
func (s *Store) Broker() *realtime.Broker { return s.broker }

// ConversationCount reports how many conversation rows exist.
func (s *Store) ConversationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

// FindConversation looks the pair up in either stored order.
func (s *Store) FindConversation(ctx context.Context, userA, userB string) (models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return models.Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.pairs[canonicalPair(userA, userB)]
	if !ok {
		return models.Conversation{}, repositories.ErrConversationNotFound
	}
	return s.conversations[id], nil
}

// CreateConversation inserts (userA, userB), rejecting a second row for the same unordered pair.
func (s *Store) CreateConversation(ctx context.Context, userA, userB string) (models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return models.Conversation{}, err
	}
	if userA == userB {
		return models.Conversation{}, repositories.ErrSelfConversation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasProfile(userA) || !s.hasProfile(userB) {
		return models.Conversation{}, repositories.ErrProfileNotFound
	}
	key := canonicalPair(userA, userB)
	if _, exists := s.pairs[key]; exists {
		return models.Conversation{}, repositories.ErrConversationExists
	}
	conv := models.Conversation{
		ID:             uuid.NewString(),
		Participant1ID: userA,
		Participant2ID: userB,
		CreatedAt:      s.now().UTC(),
	}
	s.conversations[conv.ID] = conv
	s.pairs[key] = conv.ID
	return conv, nil
}

// GetConversation fetches a conversation by id.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return models.Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return models.Conversation{}, repositories.ErrConversationNotFound
	}
	return conv, nil
}

// ListMessages returns the conversation ordered by (created_at, id).
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.messages[conversationID]
	msgs := make([]models.Message, 0, len(stored))
	for _, m := range stored {
		msgs = append(msgs, s.withSenderName(m))
	}
	sort.SliceStable(msgs, func(i, j int) bool { return models.CompareMessages(msgs[i], msgs[j]) < 0 })
	return msgs, nil
}

// CreateMessage stores a message if the sender participates and announces it
// on the conversation's channel before releasing the lock, so notifications
// leave in commit order.
func (s *Store) CreateMessage(ctx context.Context, conversationID, senderID, content string) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok || !conv.HasParticipant(senderID) {
		return models.Message{}, repositories.ErrNotParticipant
	}
	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      s.now().UTC(),
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	s.publish(realtime.Filter{Table: "messages", Column: "conversation_id", Value: conversationID}, realtime.OpInsert, msg)
	return msg, nil
}

// GetMessage retrieves a single message with its sender's display name.
func (s *Store) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msgs := range s.messages {
		for _, m := range msgs {
			if m.ID == messageID {
				return s.withSenderName(m), nil
			}
		}
	}
	return models.Message{}, repositories.ErrMessageNotFound
}

// GetProfile fetches a profile by user id.
func (s *Store) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	if err := ctx.Err(); err != nil {
		return models.Profile{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return models.Profile{}, repositories.ErrProfileNotFound
	}
	return p, nil
}

// ListProfiles returns every profile except excludeUserID, sorted by display name.
func (s *Store) ListProfiles(ctx context.Context, excludeUserID string) ([]models.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	profiles := make([]models.Profile, 0, len(s.profiles))
	for id, p := range s.profiles {
		if id != excludeUserID {
			profiles = append(profiles, p)
		}
	}
	sort.Slice(profiles, func(i, j int) bool {
		a, b := strings.ToLower(profiles[i].DisplayName()), strings.ToLower(profiles[j].DisplayName())
		if a != b {
			return a < b
		}
		return profiles[i].ID < profiles[j].ID
	})
	return profiles, nil
}

// EnsureProfile inserts the profile unless it already exists.
func (s *Store) EnsureProfile(ctx context.Context, identity models.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasProfile(identity.UserID) {
		return nil
	}
	p := models.Profile{ID: identity.UserID, Email: identity.Email}
	if identity.Username != "" {
		username := identity.Username
		p.Username = &username
	}
	s.profiles[p.ID] = p
	s.publish(realtime.Filter{Table: "profiles"}, realtime.OpInsert, p)
	return nil
}

// SetPresence writes online_status and moves last_seen forward, never back.
func (s *Store) SetPresence(ctx context.Context, userID string, online bool, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return repositories.ErrProfileNotFound
	}
	p.OnlineStatus = online
	if p.LastSeen == nil || at.After(*p.LastSeen) {
		seen := at.UTC()
		p.LastSeen = &seen
	}
	s.profiles[userID] = p
	s.publish(realtime.Filter{Table: "profiles"}, realtime.OpUpdate, p)
	return nil
}

func (s *Store) hasProfile(userID string) bool {
	_, ok := s.profiles[userID]
	return ok
}

func (s *Store) withSenderName(m models.Message) models.Message {
	if p, ok := s.profiles[m.SenderID]; ok {
		m.SenderName = p.DisplayName()
	} else {
		m.SenderName = models.DisplayName(m.SenderID, "", "")
	}
	return m
}

func (s *Store) publish(filter realtime.Filter, op string, row any) {
	body, err := json.Marshal(row)
	if err != nil {
		return
	}
	s.broker.Publish(filter.Channel(), realtime.Change{Table: filter.Table, Op: op, Row: body})
}

var (
	_ repositories.ConversationRepository = (*Store)(nil)
	_ repositories.MessageRepository      = (*Store)(nil)
	_ repositories.ProfileRepository      = (*Store)(nil)
)
