// Package live turns substrate row changes into typed message and profile events.
package live

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"dm-service/internal/apperrors"
	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/realtime"
	"dm-service/internal/repositories"
)

const (
	messagesTable = "messages"
	profilesTable = "profiles"
)

// ProfileEvent is one profile row change.
type ProfileEvent struct {
	Op      string
	Profile models.Profile
}

// Bridge owns at most one conversation subscription at a time plus any number
// of profile subscriptions.
type Bridge struct {
	feed     realtime.Feed
	messages repositories.MessageRepository
	profiles repositories.ProfileRepository
	logger   *zap.Logger

	mu           sync.Mutex
	conversation *realtime.Subscription
	subs         map[*realtime.Subscription]struct{}
}

// NewBridge builds a bridge over feed. messages is used to re-read truncated
// rows; profiles resolves sender display names.
func NewBridge(feed realtime.Feed, messages repositories.MessageRepository, profiles repositories.ProfileRepository, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		feed:     feed,
		messages: messages,
		profiles: profiles,
		logger:   logger.With(zap.String("component", "live")),
		subs:     make(map[*realtime.Subscription]struct{}),
	}
}

// SubscribeToConversation replaces the current conversation subscription with
// one on conversationID. onInsert is called in emission order with the sender
// name already resolved.
func (b *Bridge) SubscribeToConversation(ctx context.Context, conversationID string, onInsert func(models.Message)) (*realtime.Subscription, error) {
	b.mu.Lock()
	previous := b.conversation
	b.conversation = nil
	if previous != nil {
		delete(b.subs, previous)
	}
	b.mu.Unlock()
	if previous != nil {
		b.feed.Unsubscribe(previous)
	}

	filter := realtime.Filter{Table: messagesTable, Column: "conversation_id", Value: conversationID}
	sub, err := b.feed.Subscribe(ctx, filter, func(change realtime.Change) {
		if change.Op != realtime.OpInsert {
			return
		}
		msg, ok := b.decodeMessage(ctx, change)
		if !ok || msg.ConversationID != conversationID {
			observability.IncLiveEvent("dropped")
			return
		}
		observability.IncLiveEvent("delivered")
		onInsert(msg)
	})
	if err != nil {
		return nil, apperrors.Subscription("subscribe "+filter.Channel(), err)
	}

	b.mu.Lock()
	b.conversation = sub
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	b.logger.Debug("conversation subscribed", zap.String("conversation_id", conversationID))
	return sub, nil
}

// CloseConversation stops the current conversation subscription, if any.
func (b *Bridge) CloseConversation() {
	b.mu.Lock()
	sub := b.conversation
	b.mu.Unlock()
	b.Unsubscribe(sub)
}

// SubscribeToProfileChanges delivers every profile insert, update and delete.
func (b *Bridge) SubscribeToProfileChanges(ctx context.Context, onChange func(ProfileEvent)) (*realtime.Subscription, error) {
	filter := realtime.Filter{Table: profilesTable}
	sub, err := b.feed.Subscribe(ctx, filter, func(change realtime.Change) {
		var profile models.Profile
		if err := json.Unmarshal(change.Row, &profile); err != nil {
			b.logger.Warn("malformed profile change", zap.Error(err))
			observability.IncLiveEvent("dropped")
			return
		}
		observability.IncLiveEvent("delivered")
		onChange(ProfileEvent{Op: change.Op, Profile: profile})
	})
	if err != nil {
		return nil, apperrors.Subscription("subscribe "+filter.Channel(), err)
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// Unsubscribe stops one subscription. Unknown or nil handles are ignored.
func (b *Bridge) Unsubscribe(sub *realtime.Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	_, owned := b.subs[sub]
	delete(b.subs, sub)
	if b.conversation == sub {
		b.conversation = nil
	}
	b.mu.Unlock()
	if owned {
		b.feed.Unsubscribe(sub)
	}
}

// Close stops every subscription created through the bridge.
func (b *Bridge) Close() {
	b.mu.Lock()
	subs := make([]*realtime.Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*realtime.Subscription]struct{})
	b.conversation = nil
	b.mu.Unlock()

	for _, sub := range subs {
		b.feed.Unsubscribe(sub)
	}
}

func (b *Bridge) decodeMessage(ctx context.Context, change realtime.Change) (models.Message, bool) {
	var msg models.Message
	if err := json.Unmarshal(change.Row, &msg); err != nil {
		b.logger.Warn("malformed message change", zap.Error(err))
		return models.Message{}, false
	}

	if change.Truncated {
		full, err := b.messages.GetMessage(ctx, msg.ID)
		if err != nil {
			b.logger.Warn("re-read of truncated message failed",
				zap.String("message_id", msg.ID), zap.Error(err))
			return models.Message{}, false
		}
		if full.SenderName != "" {
			return full, true
		}
		msg = full
	}

	msg.SenderName = b.senderName(ctx, msg.SenderID)
	return msg, true
}

func (b *Bridge) senderName(ctx context.Context, senderID string) string {
	profile, err := b.profiles.GetProfile(ctx, senderID)
	if err != nil {
		b.logger.Debug("sender lookup failed", zap.String("sender_id", senderID), zap.Error(err))
		return models.DisplayName(senderID, "", "")
	}
	return profile.DisplayName()
}
