// Package conversation resolves the single canonical conversation of a user pair.
package conversation

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"dm-service/internal/apperrors"
	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/repositories"
)

const (
	OutcomeFound    = "found"
	OutcomeCreated  = "created"
	OutcomeConflict = "conflict"
)

// Resolver implements idempotent create over an unordered-pair constraint:
// look up, insert on miss, and re-read when a concurrent caller won the insert.
type Resolver struct {
	store  repositories.ConversationRepository
	logger *zap.Logger
}

// NewResolver constructs a Resolver. Pass nil logger for a no-op logger.
func NewResolver(store repositories.ConversationRepository, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, logger: logger.With(zap.String("component", "resolver"))}
}

// Resolve returns the conversation id for {userA, userB}, creating it once if absent.
func (r *Resolver) Resolve(ctx context.Context, userA, userB string) (id string, err error) {
	ctx, span := observability.Tracer("conversation").Start(ctx, "conversation.resolve",
		trace.WithAttributes(attribute.String("user.a", userA), attribute.String("user.b", userB)))
	defer func() { observability.EndSpan(span, err) }()

	conv, outcome, err := r.resolve(ctx, userA, userB)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("conversation.id", conv.ID), attribute.String("outcome", outcome))
	observability.IncConversationResolved(outcome)
	if outcome != OutcomeFound {
		r.logger.Info("conversation resolved",
			zap.String("conversation_id", conv.ID),
			zap.String("outcome", outcome))
	}
	if outcome == OutcomeCreated {
		observability.PublishDomainEvent(ctx, observability.RoutingConversations, "conversation_created", map[string]interface{}{
			"conversation_id": conv.ID,
			"participant1_id": conv.Participant1ID,
			"participant2_id": conv.Participant2ID,
		})
	}
	return conv.ID, nil
}

func (r *Resolver) resolve(ctx context.Context, userA, userB string) (models.Conversation, string, error) {
	if userA == "" || userB == "" {
		return models.Conversation{}, "", apperrors.Validation("both participants are required")
	}
	if userA == userB {
		return models.Conversation{}, "", apperrors.Validation(repositories.ErrSelfConversation.Error())
	}

	conv, err := r.store.FindConversation(ctx, userA, userB)
	if err == nil {
		return conv, OutcomeFound, nil
	}
	if !errors.Is(err, repositories.ErrConversationNotFound) {
		return models.Conversation{}, "", apperrors.Transport("find conversation", err)
	}

	conv, err = r.store.CreateConversation(ctx, userA, userB)
	switch {
	case err == nil:
		return conv, OutcomeCreated, nil
	case errors.Is(err, repositories.ErrConversationExists):
		// Lost the insert race; the winner's row is now visible.
		conv, err = r.store.FindConversation(ctx, userA, userB)
		if err != nil {
			return models.Conversation{}, "", apperrors.Transport("re-read conversation after conflict", err)
		}
		return conv, OutcomeConflict, nil
	case errors.Is(err, repositories.ErrProfileNotFound):
		return models.Conversation{}, "", apperrors.Validation("unknown participant")
	default:
		return models.Conversation{}, "", apperrors.Transport("create conversation", err)
	}
}
