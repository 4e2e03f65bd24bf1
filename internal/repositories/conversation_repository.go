package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"dm-service/internal/models"
)

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	FindConversation(ctx context.Context, userA, userB string) (models.Conversation, error)
	CreateConversation(ctx context.Context, userA, userB string) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (models.Conversation, error)
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// FindConversation looks the pair up in either stored order.
func (r *ConversationRepo) FindConversation(ctx context.Context, userA, userB string) (models.Conversation, error) {
	var conv models.Conversation
	query := `SELECT id, participant1_id, participant2_id, created_at FROM conversations
        WHERE (participant1_id=$1 AND participant2_id=$2) OR (participant1_id=$2 AND participant2_id=$1)
        LIMIT 1`
	err := r.db.GetContext(ctx, &conv, query, userA, userB)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// CreateConversation inserts (userA, userB) as stored. A concurrent insert for
// the same unordered pair surfaces as ErrConversationExists.
func (r *ConversationRepo) CreateConversation(ctx context.Context, userA, userB string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.QueryRowxContext(ctx, `INSERT INTO conversations (participant1_id, participant2_id) VALUES ($1, $2) RETURNING id, participant1_id, participant2_id, created_at`, userA, userB).
		StructScan(&conv)
	switch pqCode(err) {
	case "":
		return conv, err
	case pqUniqueViolation:
		return models.Conversation{}, ErrConversationExists
	case pqForeignKeyViolation:
		return models.Conversation{}, ErrProfileNotFound
	case pqCheckViolation:
		return models.Conversation{}, ErrSelfConversation
	default:
		return models.Conversation{}, err
	}
}

// GetConversation fetches a conversation by id.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT id, participant1_id, participant2_id, created_at FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}
