package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"dm-service/internal/models"
)

// MessageRepository defines interactions for direct messages.
type MessageRepository interface {
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	CreateMessage(ctx context.Context, conversationID, senderID, content string) (models.Message, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

type messageRow struct {
	models.Message
	SenderUsername sql.NullString `db:"sender_username"`
	SenderEmail    string         `db:"sender_email"`
}

func (row messageRow) toMessage() models.Message {
	msg := row.Message
	msg.SenderName = models.DisplayName(msg.SenderID, row.SenderUsername.String, row.SenderEmail)
	return msg
}

// ListMessages returns the whole conversation ordered by (created_at, id).
func (r *MessageRepo) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	query := `SELECT m.id, m.conversation_id, m.sender_id, m.content, m.created_at,
            p.username AS sender_username, COALESCE(p.email, '') AS sender_email
        FROM messages m
        LEFT JOIN profiles p ON p.id = m.sender_id
        WHERE m.conversation_id=$1
        ORDER BY m.created_at ASC, m.id ASC`
	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, query, conversationID); err != nil {
		return nil, err
	}
	msgs := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, row.toMessage())
	}
	return msgs, nil
}

// CreateMessage stores a message only if the sender participates in the conversation.
func (r *MessageRepo) CreateMessage(ctx context.Context, conversationID, senderID, content string) (models.Message, error) {
	query := `INSERT INTO messages (conversation_id, sender_id, content)
        SELECT c.id, $2::uuid, $3::text FROM conversations c
        WHERE c.id=$1::uuid AND (c.participant1_id=$2::uuid OR c.participant2_id=$2::uuid)
        RETURNING id, conversation_id, sender_id, content, created_at`
	var msg models.Message
	err := r.db.QueryRowxContext(ctx, query, conversationID, senderID, content).StructScan(&msg)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrNotParticipant
	}
	return msg, err
}

// GetMessage retrieves a single message with its sender's display name.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	query := `SELECT m.id, m.conversation_id, m.sender_id, m.content, m.created_at,
            p.username AS sender_username, COALESCE(p.email, '') AS sender_email
        FROM messages m
        LEFT JOIN profiles p ON p.id = m.sender_id
        WHERE m.id=$1`
	var row messageRow
	err := r.db.GetContext(ctx, &row, query, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return row.toMessage(), nil
}
