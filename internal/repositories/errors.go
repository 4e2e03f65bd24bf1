package repositories

import (
	"errors"

	"github.com/lib/pq"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrConversationExists is returned when the pair constraint rejects an insert.
	ErrConversationExists = errors.New("conversation already exists")
	ErrSelfConversation   = errors.New("cannot start a conversation with self")
	ErrMessageNotFound    = errors.New("message not found")
	ErrNotParticipant     = errors.New("sender is not a conversation participant")
	ErrProfileNotFound    = errors.New("profile not found")
)

const (
	pqForeignKeyViolation = "23503"
	pqUniqueViolation     = "23505"
	pqCheckViolation      = "23514"
)

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}
