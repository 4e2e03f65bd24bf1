package repositories

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var messageColumns = []string{"id", "conversation_id", "sender_id", "content", "created_at", "sender_username", "sender_email"}

func TestListMessagesResolvesSenderNames(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY m.created_at ASC, m.id ASC`)).
		WithArgs(convID).
		WillReturnRows(sqlmock.NewRows(messageColumns).
			AddRow("m1", convID, userA, "hi", at, "alice", "alice@example.com").
			AddRow("m2", convID, userB, "hey", at.Add(time.Second), nil, "bob@example.com").
			AddRow("m3", convID, userB, "gone", at.Add(2*time.Second), nil, ""))

	msgs, err := repo.ListMessages(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "alice", msgs[0].SenderName)
	assert.Equal(t, "bob", msgs[1].SenderName)
	assert.Equal(t, userB[:8], msgs[2].SenderName)
	assert.Equal(t, "hey", msgs[1].Content)
}

func TestListMessagesEmpty(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)

	mock.ExpectQuery(`FROM messages m`).
		WithArgs(convID).
		WillReturnRows(sqlmock.NewRows(messageColumns))

	msgs, err := repo.ListMessages(context.Background(), convID)
	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}

func TestCreateMessageRejectsNonParticipant(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO messages`)).
		WithArgs(convID, userA, "hi").
		WillReturnRows(sqlmock.NewRows([]string{"id", "conversation_id", "sender_id", "content", "created_at"}))

	_, err := repo.CreateMessage(context.Background(), convID, userA, "hi")
	require.ErrorIs(t, err, ErrNotParticipant)
}

func TestCreateMessageReturnsStoredRow(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO messages`)).
		WithArgs(convID, userA, "hi").
		WillReturnRows(sqlmock.NewRows([]string{"id", "conversation_id", "sender_id", "content", "created_at"}).
			AddRow("m1", convID, userA, "hi", at))

	msg, err := repo.CreateMessage(context.Background(), convID, userA, "hi")
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, at, msg.CreatedAt)
}

func TestGetMessageNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)

	mock.ExpectQuery(`WHERE m.id=`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(messageColumns))

	_, err := repo.GetMessage(context.Background(), "missing")
	require.ErrorIs(t, err, ErrMessageNotFound)
}
