package repositories

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	userA  = "11111111-1111-1111-1111-111111111111"
	userB  = "22222222-2222-2222-2222-222222222222"
	convID = "33333333-3333-3333-3333-333333333333"
)

var conversationColumns = []string{"id", "participant1_id", "participant2_id", "created_at"}

func TestFindConversationEitherOrder(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConversationRepo(db)
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, participant1_id, participant2_id, created_at FROM conversations`)).
		WithArgs(userB, userA).
		WillReturnRows(sqlmock.NewRows(conversationColumns).AddRow(convID, userA, userB, created))

	conv, err := repo.FindConversation(context.Background(), userB, userA)
	require.NoError(t, err)
	assert.Equal(t, convID, conv.ID)
	assert.Equal(t, userA, conv.Participant1ID)
	assert.True(t, conv.HasParticipant(userB))
}

func TestFindConversationNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConversationRepo(db)

	mock.ExpectQuery(`FROM conversations`).
		WithArgs(userA, userB).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindConversation(context.Background(), userA, userB)
	require.ErrorIs(t, err, ErrConversationNotFound)
}

func TestCreateConversationMapsConstraintViolations(t *testing.T) {
	cases := []struct {
		name string
		code pq.ErrorCode
		want error
	}{
		{name: "unique pair", code: "23505", want: ErrConversationExists},
		{name: "unknown profile", code: "23503", want: ErrProfileNotFound},
		{name: "self pair", code: "23514", want: ErrSelfConversation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := NewConversationRepo(db)

			mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO conversations`)).
				WithArgs(userA, userB).
				WillReturnError(&pq.Error{Code: tc.code})

			_, err := repo.CreateConversation(context.Background(), userA, userB)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCreateConversationPassesOtherErrors(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConversationRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO conversations`)).
		WithArgs(userA, userB).
		WillReturnError(sql.ErrConnDone)

	_, err := repo.CreateConversation(context.Background(), userA, userB)
	require.ErrorIs(t, err, sql.ErrConnDone)
}

func TestCreateConversationReturnsRow(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConversationRepo(db)
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO conversations`)).
		WithArgs(userA, userB).
		WillReturnRows(sqlmock.NewRows(conversationColumns).AddRow(convID, userA, userB, created))

	conv, err := repo.CreateConversation(context.Background(), userA, userB)
	require.NoError(t, err)
	assert.Equal(t, convID, conv.ID)
	assert.Equal(t, created, conv.CreatedAt)
}

func TestGetConversationNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConversationRepo(db)

	mock.ExpectQuery(`FROM conversations WHERE id=`).
		WithArgs(convID).
		WillReturnRows(sqlmock.NewRows(conversationColumns))

	_, err := repo.GetConversation(context.Background(), convID)
	require.ErrorIs(t, err, ErrConversationNotFound)
}
