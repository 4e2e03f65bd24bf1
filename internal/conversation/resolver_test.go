package conversation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"dm-service/internal/apperrors"
	"dm-service/internal/memstore"
	"dm-service/internal/mocks"
	"dm-service/internal/models"
	"dm-service/internal/repositories"
)

const (
	alice = "11111111-1111-1111-1111-111111111111"
	bob   = "22222222-2222-2222-2222-222222222222"
)

func TestResolveRejectsSelfWithoutStoreCall(t *testing.T) {
	store := new(mocks.ConversationRepositoryMock)
	r := NewResolver(store, nil)

	_, err := r.Resolve(context.Background(), alice, alice)

	require.ErrorIs(t, err, apperrors.ErrValidation)
	store.AssertNotCalled(t, "FindConversation", mock.Anything, mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "CreateConversation", mock.Anything, mock.Anything, mock.Anything)
}

func TestResolveReturnsExisting(t *testing.T) {
	store := new(mocks.ConversationRepositoryMock)
	r := NewResolver(store, nil)

	store.On("FindConversation", mock.Anything, bob, alice).
		Return(models.Conversation{ID: "c1", Participant1ID: alice, Participant2ID: bob}, nil).Once()

	id, err := r.Resolve(context.Background(), bob, alice)

	require.NoError(t, err)
	assert.Equal(t, "c1", id)
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "CreateConversation", mock.Anything, mock.Anything, mock.Anything)
}

func TestResolveCreatesWhenMissing(t *testing.T) {
	store := new(mocks.ConversationRepositoryMock)
	r := NewResolver(store, nil)

	store.On("FindConversation", mock.Anything, alice, bob).Return(nil, repositories.ErrConversationNotFound).Once()
	store.On("CreateConversation", mock.Anything, alice, bob).
		Return(models.Conversation{ID: "c2", Participant1ID: alice, Participant2ID: bob}, nil).Once()

	id, err := r.Resolve(context.Background(), alice, bob)

	require.NoError(t, err)
	assert.Equal(t, "c2", id)
	store.AssertExpectations(t)
}

func TestResolveConflictReadsWinner(t *testing.T) {
	store := new(mocks.ConversationRepositoryMock)
	r := NewResolver(store, nil)

	store.On("FindConversation", mock.Anything, alice, bob).Return(nil, repositories.ErrConversationNotFound).Once()
	store.On("CreateConversation", mock.Anything, alice, bob).Return(nil, repositories.ErrConversationExists).Once()
	store.On("FindConversation", mock.Anything, alice, bob).
		Return(models.Conversation{ID: "winner", Participant1ID: bob, Participant2ID: alice}, nil).Once()

	id, err := r.Resolve(context.Background(), alice, bob)

	require.NoError(t, err)
	assert.Equal(t, "winner", id)
	store.AssertExpectations(t)
}

func TestResolveTransportFailure(t *testing.T) {
	store := new(mocks.ConversationRepositoryMock)
	r := NewResolver(store, nil)

	store.On("FindConversation", mock.Anything, alice, bob).Return(nil, assert.AnError).Once()

	_, err := r.Resolve(context.Background(), alice, bob)

	require.ErrorIs(t, err, apperrors.ErrTransport)
	require.ErrorIs(t, err, assert.AnError)
	store.AssertNotCalled(t, "CreateConversation", mock.Anything, mock.Anything, mock.Anything)
}

func TestResolveUnknownParticipant(t *testing.T) {
	store := new(mocks.ConversationRepositoryMock)
	r := NewResolver(store, nil)

	store.On("FindConversation", mock.Anything, alice, bob).Return(nil, repositories.ErrConversationNotFound).Once()
	store.On("CreateConversation", mock.Anything, alice, bob).Return(nil, repositories.ErrProfileNotFound).Once()

	_, err := r.Resolve(context.Background(), alice, bob)

	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestResolveConcurrentBothOrdersYieldOneConversation(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(nil)
	require.NoError(t, store.EnsureProfile(ctx, models.Identity{UserID: alice, Email: "alice@example.com"}))
	require.NoError(t, store.EnsureProfile(ctx, models.Identity{UserID: bob, Email: "bob@example.com"}))
	r := NewResolver(store, nil)

	const workers = 32
	var (
		mu  sync.Mutex
		ids = make(map[string]struct{})
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		a, b := alice, bob
		if i%2 == 1 {
			a, b = bob, alice
		}
		g.Go(func() error {
			id, err := r.Resolve(gctx, a, b)
			if err != nil {
				return err
			}
			mu.Lock()
			ids[id] = struct{}{}
			mu.Unlock()
			return nil
		})
	}

	require.NoError(t, g.Wait())
	assert.Len(t, ids, 1)
	assert.Equal(t, 1, store.ConversationCount())
}
