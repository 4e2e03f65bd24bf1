package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"dm-service/internal/memstore"
	"dm-service/internal/mocks"
	"dm-service/internal/models"
	"dm-service/internal/presence"
	"dm-service/internal/session"
)

const (
	aliceID = "11111111-1111-1111-1111-111111111111"
	bobID   = "22222222-2222-2222-2222-222222222222"
)

var (
	alice = models.Identity{UserID: aliceID, Email: "alice@example.com", Username: "alice", Token: "alice-token"}
	bob   = models.Identity{UserID: bobID, Email: "bob@example.com", Token: "bob-token"}
)

type wsFixture struct {
	store  *memstore.Store
	auth   *mocks.AuthClientMock
	hub    *Hub
	server *httptest.Server
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := memstore.New(nil)
	auth := new(mocks.AuthClientMock)
	auth.On("ValidateToken", mock.Anything, "alice-token").Return(alice, nil).Maybe()
	auth.On("ValidateToken", mock.Anything, mock.Anything).Return(nil, assert.AnError).Maybe()

	hub := NewHub()
	handler := NewSessionWebSocketHandler(hub, auth, session.Deps{
		Conversations: store,
		Messages:      store,
		Profiles:      store,
		Feed:          store.Feed(),
		Presence:      presence.NewTracker(store, nil),
	}, nil)

	r := gin.New()
	r.GET("/ws", handler.Handle)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return &wsFixture{store: store, auth: auth, hub: hub, server: server}
}

func (f *wsFixture) dial(t *testing.T, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=" + token
	return websocket.DefaultDialer.Dial(url, nil)
}

func readEvent(t *testing.T, conn *websocket.Conn, eventType string) session.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev session.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		if ev.Type == eventType {
			return ev
		}
	}
}

func (f *wsFixture) online(t *testing.T, userID string) bool {
	t.Helper()
	p, err := f.store.GetProfile(context.Background(), userID)
	require.NoError(t, err)
	return p.OnlineStatus
}

func TestWebSocketRejectsInvalidToken(t *testing.T) {
	f := newWSFixture(t)

	_, resp, err := f.dial(t, "bogus")

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, f.hub.Users())
}

func TestWebSocketSessionLifecycle(t *testing.T) {
	f := newWSFixture(t)
	require.NoError(t, f.store.EnsureProfile(context.Background(), bob))

	conn, _, err := f.dial(t, "alice-token")
	require.NoError(t, err)
	defer conn.Close()

	roster := readEvent(t, conn, session.EventRoster)
	require.Len(t, roster.Roster, 1)
	assert.Equal(t, bobID, roster.Roster[0].UserID)
	assert.True(t, f.online(t, aliceID))
	assert.Equal(t, 1, f.hub.Count(aliceID))

	require.NoError(t, conn.WriteJSON(map[string]string{"type": CommandSelectPeer, "peer_id": bobID}))
	timeline := readEvent(t, conn, session.EventTimeline)
	assert.Equal(t, bobID, timeline.PeerID)
	assert.Empty(t, timeline.Messages)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": CommandSendMessage, "content": " hi "}))
	msg := readEvent(t, conn, session.EventMessage)
	require.NotNil(t, msg.Message)
	assert.Equal(t, "hi", msg.Message.Content)
	assert.Equal(t, timeline.ConversationID, msg.ConversationID)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": CommandSendMessage, "content": "   "}))
	errEvent := readEvent(t, conn, session.EventError)
	assert.Equal(t, "validation", errEvent.Kind)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "dance"}))
	errEvent = readEvent(t, conn, session.EventError)
	assert.Equal(t, "validation", errEvent.Kind)

	f.auth.On("SignOut", mock.Anything, "alice-token").Return(nil).Once()
	require.NoError(t, conn.WriteJSON(map[string]string{"type": CommandSignOut}))
	readEvent(t, conn, eventSignedOut)

	assert.False(t, f.online(t, aliceID))
	f.auth.AssertCalled(t, "SignOut", mock.Anything, "alice-token")
	require.Eventually(t, func() bool { return f.hub.Users() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWebSocketDropMarksOffline(t *testing.T) {
	f := newWSFixture(t)

	conn, _, err := f.dial(t, "alice-token")
	require.NoError(t, err)
	readEvent(t, conn, session.EventRoster)
	require.True(t, f.online(t, aliceID))

	conn.Close()

	require.Eventually(t, func() bool {
		return !f.online(t, aliceID) && f.hub.Users() == 0
	}, 2*time.Second, 10*time.Millisecond)
	f.auth.AssertNotCalled(t, "SignOut", mock.Anything, mock.Anything)
}
