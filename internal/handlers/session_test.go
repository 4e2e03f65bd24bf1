package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"dm-service/internal/mocks"
	"dm-service/internal/presence"
	"dm-service/internal/telemetry"
)

type sessionFixture struct {
	profiles  *mocks.ProfileRepositoryMock
	auth      *mocks.AuthClientMock
	publisher *mocks.PublisherMock
	router    *gin.Engine
}

func setupSessionRouter() *sessionFixture {
	gin.SetMode(gin.TestMode)
	f := &sessionFixture{
		profiles:  new(mocks.ProfileRepositoryMock),
		auth:      new(mocks.AuthClientMock),
		publisher: new(mocks.PublisherMock),
	}
	audit := telemetry.NewAuditEmitter(f.publisher, "audit.dm", "dm-service", "test", nil)
	handler := NewSessionHandler(f.profiles, presence.NewTracker(f.profiles, nil), f.auth, audit)

	r := gin.New()
	r.Use(withIdentity(alice))
	r.POST("/session/start", handler.Start)
	r.POST("/session/end", handler.End)
	f.router = r
	return f
}

func (f *sessionFixture) post(path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
	return rec
}

func TestSessionStartMarksOnline(t *testing.T) {
	f := setupSessionRouter()
	f.profiles.On("EnsureProfile", mock.Anything, alice).Return(nil).Once()
	f.profiles.On("SetPresence", mock.Anything, aliceID, true, mock.Anything).Return(nil).Once()

	rec := f.post("/session/start")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"online"}`, rec.Body.String())
	f.profiles.AssertExpectations(t)
}

func TestSessionStartProfileFailure(t *testing.T) {
	f := setupSessionRouter()
	f.profiles.On("EnsureProfile", mock.Anything, alice).Return(assert.AnError).Once()

	rec := f.post("/session/start")

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	f.profiles.AssertNotCalled(t, "SetPresence", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSessionStartPresenceFailure(t *testing.T) {
	f := setupSessionRouter()
	f.profiles.On("EnsureProfile", mock.Anything, alice).Return(nil).Once()
	f.profiles.On("SetPresence", mock.Anything, aliceID, true, mock.Anything).Return(assert.AnError).Once()

	rec := f.post("/session/start")

	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestSessionEndSignsOut(t *testing.T) {
	f := setupSessionRouter()
	f.profiles.On("SetPresence", mock.Anything, aliceID, false, mock.Anything).Return(nil).Once()
	f.auth.On("SignOut", mock.Anything, "alice-token").Return(nil).Once()
	f.publisher.On("Publish", mock.Anything, "audit.dm", mock.Anything).Return(nil).Once()

	rec := f.post("/session/end")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"offline"}`, rec.Body.String())
	f.profiles.AssertExpectations(t)
	f.auth.AssertExpectations(t)
	f.publisher.AssertExpectations(t)
}

func TestSessionEndAuthFailure(t *testing.T) {
	f := setupSessionRouter()
	f.profiles.On("SetPresence", mock.Anything, aliceID, false, mock.Anything).Return(nil).Once()
	f.auth.On("SignOut", mock.Anything, "alice-token").Return(assert.AnError).Once()

	rec := f.post("/session/end")

	require.Equal(t, http.StatusBadGateway, rec.Code)
	f.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestSessionEndPresenceFailureSkipsAuth(t *testing.T) {
	f := setupSessionRouter()
	f.profiles.On("SetPresence", mock.Anything, aliceID, false, mock.Anything).Return(assert.AnError).Once()

	rec := f.post("/session/end")

	require.Equal(t, http.StatusBadGateway, rec.Code)
	f.auth.AssertNotCalled(t, "SignOut", mock.Anything, mock.Anything)
}
