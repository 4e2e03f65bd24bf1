package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"dm-service/internal/mocks"
)

func TestEmitBuildsEnvelope(t *testing.T) {
	publisher := new(mocks.PublisherMock)
	emitter := NewAuditEmitter(publisher, "audit.dm", "dm-service", "test", nil)
	emitter.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	userID := "11111111-1111-1111-1111-111111111111"

	var got AuditEnvelope
	publisher.On("Publish", mock.Anything, "audit.dm", mock.AnythingOfType("telemetry.AuditEnvelope")).
		Run(func(args mock.Arguments) { got = args.Get(2).(AuditEnvelope) }).
		Return(nil).Once()

	emitter.Emit(context.Background(), Record{
		Action:    "session.end",
		Text:      "user signed out",
		RequestID: "req-1",
		UserID:    &userID,
		Attrs:     map[string]string{"reason": "sign_out"},
	})

	publisher.AssertExpectations(t)
	assert.Equal(t, "audit_log", got.EventType)
	assert.Equal(t, "2024-03-01T12:00:00Z", got.OccurredAt)
	assert.Equal(t, "INFO", got.Payload.Level)
	assert.Equal(t, "session.end", got.Payload.Action)
	assert.Equal(t, "sign_out", got.Payload.Attrs["reason"])
	require.NotNil(t, got.UserID)
	assert.Equal(t, userID, *got.UserID)
}

func TestEmitSwallowsPublishErrors(t *testing.T) {
	publisher := new(mocks.PublisherMock)
	publisher.On("Publish", mock.Anything, "audit.dm", mock.Anything).Return(assert.AnError).Once()
	emitter := NewAuditEmitter(publisher, "audit.dm", "dm-service", "test", nil)

	assert.NotPanics(t, func() { emitter.Emit(context.Background(), Record{Action: "x"}) })
	publisher.AssertExpectations(t)
}

func TestNilEmitterIsNoop(t *testing.T) {
	var emitter *AuditEmitter
	assert.NotPanics(t, func() { emitter.Emit(context.Background(), Record{Action: "x"}) })
	assert.NotPanics(t, func() { NewAuditEmitter(nil, "k", "s", "e", nil).Emit(context.Background(), Record{}) })
}
