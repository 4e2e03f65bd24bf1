// Package telemetry emits audit records for user-visible state changes such
// as conversation creation and sign-out.
package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const auditSchemaVersion = 2

// Publisher is the subset of the AMQP publisher the emitter needs.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// Record is one audit entry as built by a handler.
type Record struct {
	Level     string
	Action    string
	Text      string
	RequestID string
	UserID    *string
	Attrs     map[string]string
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level  string            `json:"level"`
	Action string            `json:"action"`
	Text   string            `json:"text"`
	Attrs  map[string]string `json:"attrs,omitempty"`
}

// AuditEmitter is nil-safe: a nil emitter or publisher drops records.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	logger      *zap.Logger
	now         func() time.Time
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string, logger *zap.Logger) *AuditEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		logger:      logger.With(zap.String("component", "audit")),
		now:         time.Now,
	}
}

// Emit publishes rec. Publish failures are logged and not returned.
func (e *AuditEmitter) Emit(ctx context.Context, rec Record) {
	if e == nil || e.publisher == nil {
		return
	}
	if rec.Level == "" {
		rec.Level = "INFO"
	}

	e.logger.Debug("audit emit",
		zap.String("action", rec.Action),
		zap.String("request_id", rec.RequestID),
		zap.Stringp("user_id", rec.UserID))

	envelope := AuditEnvelope{
		SchemaVersion: auditSchemaVersion,
		EventType:     "audit_log",
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     rec.RequestID,
		UserID:        rec.UserID,
		Payload: AuditPayload{
			Level:  rec.Level,
			Action: rec.Action,
			Text:   rec.Text,
			Attrs:  rec.Attrs,
		},
	}
	if err := e.publisher.Publish(ctx, e.routingKey, envelope); err != nil {
		e.logger.Warn("audit publish failed", zap.String("action", rec.Action), zap.Error(err))
	}
}
