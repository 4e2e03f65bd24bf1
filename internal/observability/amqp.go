package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"
)

// Publisher delivers an event body with transport headers. It is satisfied
// by *rabbitmq.Publisher.
type Publisher interface {
	PublishJSON(ctx context.Context, routingKey string, message any, headers map[string]string) error
}

var (
	publisherMu      sync.RWMutex
	defaultPublisher Publisher
)

// SetPublisher installs the process-wide event publisher. Nil disables events.
func SetPublisher(publisher Publisher) {
	publisherMu.Lock()
	defaultPublisher = publisher
	publisherMu.Unlock()
}

// PublishEvent sends message through the installed publisher, if any.
func PublishEvent(ctx context.Context, routingKey string, message any, headers map[string]string) error {
	publisherMu.RLock()
	publisher := defaultPublisher
	publisherMu.RUnlock()
	if publisher == nil {
		return nil
	}

	if err := publisher.PublishJSON(ctx, routingKey, message, headers); err != nil {
		IncAMQPPublishError()
		return err
	}
	return nil
}

// PublishDomainEvent publishes a dm_events envelope carrying the trace id of ctx.
// Failures are counted and otherwise ignored.
func PublishDomainEvent(ctx context.Context, routingKey, name string, payload map[string]interface{}) {
	var traceID string
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	_ = PublishEvent(ctx, routingKey, EventEnvelope{
		EventType: "dm_events",
		EventName: name,
		Payload:   payload,
	}, BuildHeaders("", traceID))
}
