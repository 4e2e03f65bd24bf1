package observability

// Routing keys for events published on the service exchange.
const (
	RoutingWSSessions    = "ws_events.sessions"
	RoutingConversations = "dm_events.conversations"
	RoutingMessages      = "dm_events.messages"
	RoutingPresence      = "dm_events.presence"
)

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}
