package observability

import "time"

const (
	EventWSConnect    = "ws_connect"
	EventWSDisconnect = "ws_disconnect"
	EventWSError      = "ws_error"

	RoutingWSConnect    = "chat.ws.connect"
	RoutingWSDisconnect = "chat.ws.disconnect"
	RoutingWSError      = "chat.ws.error"
)

type EventEnvelope struct {
	EventType  string      `json:"event_type"`
	EventName  string      `json:"event_name"`
	NodeID     string      `json:"node_id"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

// ConnectionPayload describes one websocket lifecycle transition.
type ConnectionPayload struct {
	UserID    string `json:"user_id,omitempty"`
	IP        string `json:"ip,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Rooms     int    `json:"rooms,omitempty"`
}

func NewWSEvent(name, nodeID string, payload ConnectionPayload) EventEnvelope {
	return EventEnvelope{
		EventType:  "ws_lifecycle",
		EventName:  name,
		NodeID:     nodeID,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
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
