package ws

import "time"

// ConnInfo identifies one connection in logs and lifecycle events.
type ConnInfo struct {
	ConnID      string
	UserID      string
	DeviceID    string
	IP          string
	UserAgent   string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}
