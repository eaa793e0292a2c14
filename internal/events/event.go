package events

import (
	"time"

	"bitriver-relay/internal/stream"
)

// Type names a session lifecycle event.
type Type string

const (
	SessionAuthenticated Type = "session.authenticated"
	SessionRejected      Type = "session.rejected"
	SessionClosed        Type = "session.closed"
	TransportCreated     Type = "transport.created"
	TransportConnected   Type = "transport.connected"
	ConsumerCreated      Type = "consumer.created"
	ConsumerResumed      Type = "consumer.resumed"
	ClientRemoved        Type = "client.removed"
	RequestFailed        Type = "request.failed"
	IngestStarted        Type = "ingest.started"
	IngestExited         Type = "ingest.exited"
)

// Event is an audit record of something that happened to a signaling session
// or an ingest process.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	StreamID   stream.ID `json:"streamId"`
	SessionID  string    `json:"sessionId,omitempty"`
	ClientID   string    `json:"clientId,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	ResourceID string    `json:"resourceId,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}
