package signaling

import (
	"bitriver-relay/internal/media"
	"bitriver-relay/internal/stream"
)

// Client actions.
const (
	ActionClientConnect            = "clientConnect"
	ActionCreateConsumerTransport  = "createConsumerTransport"
	ActionConnectConsumerTransport = "connectConsumerTransport"
	ActionReadyForConsume          = "readyForConsume"
	ActionConsume                  = "consume"
	ActionResume                   = "resume"
)

// actionLabel maps a client-supplied action onto the fixed set used for
// metric labels and audit events.
func actionLabel(action string) string {
	switch action {
	case ActionClientConnect, ActionCreateConsumerTransport, ActionConnectConsumerTransport,
		ActionReadyForConsume, ActionConsume, ActionResume:
		return action
	default:
		return "unknown"
	}
}

// Server actions.
const (
	ActionRTPCapabilities          = "rtpCapabilities"
	ActionConsumerTransportCreated = "consumerTransportCreated"
	ActionProducers                = "producers"
	ActionConsumed                 = "consumed"
	ActionError                    = "error"
)

// Inbound is a client message. Fields are flat next to the action; which
// ones are read depends on the action.
type Inbound struct {
	Action          string                 `json:"action"`
	ClientID        string                 `json:"clientId,omitempty"`
	StreamID        *stream.ID             `json:"streamId,omitempty"`
	ViewerKey       string                 `json:"viewerKey,omitempty"`
	DTLSParameters  *media.DTLSParameters  `json:"dtlsParameters,omitempty"`
	RTPCapabilities *media.RTPCapabilities `json:"rtpCapabilities,omitempty"`
	Kind            string                 `json:"kind,omitempty"`
}

// Outbound is a server message, encoded as {"action": ..., ...fields}.
type Outbound struct {
	Action          string                 `json:"action"`
	RTPCapabilities *media.RTPCapabilities `json:"rtpCapabilities,omitempty"`
	Params          any                    `json:"params,omitempty"`
	Kind            string                 `json:"kind,omitempty"`
	Code            string                 `json:"code,omitempty"`
	Message         string                 `json:"message,omitempty"`
	RequestAction   string                 `json:"requestAction,omitempty"`
}

// ConsumedParams describes a new consumer to the client.
type ConsumedParams struct {
	ID             string              `json:"id"`
	ProducerID     string              `json:"producerId"`
	Kind           media.Kind          `json:"kind"`
	RTPParameters  media.RTPParameters `json:"rtpParameters"`
	Type           string              `json:"type"`
	ProducerPaused bool                `json:"producerPaused"`
	AppData        map[string]any      `json:"appData"`
}

// Sender delivers outbound messages to the session's own connection.
type Sender interface {
	Send(msg Outbound) error
}
