package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"bitriver-relay/internal/auth"
	"bitriver-relay/internal/events"
	"bitriver-relay/internal/media"
	"bitriver-relay/internal/observability/logging"
	"bitriver-relay/internal/observability/metrics"
	"bitriver-relay/internal/stream"
)

// ProtocolConfig wires the signaling state machine to the registry and its
// observers. Registry is required.
type ProtocolConfig struct {
	Registry        *stream.Registry
	Publisher       *events.Publisher
	Logger          *slog.Logger
	Recorder        *metrics.Recorder
	TransportConfig media.WebRTCTransportConfig
	// ErrorResponses sends an error message for failed requests after
	// authentication. When false failures are only logged.
	ErrorResponses bool
}

// Protocol creates sessions and owns the state they share: the set of client
// ids that are currently connected.
type Protocol struct {
	registry        *stream.Registry
	publisher       *events.Publisher
	logger          *slog.Logger
	recorder        *metrics.Recorder
	transportConfig media.WebRTCTransportConfig
	errorResponses  bool

	mu      sync.Mutex
	clients map[string]string
}

// NewProtocol returns a Protocol for cfg.
func NewProtocol(cfg ProtocolConfig) (*Protocol, error) {
	if cfg.Registry == nil {
		return nil, errors.New("signaling: stream registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{
		registry:        cfg.Registry,
		publisher:       cfg.Publisher,
		logger:          logging.WithComponent(logger, "signaling"),
		recorder:        cfg.Recorder,
		transportConfig: cfg.TransportConfig,
		errorResponses:  cfg.ErrorResponses,
		clients:         make(map[string]string),
	}, nil
}

// claimClient binds clientID to sessionID unless another live session holds it.
func (p *Protocol) claimClient(clientID, sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if owner, taken := p.clients[clientID]; taken && owner != sessionID {
		return false
	}
	p.clients[clientID] = sessionID
	return true
}

func (p *Protocol) releaseClient(clientID, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clients[clientID] == sessionID {
		delete(p.clients, clientID)
	}
}

// Session is a connection that has not authenticated yet. Its only operation
// is Authenticate; every other action needs the AuthenticatedSession it
// returns.
type Session struct {
	protocol *Protocol
	id       string
	sender   Sender
	logger   *slog.Logger
}

// NewSession starts a session whose replies go to sender.
func (p *Protocol) NewSession(id string, sender Sender) *Session {
	return &Session{
		protocol: p,
		id:       id,
		sender:   sender,
		logger:   p.logger.With("session_id", id),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Authenticate treats payload as the session's first message. It must be a
// clientConnect for an existing stream; on success the router capabilities
// are sent and the client id is bound for the rest of the connection. Any
// error means the connection must be closed without a reply.
func (s *Session) Authenticate(ctx context.Context, payload []byte) (*AuthenticatedSession, error) {
	p := s.protocol
	a, err := s.authenticate(ctx, payload)
	if err != nil {
		reason := AuthFailureReason(err)
		p.recorder.ObserveAuthentication(reason)
		s.logger.Warn("session authentication failed", "reason", reason, "error", err)
		evt := events.Event{Type: events.SessionRejected, SessionID: s.id, Detail: reason}
		var msg Inbound
		if json.Unmarshal(payload, &msg) == nil {
			evt.ClientID = msg.ClientID
			if msg.StreamID != nil {
				evt.StreamID = *msg.StreamID
			}
		}
		p.publisher.Publish(ctx, evt)
		return nil, err
	}
	p.recorder.ObserveAuthentication("success")
	a.logger.Info("session authenticated")
	p.publisher.Publish(ctx, events.Event{Type: events.SessionAuthenticated, SessionID: s.id, ClientID: a.clientID, StreamID: a.streamID})
	return a, nil
}

func (s *Session) authenticate(ctx context.Context, payload []byte) (*AuthenticatedSession, error) {
	p := s.protocol
	var msg Inbound
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, rejectAuth("malformed", err)
	}
	if msg.Action != ActionClientConnect {
		return nil, rejectAuth("invalid_action", nil)
	}
	if msg.StreamID == nil {
		return nil, rejectAuth("unknown_stream", nil)
	}
	st, ok := p.registry.Get(*msg.StreamID)
	if !ok {
		return nil, rejectAuth("unknown_stream", stream.ErrStreamNotFound)
	}
	clientID, err := auth.NormalizeClientID(msg.ClientID)
	if err != nil {
		return nil, rejectAuth("invalid_client_id", err)
	}
	if hash := st.ViewerKeyHash(); hash != "" {
		if err := auth.VerifyViewerKey(hash, msg.ViewerKey); err != nil {
			return nil, rejectAuth("invalid_viewer_key", err)
		}
	}
	if !p.claimClient(clientID, s.id) {
		return nil, rejectAuth("duplicate_client", nil)
	}

	a := &AuthenticatedSession{
		Session:  s,
		clientID: clientID,
		streamID: st.ID(),
		touched:  map[stream.ID]struct{}{st.ID(): {}},
		logger:   s.logger.With("client_id", clientID),
	}
	caps := st.Router().RTPCapabilities()
	if err := s.sender.Send(Outbound{Action: ActionRTPCapabilities, RTPCapabilities: &caps}); err != nil {
		p.releaseClient(clientID, s.id)
		return nil, rejectAuth("send_failed", err)
	}
	return a, nil
}

// AuthenticatedSession is a session bound to a client id. Its methods are
// called from the connection's read goroutine only.
type AuthenticatedSession struct {
	*Session
	clientID string
	streamID stream.ID
	touched  map[stream.ID]struct{}
	logger   *slog.Logger
	closed   bool
}

// ClientID is the normalised id bound at authentication.
func (a *AuthenticatedSession) ClientID() string { return a.clientID }

// StreamID is the stream named in clientConnect.
func (a *AuthenticatedSession) StreamID() stream.ID { return a.streamID }

// Touched lists the streams this session has referenced, in order.
func (a *AuthenticatedSession) Touched() []stream.ID {
	out := make([]stream.ID, 0, len(a.touched))
	for id := range a.touched {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close releases the client's resources on every touched stream and frees
// its client id. It is safe to call more than once.
func (a *AuthenticatedSession) Close(ctx context.Context) {
	if a.closed {
		return
	}
	a.closed = true
	p := a.protocol
	for _, id := range a.Touched() {
		p.registry.RemoveClient(id, a.clientID)
	}
	p.releaseClient(a.clientID, a.id)
	a.logger.Info("session closed", "streams", len(a.touched))
	p.publisher.Publish(ctx, events.Event{Type: events.SessionClosed, SessionID: a.id, ClientID: a.clientID, StreamID: a.streamID})
}
