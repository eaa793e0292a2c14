package stream

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"bitriver-relay/internal/media"
	"bitriver-relay/internal/observability/logging"
	"bitriver-relay/internal/observability/metrics"
)

// RemovalCause explains why a client's resources were released.
type RemovalCause string

const (
	// RemovalExplicit is a RemoveClient call, usually on disconnect.
	RemovalExplicit RemovalCause = "explicit"
	// RemovalTransportClosed is the engine closing the consumer transport.
	RemovalTransportClosed RemovalCause = "transport_closed"
	// RemovalReplaced is a second createConsumerTransport by the same client.
	RemovalReplaced RemovalCause = "replaced"
)

// Config wires the registry's collaborators.
type Config struct {
	Logger   *slog.Logger
	Recorder *metrics.Recorder
	// OnRemove is called after a client's resources on a stream are released.
	OnRemove func(streamID ID, clientID string, cause RemovalCause)
}

// Registry is the catalog of active streams. The stream map is only written
// during bootstrap; consumer-side state lives in each Stream, so no lock is
// held here while calling into the media engine.
type Registry struct {
	logger   *slog.Logger
	recorder *metrics.Recorder
	onRemove func(ID, string, RemovalCause)

	mu      sync.RWMutex
	streams map[ID]*Stream
}

// NewRegistry constructs an empty Registry.
func NewRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logging.WithComponent(logger, "registry"),
		recorder: cfg.Recorder,
		onRemove: cfg.OnRemove,
		streams:  make(map[ID]*Stream),
	}
}

// Add publishes a fully bootstrapped stream.
func (r *Registry) Add(s *Stream) error {
	if s == nil {
		return fmt.Errorf("stream is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.streams[s.id]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateStream, s.id)
	}
	r.streams[s.id] = s
	return nil
}

// Remove withdraws s if it is still the stream registered under its ID. It
// exists for bootstrap rollback; clients of s are not released here.
func (r *Registry) Remove(s *Stream) bool {
	if s == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.streams[s.id] != s {
		return false
	}
	delete(r.streams, s.id)
	return true
}

// Get looks up a stream. It has no side effects.
func (r *Registry) Get(id ID) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[id]
	return s, ok
}

// Streams returns every registered stream ordered by ID.
func (r *Registry) Streams() []*Stream {
	r.mu.RLock()
	out := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// RegisterConsumerTransport stores t as the client's consumer transport on
// the stream and subscribes to its close notification. A transport already
// held by the client is closed, together with its consumers, before the new
// one takes its place.
func (r *Registry) RegisterConsumerTransport(id ID, clientID string, t media.WebRTCTransport) error {
	if t == nil {
		return fmt.Errorf("consumer transport is required")
	}
	s, ok := r.Get(id)
	if !ok {
		return ErrStreamNotFound
	}

	if previous := s.swapTransport(clientID, t); previous != nil {
		r.logger.Warn("replacing consumer transport", "stream_id", id, "client_id", clientID,
			"previous_transport_id", previous.transport.ID(), "transport_id", t.ID())
		r.release(id, clientID, previous, true)
		r.notify(id, clientID, RemovalReplaced)
	}
	r.recorder.TransportOpened()

	unsubscribe := t.OnClose(func() {
		r.transportClosed(s, clientID, t)
	})
	if !s.attachObserver(clientID, t, unsubscribe) {
		unsubscribe()
	}
	return nil
}

// GetConsumerTransport returns the client's consumer transport on the stream.
func (r *Registry) GetConsumerTransport(id ID, clientID string) (media.WebRTCTransport, bool) {
	s, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	return s.transport(clientID)
}

// RegisterConsumer binds c to the client under its kind. A previous consumer
// of the same kind is closed so a client never holds two at once. The client
// must already hold a consumer transport.
func (r *Registry) RegisterConsumer(id ID, clientID string, kind media.Kind, c media.Consumer) error {
	if !kind.Valid() {
		return fmt.Errorf("invalid consumer kind %q", kind)
	}
	if c == nil {
		return fmt.Errorf("consumer is required")
	}
	s, ok := r.Get(id)
	if !ok {
		return ErrStreamNotFound
	}
	previous, err := s.putConsumer(clientID, kind, c)
	if err != nil {
		return err
	}
	if previous != nil && previous != c {
		r.logger.Debug("replacing consumer", "stream_id", id, "client_id", clientID, "kind", kind, "consumer_id", previous.ID())
		r.closeHandle("consumer", previous.ID(), previous)
	}
	return nil
}

// GetConsumer returns the client's consumer of kind on the stream.
func (r *Registry) GetConsumer(id ID, clientID string, kind media.Kind) (media.Consumer, bool) {
	s, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	return s.consumer(clientID, kind)
}

// RemoveClient closes and forgets the client's consumer transport and
// consumers on the stream. It is idempotent and reports whether anything was
// released.
func (r *Registry) RemoveClient(id ID, clientID string) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	entry := s.takeClient(clientID)
	if entry == nil {
		return false
	}
	r.release(id, clientID, entry, true)
	r.recorder.ObserveClientRemoval()
	r.logger.Debug("client removed", "stream_id", id, "client_id", clientID)
	r.notify(id, clientID, RemovalExplicit)
	return true
}

func (r *Registry) transportClosed(s *Stream, clientID string, t media.WebRTCTransport) {
	entry := s.takeClientIf(clientID, t)
	if entry == nil {
		return
	}
	// The transport is already closed; only its consumers are released.
	r.release(s.id, clientID, entry, false)
	r.recorder.ObserveClientRemoval()
	r.logger.Info("consumer transport closed", "stream_id", s.id, "client_id", clientID, "transport_id", t.ID())
	r.notify(s.id, clientID, RemovalTransportClosed)
}

func (r *Registry) release(id ID, clientID string, entry *clientEntry, closeTransport bool) {
	if entry.unsubscribe != nil {
		entry.unsubscribe()
	}
	for _, kind := range []media.Kind{media.KindVideo, media.KindAudio} {
		if c, ok := entry.consumers[kind]; ok && c != nil {
			r.closeHandle("consumer", c.ID(), c)
		}
	}
	if closeTransport && entry.transport != nil {
		r.closeHandle("transport", entry.transport.ID(), entry.transport)
	}
	r.recorder.TransportClosed()
}

func (r *Registry) closeHandle(kind, handleID string, c media.Closable) {
	if err := c.Close(); err != nil {
		r.logger.Warn("close media handle failed", "handle", kind, "id", handleID, "error", err)
	}
}

func (r *Registry) notify(id ID, clientID string, cause RemovalCause) {
	if r.onRemove != nil {
		r.onRemove(id, clientID, cause)
	}
}
