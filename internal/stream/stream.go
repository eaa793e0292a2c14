package stream

import (
	"errors"
	"sort"
	"sync"

	"bitriver-relay/internal/media"
)

var (
	ErrStreamNotFound    = errors.New("stream not found")
	ErrTransportNotFound = errors.New("consumer transport not found")
	ErrConsumerNotFound  = errors.New("consumer not found")
	ErrDuplicateStream   = errors.New("stream already registered")
)

// Stream is one producer's media routed through one router. The producer side
// is fixed by NewStream; the consumer side is keyed by client ID and guarded
// by the stream's own mutex.
type Stream struct {
	id                ID
	name              string
	router            media.Router
	producerTransport media.PlainTransport
	producers         map[media.Kind]media.Producer
	viewerKeyHash     string

	mu      sync.Mutex
	clients map[string]*clientEntry
}

type clientEntry struct {
	transport   media.WebRTCTransport
	unsubscribe func()
	consumers   map[media.Kind]media.Consumer
}

// Producers bundles the producer-side handles created at bootstrap.
type Producers struct {
	Transport media.PlainTransport
	Video     media.Producer
	Audio     media.Producer
}

// Options carries the optional attributes of a Stream.
type Options struct {
	// ViewerKeyHash, when set, must be matched by clientConnect's viewerKey.
	ViewerKeyHash string
}

// NewStream builds a stream around router and its producers. Producer-side
// handles cannot be replaced afterwards.
func NewStream(id ID, name string, router media.Router, producers Producers, opts Options) (*Stream, error) {
	if router == nil {
		return nil, errors.New("stream router is required")
	}
	s := &Stream{
		id:                id,
		name:              name,
		router:            router,
		producerTransport: producers.Transport,
		producers:         make(map[media.Kind]media.Producer, 2),
		viewerKeyHash:     opts.ViewerKeyHash,
		clients:           make(map[string]*clientEntry),
	}
	for kind, p := range map[media.Kind]media.Producer{media.KindVideo: producers.Video, media.KindAudio: producers.Audio} {
		if p == nil {
			continue
		}
		if p.Kind() != kind {
			return nil, errors.New("producer kind does not match its slot")
		}
		s.producers[kind] = p
	}
	return s, nil
}

func (s *Stream) ID() ID                                  { return s.id }
func (s *Stream) Name() string                            { return s.name }
func (s *Stream) Router() media.Router                    { return s.router }
func (s *Stream) ProducerTransport() media.PlainTransport { return s.producerTransport }
func (s *Stream) ViewerKeyHash() string                   { return s.viewerKeyHash }

// Producer returns the producer of kind, if one was created at bootstrap.
func (s *Stream) Producer(kind media.Kind) (media.Producer, bool) {
	p, ok := s.producers[kind]
	return p, ok
}

// Clients returns the IDs of clients holding a consumer transport.
func (s *Stream) Clients() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Snapshot is a read-only view of a stream for status endpoints.
type Snapshot struct {
	ID               ID                    `json:"id"`
	Name             string                `json:"name"`
	RouterID         string                `json:"routerId"`
	VideoProducerID  string                `json:"videoProducerId,omitempty"`
	AudioProducerID  string                `json:"audioProducerId,omitempty"`
	IngestEndpoint   *media.TransportTuple `json:"ingestEndpoint,omitempty"`
	ConsumerClients  int                   `json:"consumerClients"`
	ViewerKeyEnabled bool                  `json:"viewerKeyEnabled"`
}

func (s *Stream) Snapshot() Snapshot {
	snap := Snapshot{
		ID:               s.id,
		Name:             s.name,
		RouterID:         s.router.ID(),
		ViewerKeyEnabled: s.viewerKeyHash != "",
	}
	if p, ok := s.producers[media.KindVideo]; ok {
		snap.VideoProducerID = p.ID()
	}
	if p, ok := s.producers[media.KindAudio]; ok {
		snap.AudioProducerID = p.ID()
	}
	if s.producerTransport != nil {
		tuple := s.producerTransport.Tuple()
		snap.IngestEndpoint = &tuple
	}
	s.mu.Lock()
	snap.ConsumerClients = len(s.clients)
	s.mu.Unlock()
	return snap
}

func (s *Stream) swapTransport(clientID string, t media.WebRTCTransport) *clientEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.clients[clientID]
	s.clients[clientID] = &clientEntry{
		transport: t,
		consumers: make(map[media.Kind]media.Consumer, 2),
	}
	return previous
}

// attachObserver stores the close subscription on the entry that still holds
// t. It reports false when the entry was removed or replaced meanwhile.
func (s *Stream) attachObserver(clientID string, t media.WebRTCTransport, unsubscribe func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.clients[clientID]
	if !ok || entry.transport != t {
		return false
	}
	entry.unsubscribe = unsubscribe
	return true
}

func (s *Stream) takeClient(clientID string) *clientEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.clients[clientID]
	if !ok {
		return nil
	}
	delete(s.clients, clientID)
	return entry
}

// takeClientIf removes the client only while it is still bound to t.
func (s *Stream) takeClientIf(clientID string, t media.WebRTCTransport) *clientEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.clients[clientID]
	if !ok || entry.transport != t {
		return nil
	}
	delete(s.clients, clientID)
	return entry
}

func (s *Stream) transport(clientID string) (media.WebRTCTransport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.clients[clientID]
	if !ok {
		return nil, false
	}
	return entry.transport, true
}

func (s *Stream) putConsumer(clientID string, kind media.Kind, c media.Consumer) (media.Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.clients[clientID]
	if !ok {
		return nil, ErrTransportNotFound
	}
	previous := entry.consumers[kind]
	entry.consumers[kind] = c
	return previous, nil
}

func (s *Stream) consumer(clientID string, kind media.Kind) (media.Consumer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.clients[clientID]
	if !ok {
		return nil, false
	}
	c, ok := entry.consumers[kind]
	return c, ok
}
