package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"bitriver-relay/internal/bootstrap"
	"bitriver-relay/internal/events"
	"bitriver-relay/internal/media"
	"bitriver-relay/internal/observability/logging"
	"bitriver-relay/internal/observability/metrics"
	"bitriver-relay/internal/stream"
	"bitriver-relay/internal/testsupport/mediafake"
)

type recordingSender struct {
	mu       sync.Mutex
	messages []Outbound
	err      error
}

func (s *recordingSender) Send(msg Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *recordingSender) Messages() []Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Outbound(nil), s.messages...)
}

func (s *recordingSender) Last(t *testing.T) Outbound {
	t.Helper()
	msgs := s.Messages()
	if len(msgs) == 0 {
		t.Fatal("expected a message to be sent")
	}
	return msgs[len(msgs)-1]
}

type testEnv struct {
	engine   *mediafake.Engine
	registry *stream.Registry
	queue    events.Queue
	recorder *metrics.Recorder
	protocol *Protocol
	streams  map[stream.ID]*stream.Stream
}

func newTestEnv(t *testing.T, errorResponses bool, ids ...stream.ID) *testEnv {
	t.Helper()
	if len(ids) == 0 {
		ids = []stream.ID{1}
	}
	env := &testEnv{
		engine:   mediafake.NewEngine(),
		registry: stream.NewRegistry(stream.Config{Logger: logging.Discard()}),
		queue:    events.NewMemoryQueue(256),
		recorder: metrics.New(),
		streams:  make(map[stream.ID]*stream.Stream),
	}
	t.Cleanup(func() { _ = env.queue.Close() })

	ctx := context.Background()
	worker, err := env.engine.CreateWorker(ctx, media.WorkerConfig{Name: "test"})
	if err != nil {
		t.Fatalf("create worker: %v", err)
	}
	for i, id := range ids {
		env.streams[id] = env.addStream(t, worker, id, 5004+2*i, "")
	}

	protocol, err := NewProtocol(ProtocolConfig{
		Registry:       env.registry,
		Publisher:      events.NewPublisher(env.queue, logging.Discard(), nil),
		Logger:         logging.Discard(),
		Recorder:       env.recorder,
		ErrorResponses: errorResponses,
		TransportConfig: media.WebRTCTransportConfig{
			ListenIPs: []media.ListenIP{{IP: "127.0.0.1"}},
			EnableUDP: true,
			EnableTCP: true,
			PreferUDP: true,
		},
	})
	if err != nil {
		t.Fatalf("NewProtocol returned error: %v", err)
	}
	env.protocol = protocol
	return env
}

func (env *testEnv) addStream(t *testing.T, worker media.Worker, id stream.ID, port int, viewerKeyHash string) *stream.Stream {
	t.Helper()
	ctx := context.Background()
	codecs := media.DefaultMediaCodecs()
	router, err := worker.CreateRouter(ctx, media.RouterConfig{MediaCodecs: codecs})
	if err != nil {
		t.Fatalf("create router: %v", err)
	}
	transport, err := router.CreatePlainTransport(ctx, media.PlainTransportConfig{ListenIP: media.ListenIP{IP: "127.0.0.1"}, Port: port, RTCPMux: true})
	if err != nil {
		t.Fatalf("create plain transport: %v", err)
	}
	producers := stream.Producers{Transport: transport}
	for _, leg := range []struct {
		kind media.Kind
		pt   uint8
		ssrc uint32
	}{{media.KindVideo, 96, 1234}, {media.KindAudio, 97, 5678}} {
		codec, err := bootstrap.ProducerCodec(codecs, leg.kind, leg.pt)
		if err != nil {
			t.Fatalf("producer codec: %v", err)
		}
		p, err := transport.Produce(ctx, media.ProduceOptions{
			Kind: leg.kind,
			RTPParameters: media.RTPParameters{
				Codecs:    []media.RTPCodecParameters{codec},
				Encodings: []media.RTPEncodingParameters{{SSRC: leg.ssrc}},
			},
		})
		if err != nil {
			t.Fatalf("produce %s: %v", leg.kind, err)
		}
		if leg.kind == media.KindVideo {
			producers.Video = p
		} else {
			producers.Audio = p
		}
	}
	st, err := stream.NewStream(id, "Stream "+id.String(), router, producers, stream.Options{ViewerKeyHash: viewerKeyHash})
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	if err := env.registry.Add(st); err != nil {
		t.Fatalf("add stream: %v", err)
	}
	return st
}

// caps returns capabilities a browser that supports the stream's codecs
// would send.
func (env *testEnv) caps(id stream.ID) media.RTPCapabilities {
	return env.streams[id].Router().RTPCapabilities()
}

func vp8Only() media.RTPCapabilities {
	return media.RTPCapabilities{Codecs: []media.RTPCodecCapability{{
		Kind: media.KindVideo, MimeType: "video/VP8", ClockRate: 90000, PreferredPayloadType: 96,
	}}}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func waitUntil(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// drainEvents collects the events published so far.
func drainEvents(sub events.Subscription) []events.Event {
	var out []events.Event
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, evt)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}
