package local

import (
	"context"
	"errors"
	"testing"
	"time"

	"bitriver-relay/internal/media"
	"bitriver-relay/internal/testsupport/ingeststub"
)

type fixture struct {
	engine   *Engine
	router   media.Router
	plain    media.PlainTransport
	video    media.Producer
	audio    media.Producer
	consumer media.WebRTCTransport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	engine := New()
	t.Cleanup(func() { engine.Close() })

	worker, err := engine.CreateWorker(ctx, media.WorkerConfig{Name: "test"})
	if err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}
	router, err := worker.CreateRouter(ctx, media.RouterConfig{MediaCodecs: media.DefaultMediaCodecs()})
	if err != nil {
		t.Fatalf("CreateRouter: %v", err)
	}
	plain, err := router.CreatePlainTransport(ctx, media.PlainTransportConfig{ListenIP: media.ListenIP{IP: "127.0.0.1"}, RTCPMux: true})
	if err != nil {
		t.Fatalf("CreatePlainTransport: %v", err)
	}
	video, err := plain.Produce(ctx, media.ProduceOptions{Kind: media.KindVideo, RTPParameters: media.RTPParameters{
		Codecs: []media.RTPCodecParameters{{
			MimeType:    "video/H264",
			PayloadType: 96,
			ClockRate:   90000,
			Parameters:  map[string]any{"packetization-mode": 1, "profile-level-id": "42e01f"},
		}},
		Encodings: []media.RTPEncodingParameters{{SSRC: 1234}},
	}})
	if err != nil {
		t.Fatalf("Produce video: %v", err)
	}
	audio, err := plain.Produce(ctx, media.ProduceOptions{Kind: media.KindAudio, RTPParameters: media.RTPParameters{
		Codecs:    []media.RTPCodecParameters{{MimeType: "audio/opus", PayloadType: 97, ClockRate: 48000, Channels: 2}},
		Encodings: []media.RTPEncodingParameters{{SSRC: 5678}},
	}})
	if err != nil {
		t.Fatalf("Produce audio: %v", err)
	}
	consumerTransport, err := router.CreateWebRTCTransport(ctx, media.WebRTCTransportConfig{
		ListenIPs: []media.ListenIP{{IP: "127.0.0.1"}},
		EnableUDP: true,
		PreferUDP: true,
	})
	if err != nil {
		t.Fatalf("CreateWebRTCTransport: %v", err)
	}
	return &fixture{engine: engine, router: router, plain: plain, video: video, audio: audio, consumer: consumerTransport}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func sendRTP(t *testing.T, tuple media.TransportTuple, ssrc uint32, seq uint16) {
	t.Helper()
	if err := ingeststub.SendRTP(tuple.LocalIP, tuple.LocalPort, ingeststub.Packet{SSRC: ssrc, PayloadType: 96, Sequence: seq}); err != nil {
		t.Fatalf("send rtp: %v", err)
	}
}

func TestWebRTCTransportParams(t *testing.T) {
	f := newFixture(t)
	params := f.consumer.Params()
	if params.ID != f.consumer.ID() {
		t.Fatalf("params id %q does not match transport id %q", params.ID, f.consumer.ID())
	}
	if params.ICEParameters.UsernameFragment == "" || params.ICEParameters.Password == "" {
		t.Fatal("expected ice credentials")
	}
	if len(params.ICECandidates) != 1 || params.ICECandidates[0].Protocol != "udp" || params.ICECandidates[0].Type != "host" {
		t.Fatalf("unexpected candidates: %+v", params.ICECandidates)
	}
	if params.ICECandidates[0].Port == 0 {
		t.Fatal("expected candidate port")
	}
	if len(params.DTLSParameters.Fingerprints) == 0 {
		t.Fatal("expected dtls fingerprints")
	}
	if params.DTLSParameters.Role != "auto" {
		t.Fatalf("expected auto dtls role, got %q", params.DTLSParameters.Role)
	}
}

func TestConnectValidatesDTLSParameters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.consumer.Connect(ctx, media.DTLSParameters{Role: "client"}); err == nil {
		t.Fatal("expected error without fingerprints")
	}
	fp := []media.DTLSFingerprint{{Algorithm: "sha-256", Value: "AB:CD"}}
	if err := f.consumer.Connect(ctx, media.DTLSParameters{Role: "bogus", Fingerprints: fp}); err == nil {
		t.Fatal("expected error for invalid role")
	}
	if err := f.consumer.Connect(ctx, media.DTLSParameters{Role: "client", Fingerprints: fp}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := f.consumer.Connect(ctx, media.DTLSParameters{Role: "client", Fingerprints: fp}); err == nil {
		t.Fatal("expected error on second connect")
	}
}

func TestConsumerForwardsOnlyWhenResumed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	caps := f.router.RTPCapabilities()
	if !f.router.CanConsume(f.video.ID(), caps) {
		t.Fatal("router capabilities should be able to consume the video producer")
	}
	c, err := f.consumer.Consume(ctx, media.ConsumeOptions{ProducerID: f.video.ID(), RTPCapabilities: caps, Paused: true})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if !c.Paused() {
		t.Fatal("expected paused consumer")
	}
	if c.Kind() != media.KindVideo || c.ProducerID() != f.video.ID() {
		t.Fatalf("unexpected consumer binding: kind=%s producer=%s", c.Kind(), c.ProducerID())
	}

	sendRTP(t, f.plain.Tuple(), 1234, 1)
	waitUntil(t, 2*time.Second, func() bool {
		stats, _ := ConsumerStats(c)
		return stats.DroppedPaused == 1
	})

	if err := c.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if c.Paused() {
		t.Fatal("expected consumer to be resumed")
	}
	sendRTP(t, f.plain.Tuple(), 1234, 2)
	waitUntil(t, 2*time.Second, func() bool {
		stats, _ := ConsumerStats(c)
		return stats.Packets == 1 && stats.LastSequence == 2
	})

	// Packets for an unknown SSRC are not delivered.
	sendRTP(t, f.plain.Tuple(), 9999, 3)
	time.Sleep(50 * time.Millisecond)
	if stats, _ := ConsumerStats(c); stats.Packets != 1 {
		t.Fatalf("expected 1 packet, got %d", stats.Packets)
	}
}

func TestConsumeRejectsIncompatibleCapabilities(t *testing.T) {
	f := newFixture(t)
	caps := media.RTPCapabilities{Codecs: []media.RTPCodecCapability{{
		Kind: media.KindVideo, MimeType: "video/VP8", PreferredPayloadType: 96, ClockRate: 90000,
	}}}
	if f.router.CanConsume(f.video.ID(), caps) {
		t.Fatal("expected CanConsume to be false")
	}
	_, err := f.consumer.Consume(context.Background(), media.ConsumeOptions{ProducerID: f.video.ID(), RTPCapabilities: caps})
	if !errors.Is(err, media.ErrIncompatibleCapabilities) {
		t.Fatalf("expected ErrIncompatibleCapabilities, got %v", err)
	}
	_, err = f.consumer.Consume(context.Background(), media.ConsumeOptions{ProducerID: "missing", RTPCapabilities: f.router.RTPCapabilities()})
	if !errors.Is(err, media.ErrProducerNotFound) {
		t.Fatalf("expected ErrProducerNotFound, got %v", err)
	}
}

func TestTransportCloseClosesConsumersAndNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.consumer.Consume(ctx, media.ConsumeOptions{ProducerID: f.audio.ID(), RTPCapabilities: f.router.RTPCapabilities()})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	notified := 0
	f.consumer.OnClose(func() { notified++ })
	consumerClosed := 0
	c.OnClose(func() { consumerClosed++ })

	if err := f.consumer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.consumer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if notified != 1 {
		t.Fatalf("expected one transport close notification, got %d", notified)
	}
	if consumerClosed != 1 || !c.Closed() {
		t.Fatalf("expected consumer to close once, got %d", consumerClosed)
	}
	if err := c.Resume(ctx); !errors.Is(err, media.ErrClosed) {
		t.Fatalf("expected ErrClosed on resume, got %v", err)
	}
}

func TestProduceRejectsDuplicateSSRC(t *testing.T) {
	f := newFixture(t)
	_, err := f.plain.Produce(context.Background(), media.ProduceOptions{Kind: media.KindVideo, RTPParameters: media.RTPParameters{
		Codecs:    []media.RTPCodecParameters{{MimeType: "video/H264", PayloadType: 96, ClockRate: 90000, Parameters: map[string]any{"packetization-mode": 1}}},
		Encodings: []media.RTPEncodingParameters{{SSRC: 1234}},
	}})
	if err == nil {
		t.Fatal("expected duplicate ssrc error")
	}
}

func TestNewPortRange(t *testing.T) {
	tests := []struct {
		name     string
		min, max int
		wantErr  bool
	}{
		{name: "ephemeral", min: 0, max: 0},
		{name: "range", min: 5000, max: 5800},
		{name: "inverted", min: 6000, max: 5000, wantErr: true},
		{name: "max only", min: 0, max: 5000, wantErr: true},
		{name: "too large", min: 1, max: 70000, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newPortRange(tt.min, tt.max)
			if (err != nil) != tt.wantErr {
				t.Fatalf("newPortRange(%d, %d) error = %v", tt.min, tt.max, err)
			}
		})
	}
}
