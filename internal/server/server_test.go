package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"bitriver-relay/internal/bootstrap"
	"bitriver-relay/internal/events"
	"bitriver-relay/internal/media"
	"bitriver-relay/internal/observability/logging"
	"bitriver-relay/internal/observability/metrics"
	"bitriver-relay/internal/signaling"
	"bitriver-relay/internal/storage"
	"bitriver-relay/internal/stream"
	"bitriver-relay/internal/testsupport/mediafake"
)

func newTestRegistry(t *testing.T) *stream.Registry {
	t.Helper()
	ctx := context.Background()
	engine := mediafake.NewEngine()
	worker, err := engine.CreateWorker(ctx, media.WorkerConfig{Name: "test"})
	if err != nil {
		t.Fatalf("create worker: %v", err)
	}
	router, err := worker.CreateRouter(ctx, media.RouterConfig{MediaCodecs: media.DefaultMediaCodecs()})
	if err != nil {
		t.Fatalf("create router: %v", err)
	}
	transport, err := router.CreatePlainTransport(ctx, media.PlainTransportConfig{ListenIP: media.ListenIP{IP: "127.0.0.1"}, Port: 5004, RTCPMux: true})
	if err != nil {
		t.Fatalf("create plain transport: %v", err)
	}
	h264, err := bootstrap.ProducerCodec(media.DefaultMediaCodecs(), media.KindVideo, 96)
	if err != nil {
		t.Fatalf("producer codec: %v", err)
	}
	video, err := transport.Produce(ctx, media.ProduceOptions{
		Kind:          media.KindVideo,
		RTPParameters: media.RTPParameters{Codecs: []media.RTPCodecParameters{h264}, Encodings: []media.RTPEncodingParameters{{SSRC: 1234}}},
	})
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	st, err := stream.NewStream(1, "Blackjack 1", router, stream.Producers{Transport: transport, Video: video}, stream.Options{})
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	registry := stream.NewRegistry(stream.Config{Logger: logging.Discard()})
	if err := registry.Add(st); err != nil {
		t.Fatalf("add stream: %v", err)
	}
	return registry
}

type failingRepository struct {
	storage.NopRepository
}

func (failingRepository) Ping(context.Context) error { return errors.New("connection refused") }
func (failingRepository) Recent(context.Context, storage.Filter) ([]events.Event, error) {
	return nil, errors.New("connection refused")
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Streams == nil {
		cfg.Streams = newTestRegistry(t)
	}
	if cfg.Signaling == nil {
		cfg.Signaling = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusSwitchingProtocols)
		})
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	cfg.Logger = logging.Discard()
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func serve(srv *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Streams: stream.NewRegistry(stream.Config{})}); err == nil {
		t.Fatal("expected error without signaling handler")
	}
	if _, err := New(Config{Signaling: http.NotFoundHandler()}); err == nil {
		t.Fatal("expected error without stream registry")
	}
}

func TestHealthReportsStreams(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{Events: storage.NopRepository{}})
	rec := serve(srv, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Status != "ok" || payload.Streams != 1 || payload.Store != "ok" {
		t.Fatalf("unexpected health payload %+v", payload)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected a generated request id")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("expected security headers")
	}
}

func TestHealthDegradedWhenStoreFails(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{Events: failingRepository{}})
	rec := serve(srv, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "degraded") {
		t.Fatalf("expected degraded health, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestListStreams(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	rec := serve(srv, http.MethodGet, "/api/streams", nil)
	var payload []stream.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload) != 1 || payload[0].ID != 1 || payload[0].Name != "Blackjack 1" || payload[0].VideoProducerID == "" {
		t.Fatalf("unexpected streams %+v", payload)
	}
	if payload[0].IngestEndpoint == nil || payload[0].IngestEndpoint.LocalPort != 5004 {
		t.Fatalf("expected the ingest endpoint, got %+v", payload[0].IngestEndpoint)
	}

	if rec := serve(srv, http.MethodGet, "/api/streams/1", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for a known stream, got %d", rec.Code)
	}
	if rec := serve(srv, http.MethodGet, "/api/streams/7", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown stream, got %d", rec.Code)
	}
	if rec := serve(srv, http.MethodGet, "/api/streams/abc", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed id, got %d", rec.Code)
	}
	if rec := serve(srv, http.MethodPost, "/api/streams", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestListEvents(t *testing.T) {
	t.Parallel()

	repo, err := storage.NewJSONRepository(filepath.Join(t.TempDir(), "events.json"))
	if err != nil {
		t.Fatalf("NewJSONRepository: %v", err)
	}
	ctx := context.Background()
	for i, id := range []stream.ID{1, 2, 1} {
		evt := events.Event{ID: string(rune('a' + i)), Type: events.SessionAuthenticated, StreamID: id, OccurredAt: time.Now()}
		if err := repo.Append(ctx, evt); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	srv := newTestServer(t, Config{Events: repo})

	rec := serve(srv, http.MethodGet, "/api/events?stream=1&limit=1", nil)
	var payload []events.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload) != 1 || payload[0].ID != "c" {
		t.Fatalf("unexpected events %+v", payload)
	}

	for _, target := range []string{"/api/events?stream=x", "/api/events?limit=-1"} {
		if rec := serve(srv, http.MethodGet, target, nil); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rec.Code)
		}
	}
}

func TestListEventsWithoutStore(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	rec := serve(srv, http.MethodGet, "/api/events", nil)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected an empty list, got %d %s", rec.Code, rec.Body.String())
	}

	failing := newTestServer(t, Config{Events: failingRepository{}})
	if rec := serve(failing, http.MethodGet, "/api/events", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestRootOnlyUpgrades(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	if rec := serve(srv, http.MethodGet, "/", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a plain GET on /, got %d", rec.Code)
	}
	upgrade := http.Header{"Upgrade": {"websocket"}, "Connection": {"keep-alive, Upgrade"}}
	if rec := serve(srv, http.MethodGet, "/", upgrade); rec.Code != http.StatusSwitchingProtocols {
		t.Fatalf("expected the signaling handler, got %d", rec.Code)
	}
}

func TestSignalingUpgradeThroughMiddleware(t *testing.T) {
	registry := newTestRegistry(t)
	protocol, err := signaling.NewProtocol(signaling.ProtocolConfig{Registry: registry, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("NewProtocol: %v", err)
	}
	origins, err := NewOriginPolicy([]string{"https://viewer.example.com"})
	if err != nil {
		t.Fatalf("NewOriginPolicy: %v", err)
	}
	gateway, err := signaling.NewGateway(signaling.GatewayConfig{Protocol: protocol, Logger: logging.Discard(), CheckOrigin: origins.CheckOrigin})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	srv := newTestServer(t, Config{Streams: registry, Signaling: gateway, Origins: origins})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	base := "ws" + strings.TrimPrefix(ts.URL, "http")

	for _, path := range []string{"/ws", "/"} {
		ws, _, err := websocket.DefaultDialer.Dial(base+path, http.Header{"Origin": {"https://viewer.example.com"}})
		if err != nil {
			t.Fatalf("dial %s: %v", path, err)
		}
		if err := ws.WriteJSON(map[string]any{"action": "clientConnect", "clientId": "client" + strings.ReplaceAll(path, "/", "-"), "streamId": 1}); err != nil {
			t.Fatalf("write: %v", err)
		}
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg map[string]any
		if err := ws.ReadJSON(&msg); err != nil || msg["action"] != "rtpCapabilities" {
			t.Fatalf("%s: expected rtpCapabilities, got %v (%v)", path, msg, err)
		}
		_ = ws.Close()
	}

	_, resp, err := websocket.DefaultDialer.Dial(base+"/ws", http.Header{"Origin": {"https://evil.example.com"}})
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected a foreign origin to be refused, got %v", resp)
	}
}
