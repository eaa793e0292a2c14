// Package local provides an in-process media engine. It binds the plain RTP
// ingest endpoints, demultiplexes incoming packets by SSRC and accounts for
// delivery to every non-paused consumer. WebRTC transports allocate a UDP port
// and advertise ICE/DTLS parameters but do not run the handshakes.
package local

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"bitriver-relay/internal/media"
	"bitriver-relay/internal/observability/logging"
	"bitriver-relay/internal/observability/metrics"
)

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the logger used by the engine and every handle it creates.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRecorder sets the metrics recorder for packet accounting.
func WithRecorder(recorder *metrics.Recorder) Option {
	return func(e *Engine) {
		e.recorder = recorder
	}
}

// Engine implements media.Engine in-process.
type Engine struct {
	logger   *slog.Logger
	recorder *metrics.Recorder

	mu      sync.Mutex
	workers map[string]*worker
}

var _ media.Engine = (*Engine)(nil)

// New constructs an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:  slog.Default(),
		workers: make(map[string]*worker),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = logging.WithComponent(e.logger, "media")
	return e
}

// CreateWorker generates a DTLS identity for the worker and reserves its RTC
// port range.
func (e *Engine) CreateWorker(ctx context.Context, cfg media.WorkerConfig) (media.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ports, err := newPortRange(cfg.RTCMinPort, cfg.RTCMaxPort)
	if err != nil {
		return nil, err
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate dtls key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("generate dtls certificate: %w", err)
	}
	pionFingerprints, err := cert.GetFingerprints()
	if err != nil {
		return nil, fmt.Errorf("dtls fingerprints: %w", err)
	}
	fingerprints := make([]media.DTLSFingerprint, 0, len(pionFingerprints))
	for _, fp := range pionFingerprints {
		fingerprints = append(fingerprints, media.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}

	w := &worker{
		id:           uuid.NewString(),
		name:         cfg.Name,
		engine:       e,
		ports:        ports,
		fingerprints: fingerprints,
		routers:      make(map[string]*router),
	}
	w.logger = e.logger.With("worker_id", w.id, "worker", cfg.Name)

	e.mu.Lock()
	e.workers[w.id] = w
	e.mu.Unlock()

	w.logger.Info("media worker started", "rtc_min_port", cfg.RTCMinPort, "rtc_max_port", cfg.RTCMaxPort)
	return w, nil
}

// Close closes every worker created by the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	workers := make([]*worker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.workers = make(map[string]*worker)
	e.mu.Unlock()

	for _, w := range workers {
		_ = w.Close()
	}
	return nil
}

type worker struct {
	id           string
	name         string
	engine       *Engine
	logger       *slog.Logger
	ports        *portRange
	fingerprints []media.DTLSFingerprint

	mu      sync.Mutex
	closed  bool
	routers map[string]*router
}

func (w *worker) ID() string { return w.id }

func (w *worker) CreateRouter(ctx context.Context, cfg media.RouterConfig) (media.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	caps, err := media.BuildRouterCapabilities(cfg.MediaCodecs)
	if err != nil {
		return nil, err
	}
	r := &router{
		id:         uuid.NewString(),
		worker:     w,
		caps:       caps,
		producers:  make(map[string]*producer),
		transports: make(map[string]media.Transport),
	}
	r.logger = w.logger.With("router_id", r.id)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, media.ErrClosed
	}
	w.routers[r.id] = r
	return r, nil
}

func (w *worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	routers := w.routers
	w.routers = nil
	w.mu.Unlock()

	for _, r := range routers {
		_ = r.Close()
	}
	w.logger.Info("media worker closed")
	return nil
}

func (w *worker) removeRouter(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.routers, id)
}
