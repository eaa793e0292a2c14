// Package mediafake provides an in-memory media.Engine for tests. Every handle
// counts the calls made on it, and individual operations can be made to fail.
// Closing a fake transport does not cascade to its consumers, so close counts
// reflect exactly what the code under test did.
package mediafake

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bitriver-relay/internal/media"
)

// Operation names accepted by FailOn and Block.
const (
	OpCreateWorker          = "createWorker"
	OpCreateRouter          = "createRouter"
	OpCreatePlainTransport  = "createPlainTransport"
	OpCreateWebRTCTransport = "createWebRtcTransport"
	OpProduce               = "produce"
	OpConnect               = "connect"
	OpConsume               = "consume"
	OpResume                = "resume"
)

// Engine implements media.Engine.
type Engine struct {
	mu       sync.Mutex
	failures map[string]error
	blocks   map[string]chan struct{}
	workers  []*Worker
	seq      atomic.Int64
}

// NewEngine returns an Engine with no failures configured.
func NewEngine() *Engine {
	return &Engine{failures: make(map[string]error), blocks: make(map[string]chan struct{})}
}

// FailOn makes every subsequent call of op return err. A nil err clears it.
func (e *Engine) FailOn(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failures, op)
		return
	}
	e.failures[op] = err
}

// Block makes calls of op wait until the returned function is called or the
// call's context ends.
func (e *Engine) Block(op string) (release func()) {
	ch := make(chan struct{})
	e.mu.Lock()
	e.blocks[op] = ch
	e.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.blocks, op)
			e.mu.Unlock()
			close(ch)
		})
	}
}

// Workers returns the workers created so far.
func (e *Engine) Workers() []*Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Worker(nil), e.workers...)
}

func (e *Engine) enter(ctx context.Context, op string) error {
	e.mu.Lock()
	err := e.failures[op]
	block := e.blocks[op]
	e.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (e *Engine) nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, e.seq.Add(1))
}

func (e *Engine) CreateWorker(ctx context.Context, cfg media.WorkerConfig) (media.Worker, error) {
	if err := e.enter(ctx, OpCreateWorker); err != nil {
		return nil, err
	}
	w := &Worker{engine: e, id: e.nextID("worker"), Config: cfg}
	e.mu.Lock()
	e.workers = append(e.workers, w)
	e.mu.Unlock()
	return w, nil
}

// Worker implements media.Worker.
type Worker struct {
	engine *Engine
	id     string
	Config media.WorkerConfig

	mu      sync.Mutex
	routers []*Router
	closed  atomic.Bool
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) Routers() []*Router {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*Router(nil), w.routers...)
}

func (w *Worker) CreateRouter(ctx context.Context, cfg media.RouterConfig) (media.Router, error) {
	if err := w.engine.enter(ctx, OpCreateRouter); err != nil {
		return nil, err
	}
	caps, err := media.BuildRouterCapabilities(cfg.MediaCodecs)
	if err != nil {
		return nil, err
	}
	r := &Router{engine: w.engine, id: w.engine.nextID("router"), caps: caps, producers: make(map[string]*Producer)}
	w.mu.Lock()
	w.routers = append(w.routers, r)
	w.mu.Unlock()
	return r, nil
}

func (w *Worker) Close() error {
	w.closed.Store(true)
	return nil
}

// IsClosed reports whether Close was called.
func (w *Worker) IsClosed() bool { return w.closed.Load() }

// Router implements media.Router.
type Router struct {
	engine *Engine
	id     string
	caps   media.RTPCapabilities

	mu         sync.Mutex
	producers  map[string]*Producer
	plain      []*PlainTransport
	transports []*WebRTCTransport
	closed     atomic.Bool
}

func (r *Router) ID() string                             { return r.id }
func (r *Router) RTPCapabilities() media.RTPCapabilities { return r.caps }
func (r *Router) Close() error                           { r.closed.Store(true); return nil }

// IsClosed reports whether Close was called.
func (r *Router) IsClosed() bool { return r.closed.Load() }

// PlainTransports returns the plain transports created on the router.
func (r *Router) PlainTransports() []*PlainTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*PlainTransport(nil), r.plain...)
}

// WebRTCTransports returns the consumer transports created on the router.
func (r *Router) WebRTCTransports() []*WebRTCTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*WebRTCTransport(nil), r.transports...)
}

func (r *Router) CreatePlainTransport(ctx context.Context, cfg media.PlainTransportConfig) (media.PlainTransport, error) {
	if err := r.engine.enter(ctx, OpCreatePlainTransport); err != nil {
		return nil, err
	}
	ip := cfg.ListenIP.IP
	if cfg.ListenIP.AnnouncedIP != "" {
		ip = cfg.ListenIP.AnnouncedIP
	}
	t := &PlainTransport{
		router: r,
		id:     r.engine.nextID("plain"),
		Config: cfg,
		tuple:  media.TransportTuple{LocalIP: ip, LocalPort: cfg.Port, Protocol: "udp"},
	}
	r.mu.Lock()
	r.plain = append(r.plain, t)
	r.mu.Unlock()
	return t, nil
}

func (r *Router) CreateWebRTCTransport(ctx context.Context, cfg media.WebRTCTransportConfig) (media.WebRTCTransport, error) {
	if err := r.engine.enter(ctx, OpCreateWebRTCTransport); err != nil {
		return nil, err
	}
	id := r.engine.nextID("transport")
	t := &WebRTCTransport{
		router: r,
		id:     id,
		Config: cfg,
		params: media.TransportParams{
			ID:             id,
			ICEParameters:  media.ICEParameters{UsernameFragment: "ufrag-" + id, Password: "pwd-" + id, ICELite: true},
			ICECandidates:  []media.ICECandidate{{Foundation: "udpcandidate", Priority: 1, IP: "127.0.0.1", Address: "127.0.0.1", Protocol: "udp", Port: 40000, Type: "host"}},
			DTLSParameters: media.DTLSParameters{Role: "auto", Fingerprints: []media.DTLSFingerprint{{Algorithm: "sha-256", Value: "00:11"}}},
		},
	}
	r.mu.Lock()
	r.transports = append(r.transports, t)
	r.mu.Unlock()
	return t, nil
}

func (r *Router) CanConsume(producerID string, caps media.RTPCapabilities) bool {
	r.mu.Lock()
	p := r.producers[producerID]
	r.mu.Unlock()
	if p == nil {
		return false
	}
	_, ok := media.FindCompatibleCodec(p.params, caps)
	return ok
}

// handle carries the close bookkeeping shared by every fake handle.
type handle struct {
	notifier   media.CloseNotifier
	closeCalls atomic.Int32
}

func (h *handle) Close() error {
	h.closeCalls.Add(1)
	if h.notifier.MarkClosed() {
		h.notifier.Notify()
	}
	return nil
}

func (h *handle) Closed() bool             { return h.notifier.Closed() }
func (h *handle) OnClose(fn func()) func() { return h.notifier.Subscribe(fn) }

// CloseCalls reports how many times Close was invoked.
func (h *handle) CloseCalls() int { return int(h.closeCalls.Load()) }

// PlainTransport implements media.PlainTransport.
type PlainTransport struct {
	handle
	router *Router
	id     string
	tuple  media.TransportTuple
	Config media.PlainTransportConfig

	mu        sync.Mutex
	producers []*Producer
}

func (t *PlainTransport) ID() string                  { return t.id }
func (t *PlainTransport) Tuple() media.TransportTuple { return t.tuple }

// Producers returns the producers created on the transport.
func (t *PlainTransport) Producers() []*Producer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Producer(nil), t.producers...)
}

func (t *PlainTransport) Produce(ctx context.Context, opts media.ProduceOptions) (media.Producer, error) {
	if err := t.router.engine.enter(ctx, OpProduce); err != nil {
		return nil, err
	}
	if t.Closed() {
		return nil, media.ErrClosed
	}
	p := &Producer{id: t.router.engine.nextID("producer"), kind: opts.Kind, params: opts.RTPParameters}
	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()
	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

// Producer implements media.Producer.
type Producer struct {
	handle
	id     string
	kind   media.Kind
	params media.RTPParameters
}

func (p *Producer) ID() string                         { return p.id }
func (p *Producer) Kind() media.Kind                   { return p.kind }
func (p *Producer) RTPParameters() media.RTPParameters { return p.params }

// WebRTCTransport implements media.WebRTCTransport.
type WebRTCTransport struct {
	handle
	router *Router
	id     string
	params media.TransportParams
	Config media.WebRTCTransportConfig

	mu        sync.Mutex
	remote    *media.DTLSParameters
	consumers []*Consumer
}

func (t *WebRTCTransport) ID() string                    { return t.id }
func (t *WebRTCTransport) Params() media.TransportParams { return t.params }

// RemoteDTLS returns the parameters passed to Connect, if any.
func (t *WebRTCTransport) RemoteDTLS() (media.DTLSParameters, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return media.DTLSParameters{}, false
	}
	return *t.remote, true
}

// Consumers returns the consumers created on the transport.
func (t *WebRTCTransport) Consumers() []*Consumer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Consumer(nil), t.consumers...)
}

func (t *WebRTCTransport) Connect(ctx context.Context, dtls media.DTLSParameters) error {
	if err := t.router.engine.enter(ctx, OpConnect); err != nil {
		return err
	}
	if t.Closed() {
		return media.ErrClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote = &dtls
	return nil
}

func (t *WebRTCTransport) Consume(ctx context.Context, opts media.ConsumeOptions) (media.Consumer, error) {
	if err := t.router.engine.enter(ctx, OpConsume); err != nil {
		return nil, err
	}
	if t.Closed() {
		return nil, media.ErrClosed
	}
	t.router.mu.Lock()
	p := t.router.producers[opts.ProducerID]
	t.router.mu.Unlock()
	if p == nil {
		return nil, media.ErrProducerNotFound
	}
	codec, ok := media.FindCompatibleCodec(p.params, opts.RTPCapabilities)
	if !ok {
		return nil, media.ErrIncompatibleCapabilities
	}
	c := &Consumer{
		engine:   t.router.engine,
		id:       t.router.engine.nextID("consumer"),
		producer: p,
		params:   media.ConsumerRTPParameters(p.params, codec, uint32(t.router.engine.seq.Add(1)), t.id),
		Created:  time.Now(),
	}
	c.paused.Store(opts.Paused)
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

// Consumer implements media.Consumer.
type Consumer struct {
	handle
	engine   *Engine
	id       string
	producer *Producer
	params   media.RTPParameters
	paused   atomic.Bool
	resumes  atomic.Int32
	Created  time.Time
}

func (c *Consumer) ID() string                         { return c.id }
func (c *Consumer) ProducerID() string                 { return c.producer.id }
func (c *Consumer) Kind() media.Kind                   { return c.producer.kind }
func (c *Consumer) Type() string                       { return "simple" }
func (c *Consumer) RTPParameters() media.RTPParameters { return c.params }
func (c *Consumer) Paused() bool                       { return c.paused.Load() }

// ResumeCalls reports how many times Resume succeeded.
func (c *Consumer) ResumeCalls() int { return int(c.resumes.Load()) }

func (c *Consumer) Resume(ctx context.Context) error {
	if err := c.engine.enter(ctx, OpResume); err != nil {
		return err
	}
	if c.Closed() {
		return media.ErrClosed
	}
	c.paused.Store(false)
	c.resumes.Add(1)
	return nil
}

// NewConsumer builds a standalone consumer for registry tests.
func NewConsumer(id string, kind media.Kind) *Consumer {
	return &Consumer{engine: NewEngine(), id: id, producer: &Producer{id: "producer-" + id, kind: kind}}
}

// NewWebRTCTransport builds a standalone transport for registry tests.
func NewWebRTCTransport(id string) *WebRTCTransport {
	return &WebRTCTransport{router: &Router{engine: NewEngine(), producers: make(map[string]*Producer)}, id: id, params: media.TransportParams{ID: id}}
}
