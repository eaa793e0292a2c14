package local

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"bitriver-relay/internal/media"
)

type router struct {
	id     string
	worker *worker
	caps   media.RTPCapabilities
	logger *slog.Logger

	mu         sync.Mutex
	closed     bool
	producers  map[string]*producer
	transports map[string]media.Transport
}

func (r *router) ID() string { return r.id }

func (r *router) RTPCapabilities() media.RTPCapabilities { return r.caps }

func (r *router) CreatePlainTransport(ctx context.Context, cfg media.PlainTransportConfig) (media.PlainTransport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ip, err := parseListenIP(cfg.ListenIP.IP)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("listen plain transport: %w", err)
	}
	t := newPlainTransport(r, conn, cfg)
	if err := r.addTransport(t); err != nil {
		conn.Close()
		return nil, err
	}
	go t.readLoop()
	return t, nil
}

func (r *router) CreateWebRTCTransport(ctx context.Context, cfg media.WebRTCTransportConfig) (media.WebRTCTransport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	listen := media.ListenIP{IP: "127.0.0.1"}
	if len(cfg.ListenIPs) > 0 {
		listen = cfg.ListenIPs[0]
	}
	ip, err := parseListenIP(listen.IP)
	if err != nil {
		return nil, err
	}
	conn, err := r.worker.ports.listen(ip)
	if err != nil {
		return nil, err
	}
	t, err := newWebRTCTransport(r, conn, listen, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := r.addTransport(t); err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

func (r *router) CanConsume(producerID string, caps media.RTPCapabilities) bool {
	p := r.producer(producerID)
	if p == nil || p.Closed() {
		return false
	}
	_, ok := media.FindCompatibleCodec(p.params, caps)
	return ok
}

func (r *router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]media.Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.transports = make(map[string]media.Transport)
	r.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
	r.worker.removeRouter(r.id)
	return nil
}

func (r *router) addTransport(t media.Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return media.ErrClosed
	}
	r.transports[t.ID()] = t
	return nil
}

func (r *router) removeTransport(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}

func (r *router) addProducer(p *producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[p.id] = p
}

func (r *router) removeProducer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, id)
}

func (r *router) producer(id string) *producer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.producers[id]
}

func parseListenIP(value string) (net.IP, error) {
	if value == "" {
		value = "127.0.0.1"
	}
	ip := net.ParseIP(value)
	if ip == nil {
		return nil, fmt.Errorf("invalid listen ip %q", value)
	}
	return ip, nil
}

func newID() string {
	return uuid.NewString()
}
