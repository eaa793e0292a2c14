package local

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"

	"bitriver-relay/internal/media"
)

type producer struct {
	id        string
	kind      media.Kind
	params    media.RTPParameters
	ssrc      uint32
	transport *plainTransport

	notifier media.CloseNotifier

	mu        sync.RWMutex
	consumers map[string]*consumer

	packets atomic.Uint64
	bytes   atomic.Uint64
}

func newProducer(t *plainTransport, kind media.Kind, params media.RTPParameters, ssrc uint32) *producer {
	return &producer{
		id:        newID(),
		kind:      kind,
		params:    params,
		ssrc:      ssrc,
		transport: t,
		consumers: make(map[string]*consumer),
	}
}

func (p *producer) ID() string                         { return p.id }
func (p *producer) Kind() media.Kind                   { return p.kind }
func (p *producer) RTPParameters() media.RTPParameters { return p.params }
func (p *producer) Closed() bool                       { return p.notifier.Closed() }
func (p *producer) OnClose(fn func()) func()           { return p.notifier.Subscribe(fn) }

func (p *producer) Close() error {
	if !p.notifier.MarkClosed() {
		return nil
	}
	p.mu.Lock()
	consumers := make([]*consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.consumers = make(map[string]*consumer)
	p.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	p.transport.removeProducer(p.ssrc)
	p.transport.router.removeProducer(p.id)
	p.notifier.Notify()
	return nil
}

func (p *producer) attach(c *consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.notifier.Closed() {
		return false
	}
	p.consumers[c.id] = c
	return true
}

func (p *producer) detach(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, id)
}

func (p *producer) deliver(packet *rtp.Packet, size int) {
	p.packets.Add(1)
	p.bytes.Add(uint64(size))
	p.transport.router.worker.engine.recorder.ObserveRTPPacket(string(p.kind))

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.consumers {
		c.forward(packet, size)
	}
}
