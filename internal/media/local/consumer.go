package local

import (
	"context"
	"sync/atomic"

	"github.com/pion/rtp"

	"bitriver-relay/internal/media"
)

// Stats are the delivery counters of a consumer.
type Stats struct {
	Packets       uint64
	Bytes         uint64
	DroppedPaused uint64
	LastSequence  uint16
	LastTimestamp uint32
}

// ConsumerStats returns the counters of a consumer created by this engine.
func ConsumerStats(c media.Consumer) (Stats, bool) {
	lc, ok := c.(*consumer)
	if !ok {
		return Stats{}, false
	}
	return Stats{
		Packets:       lc.packets.Load(),
		Bytes:         lc.bytes.Load(),
		DroppedPaused: lc.droppedPaused.Load(),
		LastSequence:  uint16(lc.lastSequence.Load()),
		LastTimestamp: lc.lastTimestamp.Load(),
	}, true
}

type consumer struct {
	id        string
	kind      media.Kind
	params    media.RTPParameters
	producer  *producer
	transport *webrtcTransport

	notifier media.CloseNotifier
	paused   atomic.Bool

	packets       atomic.Uint64
	bytes         atomic.Uint64
	droppedPaused atomic.Uint64
	lastSequence  atomic.Uint32
	lastTimestamp atomic.Uint32
}

func (c *consumer) ID() string                         { return c.id }
func (c *consumer) ProducerID() string                 { return c.producer.id }
func (c *consumer) Kind() media.Kind                   { return c.kind }
func (c *consumer) Type() string                       { return "simple" }
func (c *consumer) RTPParameters() media.RTPParameters { return c.params }
func (c *consumer) Paused() bool                       { return c.paused.Load() }
func (c *consumer) Closed() bool                       { return c.notifier.Closed() }
func (c *consumer) OnClose(fn func()) func()           { return c.notifier.Subscribe(fn) }

func (c *consumer) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.Closed() {
		return media.ErrClosed
	}
	if c.paused.CompareAndSwap(true, false) {
		c.transport.logger.Debug("consumer resumed", "consumer_id", c.id, "kind", c.kind)
	}
	return nil
}

func (c *consumer) Close() error {
	if !c.notifier.MarkClosed() {
		return nil
	}
	c.producer.detach(c.id)
	c.transport.detach(c.id)
	c.notifier.Notify()
	return nil
}

func (c *consumer) forward(packet *rtp.Packet, size int) {
	if c.paused.Load() {
		c.droppedPaused.Add(1)
		return
	}
	c.packets.Add(1)
	c.bytes.Add(uint64(size))
	c.lastSequence.Store(uint32(packet.SequenceNumber))
	c.lastTimestamp.Store(packet.Timestamp)
}
