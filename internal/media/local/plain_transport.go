package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/pion/rtp"

	"bitriver-relay/internal/media"
)

const maxDatagramSize = 1500

type plainTransport struct {
	id     string
	router *router
	conn   *net.UDPConn
	cfg    media.PlainTransportConfig
	tuple  media.TransportTuple
	logger *slog.Logger

	notifier media.CloseNotifier

	mu        sync.RWMutex
	producers map[uint32]*producer
}

func newPlainTransport(r *router, conn *net.UDPConn, cfg media.PlainTransportConfig) *plainTransport {
	local := conn.LocalAddr().(*net.UDPAddr)
	ip := local.IP.String()
	if cfg.ListenIP.AnnouncedIP != "" {
		ip = cfg.ListenIP.AnnouncedIP
	}
	t := &plainTransport{
		id:        newID(),
		router:    r,
		conn:      conn,
		cfg:       cfg,
		tuple:     media.TransportTuple{LocalIP: ip, LocalPort: local.Port, Protocol: "udp"},
		producers: make(map[uint32]*producer),
	}
	t.logger = r.logger.With("transport_id", t.id, "transport", "plain")
	return t
}

func (t *plainTransport) ID() string                  { return t.id }
func (t *plainTransport) Tuple() media.TransportTuple { return t.tuple }
func (t *plainTransport) Closed() bool                { return t.notifier.Closed() }
func (t *plainTransport) OnClose(fn func()) func()    { return t.notifier.Subscribe(fn) }

func (t *plainTransport) Produce(ctx context.Context, opts media.ProduceOptions) (media.Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.Closed() {
		return nil, media.ErrClosed
	}
	if !opts.Kind.Valid() {
		return nil, fmt.Errorf("invalid producer kind %q", opts.Kind)
	}
	params := opts.RTPParameters
	if len(params.Codecs) == 0 {
		return nil, errors.New("producer rtp parameters require a codec")
	}
	if len(params.Encodings) == 0 || params.Encodings[0].SSRC == 0 {
		return nil, errors.New("producer rtp parameters require an encoding ssrc")
	}
	if !media.SupportsCodec(t.router.caps, params.Codecs[0]) {
		return nil, fmt.Errorf("router does not support codec %s", params.Codecs[0].MimeType)
	}
	ssrc := params.Encodings[0].SSRC

	p := newProducer(t, opts.Kind, params, ssrc)
	t.mu.Lock()
	if _, exists := t.producers[ssrc]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("ssrc %d already produced on transport %s", ssrc, t.id)
	}
	t.producers[ssrc] = p
	t.mu.Unlock()

	t.router.addProducer(p)
	t.logger.Info("producer created", "producer_id", p.id, "kind", p.kind, "ssrc", ssrc)
	return p, nil
}

func (t *plainTransport) Close() error {
	if !t.notifier.MarkClosed() {
		return nil
	}
	_ = t.conn.Close()

	t.mu.Lock()
	producers := make([]*producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	t.producers = make(map[uint32]*producer)
	t.mu.Unlock()

	for _, p := range producers {
		_ = p.Close()
	}
	t.router.removeTransport(t.id)
	t.notifier.Notify()
	return nil
}

func (t *plainTransport) removeProducer(ssrc uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.producers, ssrc)
}

func (t *plainTransport) producerFor(ssrc uint32) *producer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.producers[ssrc]
}

func (t *plainTransport) readLoop() {
	recorder := t.router.worker.engine.recorder
	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || t.Closed() {
				return
			}
			t.logger.Warn("plain transport read failed", "error", err)
			continue
		}
		if isRTCP(buf[:n]) {
			continue
		}
		var packet rtp.Packet
		if err := packet.Unmarshal(buf[:n]); err != nil {
			recorder.ObserveRTPDropped("malformed")
			continue
		}
		p := t.producerFor(packet.SSRC)
		if p == nil {
			recorder.ObserveRTPDropped("unknown_ssrc")
			continue
		}
		p.deliver(&packet, n)
	}
}

// isRTCP applies the RFC 5761 payload type range check for muxed RTCP.
func isRTCP(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	pt := buf[1]
	return pt >= 192 && pt <= 223
}
