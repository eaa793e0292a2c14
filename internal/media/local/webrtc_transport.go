package local

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"sync"

	"github.com/pion/webrtc/v4"

	"bitriver-relay/internal/media"
)

const (
	iceUfragLength    = 16
	icePasswordLength = 32
	hostCandidatePrio = 1076302079
	iceCharset        = "abcdefghijklmnopqrstuvwxyz0123456789"
)

type webrtcTransport struct {
	id     string
	router *router
	conn   *net.UDPConn
	params media.TransportParams
	logger *slog.Logger

	notifier media.CloseNotifier

	mu         sync.Mutex
	connected  bool
	remoteDTLS media.DTLSParameters
	consumers  map[string]*consumer
}

func newWebRTCTransport(r *router, conn *net.UDPConn, listen media.ListenIP, cfg media.WebRTCTransportConfig) (*webrtcTransport, error) {
	ufrag, err := randomString(iceUfragLength)
	if err != nil {
		return nil, err
	}
	pwd, err := randomString(icePasswordLength)
	if err != nil {
		return nil, err
	}
	local := conn.LocalAddr().(*net.UDPAddr)
	address := local.IP.String()
	if listen.AnnouncedIP != "" {
		address = listen.AnnouncedIP
	}

	id := newID()
	// Only UDP host candidates are gathered; TCP flags are accepted for
	// configuration compatibility.
	candidates := []media.ICECandidate{{
		Foundation: "udpcandidate",
		Priority:   hostCandidatePrio,
		IP:         address,
		Address:    address,
		Protocol:   webrtc.ICEProtocolUDP.String(),
		Port:       local.Port,
		Type:       webrtc.ICECandidateTypeHost.String(),
	}}
	if !cfg.EnableUDP && cfg.EnableTCP {
		r.logger.Warn("tcp-only webrtc transport requested; advertising udp candidate", "transport_id", id)
	}

	t := &webrtcTransport{
		id:     id,
		router: r,
		conn:   conn,
		params: media.TransportParams{
			ID:            id,
			ICEParameters: media.ICEParameters{UsernameFragment: ufrag, Password: pwd, ICELite: true},
			ICECandidates: candidates,
			DTLSParameters: media.DTLSParameters{
				Role:         webrtc.DTLSRoleAuto.String(),
				Fingerprints: append([]media.DTLSFingerprint(nil), r.worker.fingerprints...),
			},
		},
		consumers: make(map[string]*consumer),
	}
	t.logger = r.logger.With("transport_id", id, "transport", "webrtc")
	return t, nil
}

func (t *webrtcTransport) ID() string                    { return t.id }
func (t *webrtcTransport) Params() media.TransportParams { return t.params }
func (t *webrtcTransport) Closed() bool                  { return t.notifier.Closed() }
func (t *webrtcTransport) OnClose(fn func()) func()      { return t.notifier.Subscribe(fn) }

// Connect records the remote DTLS parameters. The handshake itself is left to
// a full engine.
func (t *webrtcTransport) Connect(ctx context.Context, dtls media.DTLSParameters) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.Closed() {
		return media.ErrClosed
	}
	if len(dtls.Fingerprints) == 0 {
		return errors.New("dtls parameters require at least one fingerprint")
	}
	switch dtls.Role {
	case "", webrtc.DTLSRoleAuto.String(), webrtc.DTLSRoleClient.String(), webrtc.DTLSRoleServer.String():
	default:
		return fmt.Errorf("invalid dtls role %q", dtls.Role)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return errors.New("transport already connected")
	}
	t.connected = true
	t.remoteDTLS = dtls
	t.logger.Debug("webrtc transport connected", "remote_role", dtls.Role)
	return nil
}

func (t *webrtcTransport) Consume(ctx context.Context, opts media.ConsumeOptions) (media.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.Closed() {
		return nil, media.ErrClosed
	}
	p := t.router.producer(opts.ProducerID)
	if p == nil || p.Closed() {
		return nil, media.ErrProducerNotFound
	}
	codec, ok := media.FindCompatibleCodec(p.params, opts.RTPCapabilities)
	if !ok {
		return nil, media.ErrIncompatibleCapabilities
	}
	ssrc, err := randomSSRC()
	if err != nil {
		return nil, err
	}
	c := &consumer{
		id:        newID(),
		kind:      p.kind,
		params:    media.ConsumerRTPParameters(p.params, codec, ssrc, t.id),
		producer:  p,
		transport: t,
	}
	c.paused.Store(opts.Paused)

	t.mu.Lock()
	if t.notifier.Closed() {
		t.mu.Unlock()
		return nil, media.ErrClosed
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	if !p.attach(c) {
		t.detach(c.id)
		return nil, media.ErrProducerNotFound
	}
	t.logger.Debug("consumer created", "consumer_id", c.id, "producer_id", p.id, "kind", p.kind, "paused", opts.Paused)
	return c, nil
}

func (t *webrtcTransport) Close() error {
	if !t.notifier.MarkClosed() {
		return nil
	}
	_ = t.conn.Close()

	t.mu.Lock()
	consumers := make([]*consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.consumers = make(map[string]*consumer)
	t.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	t.router.removeTransport(t.id)
	t.notifier.Notify()
	return nil
}

func (t *webrtcTransport) detach(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.consumers, id)
}

func randomString(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(iceCharset)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate ice credential: %w", err)
		}
		out[i] = iceCharset[idx.Int64()]
	}
	return string(out), nil
}

func randomSSRC() (uint32, error) {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("generate ssrc: %w", err)
		}
		if v := binary.BigEndian.Uint32(buf[:]); v != 0 {
			return v, nil
		}
	}
}
