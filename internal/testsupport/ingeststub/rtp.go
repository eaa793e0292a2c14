package ingeststub

import (
	"fmt"
	"net"
	"strconv"

	"github.com/pion/rtp"
)

// Packet describes one RTP packet to send.
type Packet struct {
	SSRC        uint32
	PayloadType uint8
	Sequence    uint16
	Payload     []byte
}

// Marshal builds the wire form. The timestamp advances 3000 ticks per
// sequence number, one 30 fps frame at 90 kHz.
func (p Packet) Marshal() ([]byte, error) {
	payload := p.Payload
	if payload == nil {
		payload = []byte{0x65, 0x88, 0x84}
	}
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    p.PayloadType,
			SequenceNumber: p.Sequence,
			Timestamp:      uint32(p.Sequence) * 3000,
			SSRC:           p.SSRC,
		},
		Payload: payload,
	}
	return pkt.Marshal()
}

// SendRTP writes p as a single UDP datagram to ip:port.
func SendRTP(ip string, port int, p Packet) error {
	raw, err := p.Marshal()
	if err != nil {
		return fmt.Errorf("marshal rtp: %w", err)
	}
	conn, err := net.Dial("udp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("dial %s:%d: %w", ip, port, err)
	}
	defer conn.Close()
	if _, err := conn.Write(raw); err != nil {
		return fmt.Errorf("write rtp: %w", err)
	}
	return nil
}
