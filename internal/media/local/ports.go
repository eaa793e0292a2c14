package local

import (
	"fmt"
	"net"
	"sync"
)

// portRange hands out UDP sockets for WebRTC transports within the worker's
// RTC port range. A zero range binds ephemeral ports.
type portRange struct {
	min, max int

	mu   sync.Mutex
	next int
}

func newPortRange(min, max int) (*portRange, error) {
	if min < 0 || max < 0 || max > 65535 {
		return nil, fmt.Errorf("rtc port range %d-%d out of bounds", min, max)
	}
	if min > max {
		return nil, fmt.Errorf("rtc min port %d exceeds max port %d", min, max)
	}
	if min == 0 && max != 0 {
		return nil, fmt.Errorf("rtc min port must be set when max port is set")
	}
	return &portRange{min: min, max: max}, nil
}

func (p *portRange) listen(ip net.IP) (*net.UDPConn, error) {
	if p.min == 0 {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip})
		if err != nil {
			return nil, fmt.Errorf("listen webrtc transport: %w", err)
		}
		return conn, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	span := p.max - p.min + 1
	for i := 0; i < span; i++ {
		offset := (p.next + i) % span
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: p.min + offset})
		if err != nil {
			continue
		}
		p.next = (offset + 1) % span
		return conn, nil
	}
	return nil, fmt.Errorf("no free udp port in range %d-%d", p.min, p.max)
}
