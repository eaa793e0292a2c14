package media

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// Kind identifies the media type carried by a producer or consumer.
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// ParseKind converts the wire representation into a Kind.
func ParseKind(value string) (Kind, error) {
	switch webrtc.NewRTPCodecType(strings.TrimSpace(value)) {
	case webrtc.RTPCodecTypeVideo:
		return KindVideo, nil
	case webrtc.RTPCodecTypeAudio:
		return KindAudio, nil
	default:
		return "", fmt.Errorf("unknown media kind %q", value)
	}
}

// Valid reports whether the kind is audio or video.
func (k Kind) Valid() bool {
	return k == KindVideo || k == KindAudio
}

// RTCPFeedback advertises a feedback mechanism supported for a codec.
type RTCPFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// RTPCodecCapability describes a codec a router or client can handle.
type RTPCodecCapability struct {
	Kind                 Kind           `json:"kind" yaml:"kind"`
	MimeType             string         `json:"mimeType" yaml:"mime_type"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty" yaml:"preferred_payload_type,omitempty"`
	ClockRate            uint32         `json:"clockRate" yaml:"clock_rate"`
	Channels             uint16         `json:"channels,omitempty" yaml:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	RTCPFeedback         []RTCPFeedback `json:"rtcpFeedback,omitempty" yaml:"-"`
}

// RTPHeaderExtension describes a header extension capability.
type RTPHeaderExtension struct {
	Kind        Kind   `json:"kind,omitempty"`
	URI         string `json:"uri"`
	PreferredID int    `json:"preferredId"`
	Direction   string `json:"direction,omitempty"`
}

// RTPCapabilities is the codec set exchanged with clients.
type RTPCapabilities struct {
	Codecs           []RTPCodecCapability `json:"codecs"`
	HeaderExtensions []RTPHeaderExtension `json:"headerExtensions"`
}

// RTPCodecParameters is a negotiated codec inside RTPParameters.
type RTPCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RTCPFeedback []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

// RTPEncodingParameters identifies one encoding of a media flow.
type RTPEncodingParameters struct {
	SSRC uint32 `json:"ssrc"`
}

// RTCPParameters carries RTCP settings of a media flow.
type RTCPParameters struct {
	CNAME       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize"`
}

// RTPParameters describes a single media flow sent or received by a handle.
type RTPParameters struct {
	MID              string                  `json:"mid,omitempty"`
	Codecs           []RTPCodecParameters    `json:"codecs"`
	HeaderExtensions []RTPHeaderExtension    `json:"headerExtensions"`
	Encodings        []RTPEncodingParameters `json:"encodings"`
	RTCP             RTCPParameters          `json:"rtcp"`
}

// ICEParameters are the local ICE credentials of a WebRTC transport.
type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite"`
}

// ICECandidate is a local candidate gathered by a WebRTC transport.
type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Address    string `json:"address"`
	Protocol   string `json:"protocol"`
	Port       int    `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

// DTLSFingerprint is a certificate fingerprint.
type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// DTLSParameters are exchanged to complete the transport security handshake.
type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// TransportParams are returned to the client after a consumer transport is created.
type TransportParams struct {
	ID             string         `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

// TransportTuple is the local endpoint of a plain transport.
type TransportTuple struct {
	LocalIP   string `json:"localIp"`
	LocalPort int    `json:"localPort"`
	Protocol  string `json:"protocol"`
}

// WorkerConfig configures a media worker.
type WorkerConfig struct {
	Name       string
	LogLevel   string
	RTCMinPort int
	RTCMaxPort int
}

// RouterConfig configures a router with the codecs it will accept.
type RouterConfig struct {
	MediaCodecs []RTPCodecCapability
}

// ListenIP is a local address and the address announced to remote peers.
type ListenIP struct {
	IP          string
	AnnouncedIP string
}

// PlainTransportConfig configures an RTP ingest endpoint.
type PlainTransportConfig struct {
	ListenIP ListenIP
	Port     int
	RTCPMux  bool
	Comedia  bool
}

// WebRTCTransportConfig configures a consumer transport.
type WebRTCTransportConfig struct {
	ListenIPs []ListenIP
	EnableUDP bool
	EnableTCP bool
	PreferUDP bool
	AppData   map[string]any
}

// ProduceOptions describe a producer created on a plain transport.
type ProduceOptions struct {
	Kind          Kind
	RTPParameters RTPParameters
	AppData       map[string]any
}

// ConsumeOptions describe a consumer created on a WebRTC transport.
type ConsumeOptions struct {
	ProducerID      string
	RTPCapabilities RTPCapabilities
	Paused          bool
	AppData         map[string]any
}
