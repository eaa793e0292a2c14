package media

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v4"
)

const firstDynamicPayloadType = 100

// DefaultMediaCodecs returns the router codec set used by the relay: stereo
// Opus and constrained-baseline H264 in packetization mode 1.
func DefaultMediaCodecs() []RTPCodecCapability {
	return []RTPCodecCapability{
		{
			Kind:      KindAudio,
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		{
			Kind:      KindVideo,
			MimeType:  webrtc.MimeTypeH264,
			ClockRate: 90000,
			Parameters: map[string]any{
				"packetization-mode":      1,
				"profile-level-id":        "42e01f",
				"level-asymmetry-allowed": 1,
			},
		},
	}
}

// BuildRouterCapabilities validates the configured media codecs and assigns
// payload types and RTCP feedback the way a router advertises them.
func BuildRouterCapabilities(codecs []RTPCodecCapability) (RTPCapabilities, error) {
	if len(codecs) == 0 {
		return RTPCapabilities{}, fmt.Errorf("at least one media codec is required")
	}
	caps := RTPCapabilities{
		Codecs:           make([]RTPCodecCapability, 0, len(codecs)),
		HeaderExtensions: []RTPHeaderExtension{},
	}
	used := make(map[uint8]struct{})
	for _, codec := range codecs {
		if codec.PreferredPayloadType != 0 {
			used[codec.PreferredPayloadType] = struct{}{}
		}
	}
	next := uint8(firstDynamicPayloadType)
	for i, codec := range codecs {
		if !codec.Kind.Valid() {
			return RTPCapabilities{}, fmt.Errorf("codec %d: invalid kind %q", i, codec.Kind)
		}
		prefix := string(codec.Kind) + "/"
		if !strings.HasPrefix(strings.ToLower(codec.MimeType), prefix) {
			return RTPCapabilities{}, fmt.Errorf("codec %d: mime type %q does not match kind %s", i, codec.MimeType, codec.Kind)
		}
		if codec.ClockRate == 0 {
			return RTPCapabilities{}, fmt.Errorf("codec %d: clock rate is required", i)
		}
		out := codec
		out.Parameters = cloneParameters(codec.Parameters)
		if out.PreferredPayloadType == 0 {
			for {
				if _, taken := used[next]; !taken {
					break
				}
				next++
			}
			out.PreferredPayloadType = next
			used[next] = struct{}{}
		}
		if out.Kind == KindAudio && out.Channels == 0 {
			out.Channels = 1
		}
		if len(out.RTCPFeedback) == 0 {
			out.RTCPFeedback = defaultFeedback(out.Kind)
		}
		caps.Codecs = append(caps.Codecs, out)
	}
	return caps, nil
}

func defaultFeedback(kind Kind) []RTCPFeedback {
	if kind == KindAudio {
		return []RTCPFeedback{{Type: webrtc.TypeRTCPFBTransportCC}}
	}
	return []RTCPFeedback{
		{Type: webrtc.TypeRTCPFBNACK},
		{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
		{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
		{Type: webrtc.TypeRTCPFBGoogREMB},
		{Type: webrtc.TypeRTCPFBTransportCC},
	}
}

// SupportsCodec reports whether caps contain a codec able to carry params.
func SupportsCodec(caps RTPCapabilities, params RTPCodecParameters) bool {
	for _, candidate := range caps.Codecs {
		if codecMatches(candidate, params) {
			return true
		}
	}
	return false
}

// FindCompatibleCodec returns the client capability able to receive the
// primary codec of a producer.
func FindCompatibleCodec(producer RTPParameters, caps RTPCapabilities) (RTPCodecCapability, bool) {
	if len(producer.Codecs) == 0 {
		return RTPCodecCapability{}, false
	}
	primary := producer.Codecs[0]
	for _, candidate := range caps.Codecs {
		if candidate.PreferredPayloadType == 0 {
			continue
		}
		if codecMatches(candidate, primary) {
			return candidate, true
		}
	}
	return RTPCodecCapability{}, false
}

// ConsumerRTPParameters derives the parameters of a consumer from the
// producer it reads and the client codec selected by FindCompatibleCodec.
func ConsumerRTPParameters(producer RTPParameters, codec RTPCodecCapability, ssrc uint32, cname string) RTPParameters {
	primary := producer.Codecs[0]
	return RTPParameters{
		Codecs: []RTPCodecParameters{{
			MimeType:     primary.MimeType,
			PayloadType:  codec.PreferredPayloadType,
			ClockRate:    primary.ClockRate,
			Channels:     primary.Channels,
			Parameters:   cloneParameters(primary.Parameters),
			RTCPFeedback: append([]RTCPFeedback(nil), codec.RTCPFeedback...),
		}},
		HeaderExtensions: []RTPHeaderExtension{},
		Encodings:        []RTPEncodingParameters{{SSRC: ssrc}},
		RTCP:             RTCPParameters{CNAME: cname, ReducedSize: true},
	}
}

func codecMatches(capability RTPCodecCapability, params RTPCodecParameters) bool {
	if !strings.EqualFold(capability.MimeType, params.MimeType) {
		return false
	}
	if capability.ClockRate != params.ClockRate {
		return false
	}
	if strings.HasPrefix(strings.ToLower(params.MimeType), "audio/") {
		if channelsOrOne(capability.Channels) != channelsOrOne(params.Channels) {
			return false
		}
	}
	if strings.EqualFold(params.MimeType, webrtc.MimeTypeH264) {
		wantMode, _ := paramInt(params.Parameters, "packetization-mode")
		gotMode, _ := paramInt(capability.Parameters, "packetization-mode")
		if wantMode != gotMode {
			return false
		}
		// Only profile_idc is compared; level mismatches are negotiable.
		want := h264Profile(params.Parameters)
		got := h264Profile(capability.Parameters)
		if want != "" && got != "" && want != got {
			return false
		}
	}
	return true
}

func channelsOrOne(ch uint16) uint16 {
	if ch == 0 {
		return 1
	}
	return ch
}

func h264Profile(params map[string]any) string {
	raw, ok := params["profile-level-id"]
	if !ok {
		return ""
	}
	value := strings.ToLower(fmt.Sprint(raw))
	if len(value) != 6 {
		return ""
	}
	return value[:2]
}

func paramInt(params map[string]any, key string) (int, bool) {
	raw, ok := params[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case uint8:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	default:
		return 0, false
	}
}

func cloneParameters(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
