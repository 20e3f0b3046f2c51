// Package media carries the host's live audio to each guest as a WebRTC call:
// one Opus track, offered by the host per guest over the session WebSocket,
// played on the guest's output device.
package media

import (
	"errors"
	"math"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const (
	SampleRate    = 48000
	Channels      = 2
	FrameSamples  = 960 // per channel, 20 ms at 48 kHz
	FrameDuration = 20 * time.Millisecond

	// maxFrameSamples is the longest Opus frame (120 ms) per channel.
	maxFrameSamples = 5760
	maxPacketBytes  = 1500
)

// DefaultSTUN is used when no ICE servers are configured.
var DefaultSTUN = []string{"stun:stun.l.google.com:19302"}

// ErrNoCall is returned for answers from a guest with no pending offer.
var ErrNoCall = errors.New("no call for guest")

// Config configures the WebRTC layer.
type Config struct {
	// ICEServers are STUN/TURN URLs. Nil means DefaultSTUN; an empty,
	// non-nil slice means host candidates only.
	ICEServers []string
	// IncludeLoopback gathers 127.0.0.1 candidates (same-machine sessions).
	IncludeLoopback bool
	// GatherTimeout bounds ICE gathering before an offer/answer is sent.
	GatherTimeout time.Duration
}

func (c Config) gatherTimeout() time.Duration {
	if c.GatherTimeout <= 0 {
		return 5 * time.Second
	}
	return c.GatherTimeout
}

func (c Config) rtcConfig() webrtc.Configuration {
	urls := c.ICEServers
	if urls == nil {
		urls = DefaultSTUN
	}
	var cfg webrtc.Configuration
	if len(urls) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: urls}}
	}
	return cfg
}

func newAPI(cfg Config) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// A brief NAT hiccup should not end the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

// opusCapability is the single codec offered.
var opusCapability = webrtc.RTPCodecCapability{
	MimeType:  webrtc.MimeTypeOpus,
	ClockRate: SampleRate,
	Channels:  Channels,
}

func floatToInt16(v float32) int16 {
	if v >= 1 {
		return math.MaxInt16
	}
	if v <= -1 {
		return -math.MaxInt16
	}
	return int16(v * math.MaxInt16)
}

func int16ToFloat(v int16) float32 {
	return float32(v) / math.MaxInt16
}

// decodePacket decodes one RTP payload into interleaved stereo floats in
// out (which must hold maxFrameSamples*Channels) and returns the filled
// prefix.
func decodePacket(dec *opus.Decoder, pkt *rtp.Packet, pcm []int16, out []float32) ([]float32, error) {
	if pkt == nil || len(pkt.Payload) == 0 {
		return out[:0], nil
	}
	n, err := dec.Decode(pkt.Payload, pcm)
	if err != nil {
		return out[:0], err
	}
	n *= Channels
	for i := 0; i < n; i++ {
		out[i] = int16ToFloat(pcm[i])
	}
	return out[:n], nil
}
