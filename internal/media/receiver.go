package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/hraban/opus"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"decksync/internal/audio"
	"decksync/internal/replication"
)

// Receiver is the guest side: it answers the host's call offer and plays the
// inbound Opus track into a sink. A new offer replaces the previous call.
type Receiver struct {
	cfg    Config
	logger *slog.Logger
	api    *webrtc.API
	sink   audio.Sink

	mu sync.Mutex
	pc *webrtc.PeerConnection
}

// NewReceiver builds a receiver that plays into sink.
func NewReceiver(logger *slog.Logger, cfg Config, sink audio.Sink) (*Receiver, error) {
	api, err := newAPI(cfg)
	if err != nil {
		return nil, fmt.Errorf("webrtc api: %w", err)
	}
	return &Receiver{
		cfg:    cfg,
		logger: logger.With("component", "call"),
		api:    api,
		sink:   sink,
	}, nil
}

// Answer accepts an offer. It has the signature of replication.OfferFunc.
func (r *Receiver) Answer(ctx context.Context, offer replication.CallSignal) (replication.CallSignal, error) {
	pc, err := r.api.NewPeerConnection(r.cfg.rtcConfig())
	if err != nil {
		return replication.CallSignal{}, err
	}
	pc.OnTrack(r.play)
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		r.logger.Info("call state", "state", s.String())
	})

	r.mu.Lock()
	old := r.pc
	r.pc = pc
	r.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		r.drop(pc)
		return replication.CallSignal{}, fmt.Errorf("set remote description: %w", err)
	}

	sdp, err := negotiate(ctx, pc, r.cfg.gatherTimeout(), func() (webrtc.SessionDescription, error) {
		return pc.CreateAnswer(nil)
	})
	if err != nil {
		r.drop(pc)
		return replication.CallSignal{}, err
	}
	return replication.CallSignal{SDP: sdp}, nil
}

// Close hangs up.
func (r *Receiver) Close() {
	r.mu.Lock()
	pc := r.pc
	r.pc = nil
	r.mu.Unlock()
	if pc != nil {
		_ = pc.Close()
	}
}

func (r *Receiver) drop(pc *webrtc.PeerConnection) {
	r.mu.Lock()
	if r.pc == pc {
		r.pc = nil
	}
	r.mu.Unlock()
	_ = pc.Close()
}

// play decodes one remote track until it ends. Decode failures skip the
// packet; playback never stops the session.
func (r *Receiver) play(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	mime := track.Codec().MimeType
	if !strings.EqualFold(mime, webrtc.MimeTypeOpus) {
		r.logger.Warn("ignoring non-opus track", "codec", mime)
		return
	}
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		r.logger.Error("opus decoder", "error", err)
		return
	}
	r.logger.Info("receiving audio", "codec", mime)

	pcm := make([]int16, maxFrameSamples*Channels)
	out := make([]float32, maxFrameSamples*Channels)
	for {
		var pkt *rtp.Packet
		pkt, _, err = track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.logger.Warn("track read failed", "error", err)
			}
			r.logger.Info("audio ended")
			return
		}
		samples, err := decodePacket(dec, pkt, pcm, out)
		if err != nil {
			r.logger.Debug("opus decode failed", "error", err)
			continue
		}
		if len(samples) > 0 {
			r.sink.Write(samples, Channels)
		}
	}
}
