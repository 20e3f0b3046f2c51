package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"decksync/internal/audio"
	"decksync/internal/replication"
)

// Broadcaster is the host side: one shared Opus track, one peer connection
// per guest. It implements replication.CallHandler and audio.Sink.
type Broadcaster struct {
	cfg    Config
	logger *slog.Logger
	api    *webrtc.API
	track  *webrtc.TrackLocalStaticSample

	// encoder state
	encMu   sync.Mutex
	enc     *opus.Encoder
	stereo  []float32
	pending []int16
	packet  []byte

	mu    sync.Mutex
	calls map[string]*webrtc.PeerConnection
}

var (
	_ replication.CallHandler = (*Broadcaster)(nil)
	_ audio.Sink              = (*Broadcaster)(nil)
)

// NewBroadcaster prepares the track and encoder. Samples written must be at
// SampleRate.
func NewBroadcaster(logger *slog.Logger, cfg Config) (*Broadcaster, error) {
	api, err := newAPI(cfg)
	if err != nil {
		return nil, fmt.Errorf("webrtc api: %w", err)
	}
	track, err := webrtc.NewTrackLocalStaticSample(opusCapability, "audio", "decksync")
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	return &Broadcaster{
		cfg:     cfg,
		logger:  logger.With("component", "call"),
		api:     api,
		track:   track,
		enc:     enc,
		pending: make([]int16, 0, FrameSamples*Channels*2),
		packet:  make([]byte, maxPacketBytes),
		calls:   make(map[string]*webrtc.PeerConnection),
	}, nil
}

// Calls returns the number of guests with a peer connection.
func (b *Broadcaster) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

// Write encodes samples into 20 ms Opus frames and sends them on the shared
// track. Nothing is encoded while no guest is connected.
func (b *Broadcaster) Write(samples []float32, channels int) {
	if b.Calls() == 0 {
		b.encMu.Lock()
		b.pending = b.pending[:0]
		b.encMu.Unlock()
		return
	}

	b.encMu.Lock()
	defer b.encMu.Unlock()

	b.stereo = audio.ToStereo(b.stereo, samples, channels)
	for _, v := range b.stereo {
		b.pending = append(b.pending, floatToInt16(v))
	}

	const frameLen = FrameSamples * Channels
	for len(b.pending) >= frameLen {
		n, err := b.enc.Encode(b.pending[:frameLen], b.packet)
		b.pending = append(b.pending[:0], b.pending[frameLen:]...)
		if err != nil {
			b.logger.Warn("opus encode failed", "error", err)
			continue
		}
		// WriteSample copies into RTP packets; packet is reused.
		if err := b.track.WriteSample(pionmedia.Sample{Data: b.packet[:n], Duration: FrameDuration}); err != nil {
			b.logger.Debug("write sample", "error", err)
		}
	}
}

// GuestJoined offers a call to a new guest over its session connection.
func (b *Broadcaster) GuestJoined(ctx context.Context, g *replication.Client) {
	offer, err := b.Offer(ctx, g.ID)
	if err != nil {
		b.logger.Warn("call offer failed", "guest", g.ID, "error", err)
		return
	}
	msg, err := replication.Marshal(replication.TypeCallOffer, offer, time.Now())
	if err != nil {
		b.logger.Warn("call offer encode failed", "guest", g.ID, "error", err)
		b.hangUp(g.ID)
		return
	}
	if !g.Send(msg) {
		b.logger.Warn("call offer not queued", "guest", g.ID)
		b.hangUp(g.ID)
	}
}

// CallAnswered completes the handshake started by GuestJoined.
func (b *Broadcaster) CallAnswered(g *replication.Client, sig replication.CallSignal) {
	if err := b.Accept(g.ID, sig); err != nil {
		b.logger.Warn("call answer rejected", "guest", g.ID, "error", err)
		b.hangUp(g.ID)
	}
}

// GuestLeft closes the guest's peer connection.
func (b *Broadcaster) GuestLeft(g *replication.Client) {
	b.hangUp(g.ID)
}

// Offer creates a peer connection for guestID carrying the shared track and
// returns the complete (non-trickle) offer.
func (b *Broadcaster) Offer(ctx context.Context, guestID string) (replication.CallSignal, error) {
	pc, err := b.api.NewPeerConnection(b.cfg.rtcConfig())
	if err != nil {
		return replication.CallSignal{}, err
	}

	sender, err := pc.AddTrack(b.track)
	if err != nil {
		_ = pc.Close()
		return replication.CallSignal{}, fmt.Errorf("add track: %w", err)
	}
	// RTCP must be read for the interceptors (NACK, reports) to work.
	go func() {
		buf := make([]byte, maxPacketBytes)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	logger := b.logger.With("guest", guestID)
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		logger.Info("call state", "state", s.String())
		if s == webrtc.PeerConnectionStateFailed {
			b.hangUpPC(guestID, pc)
		}
	})

	b.mu.Lock()
	old := b.calls[guestID]
	b.calls[guestID] = pc
	b.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	sdp, err := negotiate(ctx, pc, b.cfg.gatherTimeout(), func() (webrtc.SessionDescription, error) {
		return pc.CreateOffer(nil)
	})
	if err != nil {
		b.hangUpPC(guestID, pc)
		return replication.CallSignal{}, err
	}
	return replication.CallSignal{SDP: sdp}, nil
}

// Accept applies a guest's answer.
func (b *Broadcaster) Accept(guestID string, answer replication.CallSignal) error {
	b.mu.Lock()
	pc, ok := b.calls[guestID]
	b.mu.Unlock()
	if !ok {
		return ErrNoCall
	}
	return pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	})
}

// Close hangs up every call.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	calls := b.calls
	b.calls = make(map[string]*webrtc.PeerConnection)
	b.mu.Unlock()
	for _, pc := range calls {
		_ = pc.Close()
	}
}

func (b *Broadcaster) hangUp(guestID string) {
	b.mu.Lock()
	pc, ok := b.calls[guestID]
	delete(b.calls, guestID)
	b.mu.Unlock()
	if ok {
		_ = pc.Close()
	}
}

// hangUpPC removes pc only if it is still the guest's current call.
func (b *Broadcaster) hangUpPC(guestID string, pc *webrtc.PeerConnection) {
	b.mu.Lock()
	if b.calls[guestID] == pc {
		delete(b.calls, guestID)
	}
	b.mu.Unlock()
	go pc.Close()
}

// negotiate creates the local description with create, waits for ICE
// gathering and returns the SDP with all candidates embedded.
func negotiate(ctx context.Context, pc *webrtc.PeerConnection, timeout time.Duration,
	create func() (webrtc.SessionDescription, error)) (string, error) {
	desc, err := create()
	if err != nil {
		return "", err
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		// Send what we have; host candidates usually suffice on a LAN.
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := pc.LocalDescription()
	if local == nil {
		return "", errors.New("no local description")
	}
	return local.SDP, nil
}
