package media

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/rtp"

	"decksync/internal/replication"
)

func sine(frames int, freq float64, phase int) []float32 {
	out := make([]float32, frames*Channels)
	for i := 0; i < frames; i++ {
		v := float32(0.5 * math.Sin(2*math.Pi*freq*float64(phase+i)/SampleRate))
		out[2*i] = v
		out[2*i+1] = v
	}
	return out
}

func TestFloatToInt16(t *testing.T) {
	cases := []struct {
		in   float32
		want int16
	}{
		{0, 0},
		{1, math.MaxInt16},
		{2, math.MaxInt16},
		{-1, -math.MaxInt16},
		{-7, -math.MaxInt16},
		{0.5, math.MaxInt16 / 2},
	}
	for _, c := range cases {
		if got := floatToInt16(c.in); got != c.want {
			t.Errorf("floatToInt16(%v): expected %d, got %d", c.in, c.want, got)
		}
	}
}

func TestDecodePacket(t *testing.T) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppAudio)
	if err != nil {
		t.Fatalf("encoder: %v", err)
	}
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}

	frame := sine(FrameSamples, 440, 0)
	pcm := make([]int16, len(frame))
	for i, v := range frame {
		pcm[i] = floatToInt16(v)
	}
	buf := make([]byte, maxPacketBytes)
	n, err := enc.Encode(pcm, buf)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: 1},
		Payload: buf[:n],
	}
	scratch := make([]int16, maxFrameSamples*Channels)
	out := make([]float32, maxFrameSamples*Channels)

	got, err := decodePacket(dec, pkt, scratch, out)
	if err != nil {
		t.Fatalf("decodePacket: %v", err)
	}
	if len(got) != FrameSamples*Channels {
		t.Errorf("expected %d samples, got %d", FrameSamples*Channels, len(got))
	}

	empty, err := decodePacket(dec, &rtp.Packet{}, scratch, out)
	if err != nil || len(empty) != 0 {
		t.Errorf("expected empty payload to decode to nothing, got %d samples (err %v)", len(empty), err)
	}
}

func TestConfig_ICEServers(t *testing.T) {
	if got := (Config{}).rtcConfig(); len(got.ICEServers) != 1 || got.ICEServers[0].URLs[0] != DefaultSTUN[0] {
		t.Errorf("expected default STUN, got %+v", got.ICEServers)
	}
	if got := (Config{ICEServers: []string{}}).rtcConfig(); len(got.ICEServers) != 0 {
		t.Errorf("expected no ICE servers, got %+v", got.ICEServers)
	}
}

func TestBroadcaster_AnswerWithoutOffer(t *testing.T) {
	b, err := NewBroadcaster(slog.Default(), Config{ICEServers: []string{}})
	if err != nil {
		t.Fatalf("NewBroadcaster: %v", err)
	}
	defer b.Close()
	if err := b.Accept("nobody", replication.CallSignal{SDP: "x"}); !errors.Is(err, ErrNoCall) {
		t.Errorf("expected ErrNoCall, got %v", err)
	}
	// Without calls, writes are dropped rather than encoded.
	b.Write(sine(FrameSamples*3, 440, 0), Channels)
	if len(b.pending) != 0 {
		t.Errorf("expected nothing buffered without calls, got %d", len(b.pending))
	}
}

type countSink struct {
	mu sync.Mutex
	n  int
}

func (c *countSink) Write(samples []float32, channels int) {
	c.mu.Lock()
	c.n += len(samples)
	c.mu.Unlock()
}

func (c *countSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Host and guest peer connections in one process over loopback candidates.
func TestCall_LoopbackAudio(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	cfg := Config{ICEServers: []string{}, IncludeLoopback: true, GatherTimeout: 2 * time.Second}

	b, err := NewBroadcaster(slog.Default(), cfg)
	if err != nil {
		t.Fatalf("NewBroadcaster: %v", err)
	}
	defer b.Close()
	sink := &countSink{}
	r, err := NewReceiver(slog.Default(), cfg, sink)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	offer, err := b.Offer(ctx, "guest-1")
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	answer, err := r.Answer(ctx, offer)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if err := b.Accept("guest-1", answer); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if b.Calls() != 1 {
		t.Fatalf("expected 1 call, got %d", b.Calls())
	}

	// Half a frame per write exercises re-framing into 20 ms packets.
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(10 * time.Second)
	phase := 0
	for sink.count() == 0 {
		select {
		case <-ticker.C:
			b.Write(sine(FrameSamples/2, 440, phase), Channels)
			phase += FrameSamples / 2
		case <-deadline:
			t.Skip("no ICE path between loopback peers in this environment")
		}
	}
}
