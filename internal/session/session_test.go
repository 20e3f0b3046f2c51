package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"decksync/internal/hardware"
	"decksync/internal/replication"
)

type countingPublisher struct {
	mu   sync.Mutex
	last hardware.State
	n    int
}

func (p *countingPublisher) Publish(st hardware.State, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = st
	p.n++
	return nil
}

func (p *countingPublisher) get() (hardware.State, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.n
}

func startSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	s, err := New(slog.Default(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
	return s
}

func TestSession_SnapshotReflectsMIDI(t *testing.T) {
	s := startSession(t, DefaultConfig())

	if !s.Post(MIDIReceived{Msg: hardware.Message{Status: 176, Data1: 19, Data2: 101}}) {
		t.Fatalf("expected Post to queue")
	}
	st, err := s.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if st.Deck1.Vol != 101 {
		t.Errorf("expected vol 101, got %d", st.Deck1.Vol)
	}
}

func TestSession_PublishesOnBroadcastCadence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BroadcastInterval = 10 * time.Millisecond
	s, err := New(slog.Default(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pub := &countingPublisher{}
	s.SetPublisher(pub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	_ = s.Submit(ctx, MIDIReceived{Msg: hardware.Message{Status: 182, Data1: 31, Data2: 5}})

	waitUntil(t, time.Second, func() bool {
		st, n := pub.get()
		return n >= 3 && st.XFade == 5
	}, "expected repeated snapshots carrying xfade 5")
}

func TestSession_GuestNeverPublishes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Role = RoleGuest
	cfg.BroadcastInterval = 5 * time.Millisecond
	s, err := New(slog.Default(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pub := &countingPublisher{}
	s.SetPublisher(pub)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-s.Done()

	if _, n := pub.get(); n != 0 {
		t.Errorf("expected no publishes from a guest, got %d", n)
	}
}

func TestSession_RequestsAfterStop(t *testing.T) {
	s, err := New(slog.Default(), DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	cancel()
	<-s.Done()

	if s.Post(Tick{}) {
		t.Errorf("expected Post to fail after stop")
	}
	// The queue may still have room, so Snapshot reaches the reply wait.
	if _, err := s.Snapshot(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestNew_RejectsBadControlMap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ControlMap.JogCodes = nil
	if _, err := New(slog.Default(), cfg); err == nil {
		t.Fatalf("expected error for invalid control map")
	}

	// Guests never decode, so their map is not compiled.
	cfg.Role = RoleGuest
	if _, err := New(slog.Default(), cfg); err != nil {
		t.Fatalf("expected guest to ignore the control map, got %v", err)
	}
}

// Host session -> replication server -> websocket -> guest link -> guest
// session.
func TestHostGuestReplication(t *testing.T) {
	hostCfg := DefaultConfig()
	hostCfg.BroadcastInterval = 10 * time.Millisecond
	host, err := New(slog.Default(), hostCfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := replication.NewServer(slog.Default(), host, replication.ServerConfig{})
	host.SetPublisher(srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go host.Run(ctx)
	go srv.Hub().Run(ctx)

	mux := http.NewServeMux()
	srv.Register(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	guestCfg := DefaultConfig()
	guestCfg.Role = RoleGuest
	guest := startSession(t, guestCfg)

	link := replication.NewGuest(slog.Default(), replication.GuestConfig{
		URL: replication.SessionURL(strings.TrimPrefix(ts.URL, "http://"), srv.SessionID()),
	}, func(m replication.Snapshot) {
		guest.Post(SnapshotReceived{Snapshot: m})
	})
	go link.Run(ctx)

	jog := hardware.Message{Status: 144, Data1: 33, Data2: 10}
	if err := host.Submit(ctx, MIDIReceived{Msg: jog}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	k := hardware.DefaultJogRadiansPerStep
	want := 10 * k

	waitUntil(t, 2*time.Second, func() bool {
		st, err := guest.Snapshot(ctx)
		return err == nil && st.Deck1.Rotation == want
	}, "guest replica did not converge on the host's jog turn")

	h, _ := host.Snapshot(ctx)
	g, _ := guest.Snapshot(ctx)
	if h.Deck1 != g.Deck1 || h.Deck2 != g.Deck2 || h.XFade != g.XFade {
		t.Errorf("replica differs:\nhost=%+v\nguest=%+v", h, g)
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}
