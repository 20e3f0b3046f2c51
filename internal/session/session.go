// Package session owns the hardware state of one process for the lifetime of
// a host or guest session.
//
// A single goroutine (Run) reduces every input, emits render ticks that drive
// the jog kinematics and, on a host, broadcast ticks that publish snapshots.
// Other goroutines only post events and receive copies.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"decksync/internal/hardware"
)

const (
	// DefaultRenderHz drives kinematics and level analysis.
	DefaultRenderHz = 60
	// DefaultBroadcastInterval is the replication cadence (25 Hz).
	DefaultBroadcastInterval = 40 * time.Millisecond
	// DefaultEventBuf is the inbound queue depth.
	DefaultEventBuf = 256
)

// ErrStopped is returned by requests made after the loop exited.
var ErrStopped = errors.New("session stopped")

// Publisher sends a snapshot to every guest. Implemented by the replication
// server.
type Publisher interface {
	Publish(st hardware.State, at time.Time) error
}

// Config configures one session.
type Config struct {
	Role       Role
	ControlMap hardware.ControlMap
	Decoder    hardware.DecoderConfig
	Kinematics hardware.KinematicsConfig

	RenderHz          int
	BroadcastInterval time.Duration
	EventBuf          int
}

// DefaultConfig returns a host configuration with the default controller.
func DefaultConfig() Config {
	return Config{
		Role:              RoleHost,
		ControlMap:        hardware.DefaultControlMap(),
		Decoder:           hardware.DefaultDecoderConfig(),
		Kinematics:        hardware.DefaultKinematicsConfig(),
		RenderHz:          DefaultRenderHz,
		BroadcastInterval: DefaultBroadcastInterval,
		EventBuf:          DefaultEventBuf,
	}
}

// Session is the explicit replacement for a process-wide state singleton:
// constructed at role selection, torn down when Run returns.
type Session struct {
	cfg    Config
	logger *slog.Logger

	events chan Event
	done   chan struct{}

	// epoch anchors the millisecond session clock used by the decoder and
	// kinematics.
	epoch time.Time

	model     *Model
	publisher Publisher
}

// New builds a session. The control map is compiled here so a bad map fails
// startup rather than the first MIDI message.
func New(logger *slog.Logger, cfg Config) (*Session, error) {
	if cfg.RenderHz <= 0 {
		cfg.RenderHz = DefaultRenderHz
	}
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = DefaultBroadcastInterval
	}
	if cfg.EventBuf <= 0 {
		cfg.EventBuf = DefaultEventBuf
	}

	m := &Model{
		Role:       cfg.Role,
		HW:         *hardware.NewState(),
		DecoderCfg: cfg.Decoder,
		Kinematics: cfg.Kinematics,
		// Allow up to ~2 frames of time to be integrated in one step.
		MaxDt: 2.0 / float64(cfg.RenderHz),
	}
	if cfg.Role == RoleHost {
		dec, err := hardware.NewDecoder(cfg.ControlMap, cfg.Decoder)
		if err != nil {
			return nil, err
		}
		m.Decoder = dec
	}

	return &Session{
		cfg:    cfg,
		logger: logger.With("role", cfg.Role.String()),
		events: make(chan Event, cfg.EventBuf),
		done:   make(chan struct{}),
		epoch:  time.Now(),
		model:  m,
	}, nil
}

// Role returns the session role.
func (s *Session) Role() Role { return s.cfg.Role }

// SetPublisher attaches the replication broadcaster. Call before Run.
func (s *Session) SetPublisher(p Publisher) { s.publisher = p }

// Clock converts a wall-clock time to session milliseconds.
func (s *Session) Clock(t time.Time) int64 {
	return t.Sub(s.epoch).Milliseconds()
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// Post queues ev without blocking. It reports false when the queue is full
// or the session has stopped; callers on real-time paths drop the event.
func (s *Session) Post(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// Submit queues ev, waiting for room.
func (s *Session) Submit(ctx context.Context, ev Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the current state. It implements
// replication.StateSource.
func (s *Session) Snapshot(ctx context.Context) (hardware.State, error) {
	reply := make(chan hardware.State, 1)
	if err := s.Submit(ctx, RequestSnapshot{Reply: reply}); err != nil {
		return hardware.State{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-s.done:
		return hardware.State{}, ErrStopped
	case <-ctx.Done():
		return hardware.State{}, ctx.Err()
	}
}

// Status returns the current state plus counters.
func (s *Session) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if err := s.Submit(ctx, RequestStatus{Reply: reply}); err != nil {
		return Status{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-s.done:
		return Status{}, ErrStopped
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Run is the session loop. It returns when ctx is canceled.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)

	renderInterval := time.Second / time.Duration(s.cfg.RenderHz)
	render := time.NewTicker(renderInterval)
	defer render.Stop()

	// Only the host broadcasts; a nil channel never fires.
	var broadcastC <-chan time.Time
	if s.cfg.Role == RoleHost {
		b := time.NewTicker(s.cfg.BroadcastInterval)
		defer b.Stop()
		broadcastC = b.C
	}

	s.logger.Info("session started",
		"render_hz", s.cfg.RenderHz,
		"broadcast_interval", s.cfg.BroadcastInterval)

	lastTick := time.Now()
	var cmdQueue []Command

	reduce := func(ev Event, at time.Time) {
		rr := Reduce(s.model, ev, s.Clock(at))
		if rr.Model != nil {
			s.model = rr.Model
		}
		cmdQueue = append(cmdQueue, rr.Commands...)
	}

	flushCommands := func() {
		for len(cmdQueue) > 0 {
			cmd := cmdQueue[0]
			cmdQueue = cmdQueue[1:]
			s.runEffect(cmd)
		}
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("session stopping (context canceled)")
			return ctx.Err()

		case ev := <-s.events:
			at := time.Now()
			if m, ok := ev.(MIDIReceived); ok && !m.At.IsZero() {
				at = m.At
			}
			reduce(ev, at)
			flushCommands()

		case now := <-render.C:
			dt := now.Sub(lastTick).Seconds()
			lastTick = now
			reduce(Tick{Now: now, Dt: dt}, now)
			flushCommands()

		case now := <-broadcastC:
			reduce(BroadcastTick{Now: now}, now)
			flushCommands()
		}
	}
}

// runEffect executes one command. Failures are logged; none stops the loop.
func (s *Session) runEffect(cmd Command) {
	switch c := cmd.(type) {
	case CmdPublish:
		if s.publisher == nil {
			return
		}
		if err := s.publisher.Publish(c.State, c.At); err != nil {
			s.logger.Warn("publish failed", "error", err)
		}
	case CmdReplyState:
		deliver(c.Reply, c.State)
	case CmdReplyStatus:
		deliver(c.Reply, c.Status)
	case CmdReport:
		s.logger.Warn(c.What, "error", c.Err)
	default:
		s.logger.Error("unknown command", "command", fmt.Sprint(cmd))
	}
}

// deliver never blocks the loop on a requester that went away.
func deliver[T any](reply chan T, v T) {
	if reply == nil {
		return
	}
	select {
	case reply <- v:
	default:
	}
}
