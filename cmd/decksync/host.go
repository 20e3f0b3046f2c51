package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"decksync/internal/audio"
	"decksync/internal/hardware"
	"decksync/internal/ipc"
	"decksync/internal/levels"
	"decksync/internal/media"
	"decksync/internal/midiin"
	"decksync/internal/replication"
	"decksync/internal/session"
)

// errNoAudio is returned by ArmAudio when the audio backend is "none".
var errNoAudio = errors.New("audio input disabled (audio.backend is none)")

// host wires the write-master: MIDI in, audio in, session loop, replication
// endpoint, media calls and the IPC socket. It implements ipc.Handler.
type host struct {
	cfg    Config
	logger *slog.Logger

	sess   *session.Session
	server *replication.Server
	caster *media.Broadcaster // nil when media is disabled or failed

	// runCtx outlives individual requests; audio runs on it.
	runCtx context.Context
	wg     sync.WaitGroup

	armMu sync.Mutex
	armed bool
}

var _ ipc.Handler = (*host)(nil)

func runHost(ctx context.Context, cfg Config, configPath string, logger *slog.Logger, interactive bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess, err := session.New(logger, cfg.SessionConfig(session.RoleHost))
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	h := &host{
		cfg:    cfg,
		logger: logger,
		sess:   sess,
		runCtx: ctx,
	}

	h.server = replication.NewServer(logger, sess, replication.ServerConfig{
		SessionID: cfg.Replication.SessionID,
		Hub:       cfg.HubConfig(),
	})
	sess.SetPublisher(h.server)

	if cfg.Media.Enabled {
		caster, err := media.NewBroadcaster(logger, cfg.MediaConfig())
		if err != nil {
			// Guests still get state; only the audio call is lost.
			logger.Warn("media disabled", "error", err)
		} else {
			h.caster = caster
			h.server.SetCallHandler(caster)
			defer caster.Close()
		}
	}

	mux := http.NewServeMux()
	h.server.Register(mux)

	errc := make(chan error, 8)
	run := func(name string, f func() error) {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			if err := f(); err != nil && ctx.Err() == nil {
				errc <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	run("session", func() error { return sess.Run(ctx) })
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.server.Hub().Run(ctx)
	}()
	run("session endpoint", func() error {
		return runHTTPServer(ctx, cfg.Replication.Listen, mux, logger)
	})
	if cfg.IPC.SocketPath != "" {
		run("ipc", func() error {
			return ipc.Serve(ctx, ExpandPath(cfg.IPC.SocketPath), h, logger)
		})
	}
	if configPath != "" {
		run("config watcher", func() error {
			return watchControlMap(ctx, configPath, sess, logger)
		})
	}
	h.startMIDI(ctx)

	id := h.server.SessionID()
	logger.Info("hosting session",
		"session", id,
		"url", replication.SessionURL(advertiseAddr(cfg.Replication.Listen), id),
		"midi", cfg.MIDI.Backend,
		"audio", cfg.Audio.Backend,
		"media", h.caster != nil)

	if cfg.Audio.Autostart {
		if err := h.ArmAudio(ctx); err != nil {
			logger.Warn("audio not armed", "error", err)
		}
	}

	if interactive {
		// Not waited for: a blocked terminal read must not hold up shutdown.
		go func() {
			runHostConsole(ctx, h, id)
			cancel()
		}()
	}

	select {
	case <-ctx.Done():
		err = nil
	case err = <-errc:
	}
	cancel()
	h.wg.Wait()
	return err
}

// startMIDI starts the configured input backend. Device errors degrade to
// static controls; they never stop the host.
func (h *host) startMIDI(ctx context.Context) {
	switch h.cfg.MIDI.Backend {
	case midiBackendRtmidi:
		w, err := midiin.NewWatcher(h.logger, midiin.WatcherConfig{
			Preferred:      h.cfg.MIDI.Preferred,
			Excluded:       h.cfg.MIDI.Excluded,
			RescanInterval: time.Duration(h.cfg.MIDI.RescanMS) * time.Millisecond,
		}, h.onMIDI)
		if err != nil {
			h.logger.Warn("MIDI input unavailable", "backend", midiBackendRtmidi, "error", err)
			return
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			defer w.Close()
			w.Run(ctx)
		}()

	case midiBackendRaw:
		r, err := midiin.NewRawReader(h.logger, h.cfg.MIDI.RawDevices, h.onMIDI)
		if err != nil {
			h.logger.Warn("MIDI input unavailable", "backend", midiBackendRaw, "error", err)
			return
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			if err := r.Run(ctx); err != nil && ctx.Err() == nil {
				h.logger.Warn("MIDI input stopped", "error", err)
			}
		}()

	default:
		h.logger.Info("MIDI input disabled")
	}
}

// onMIDI runs on the driver's goroutine and must not block it.
func (h *host) onMIDI(msg hardware.Message, at time.Time) {
	if !h.sess.Post(session.MIDIReceived{Msg: msg, At: at}) {
		h.logger.Debug("dropping MIDI message (session busy)", "msg", msg.String())
	}
}

// SubmitMIDI injects a controller message as if the device had sent it.
func (h *host) SubmitMIDI(ctx context.Context, msg hardware.Message) error {
	return h.sess.Submit(ctx, session.MIDIReceived{Msg: msg, At: time.Now()})
}

func (h *host) Snapshot(ctx context.Context) (hardware.State, error) {
	return h.sess.Snapshot(ctx)
}

func (h *host) Status(ctx context.Context) (session.Status, error) {
	return h.sess.Status(ctx)
}

// ArmAudio is the user activation that starts audio capture. The first
// successful call starts capture; later calls are no-ops. A failed attempt
// may be retried (e.g. after plugging in an interface).
func (h *host) ArmAudio(ctx context.Context) error {
	h.armMu.Lock()
	defer h.armMu.Unlock()
	if h.armed {
		h.logger.Debug("audio already armed")
		return nil
	}

	src, cleanup, err := h.openSource()
	if err != nil {
		return err
	}

	analyzer, err := levels.New(h.cfg.LevelsConfig())
	if err != nil {
		cleanup()
		return fmt.Errorf("level analyzer: %w", err)
	}

	sinks := audio.Fanout{analyzer}
	if h.caster != nil {
		if src.SampleRate() == media.SampleRate {
			sinks = append(sinks, h.caster)
		} else {
			h.logger.Warn("audio not sent to guests: sample rate mismatch",
				"have", src.SampleRate(), "want", media.SampleRate)
		}
	}

	if err := h.sess.Submit(ctx, session.AudioArmed{Meter: analyzer}); err != nil {
		cleanup()
		return err
	}
	h.armed = true

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer cleanup()
		if err := src.Run(h.runCtx, sinks); err != nil && h.runCtx.Err() == nil {
			// Meters freeze at their last reading; the session goes on.
			h.logger.Error("audio input stopped", "error", err)
		}
	}()
	h.logger.Info("audio armed",
		"backend", h.cfg.Audio.Backend,
		"sample_rate", src.SampleRate(),
		"channels", src.Channels())
	return nil
}

// openSource opens the configured audio input. cleanup releases it.
func (h *host) openSource() (audio.Source, func(), error) {
	switch h.cfg.Audio.Backend {
	case audioBackendPortaudio:
		terminate, err := audio.Init()
		if err != nil {
			return nil, nil, err
		}
		c, err := audio.NewCapture(h.logger, h.cfg.DeviceConfig())
		if err != nil {
			terminate()
			return nil, nil, fmt.Errorf("audio capture: %w", err)
		}
		return c, terminate, nil

	case audioBackendFile:
		f, err := audio.OpenFile(h.logger, audio.FileConfig{
			Path: ExpandPath(h.cfg.Audio.File),
			Loop: h.cfg.Audio.Loop,
		})
		if err != nil {
			return nil, nil, err
		}
		return f, func() { _ = f.Close() }, nil

	default:
		return nil, nil, errNoAudio
	}
}
