package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"decksync/internal/audio"
	"decksync/internal/media"
	"decksync/internal/replication"
	"decksync/internal/session"
)

// runGuest joins one host session. target is a session id or URL; empty
// asks on the console.
func runGuest(ctx context.Context, cfg Config, target string, logger *slog.Logger, interactive bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if target == "" {
		var err error
		if target, err = promptSessionID(ctx); err != nil {
			return err
		}
	}
	url, err := replication.ResolveTarget(target, cfg.Replication.Connect)
	if err != nil {
		return err
	}

	sess, err := session.New(logger, cfg.SessionConfig(session.RoleGuest))
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	link := replication.NewGuest(logger, replication.GuestConfig{
		URL:           url,
		RetryInterval: time.Duration(cfg.Replication.RetryIntervalMS) * time.Millisecond,
		MaxAttempts:   cfg.Replication.MaxAttempts,
		ReadTimeout:   time.Duration(cfg.Replication.ReadTimeoutMS) * time.Millisecond,
	}, func(m replication.Snapshot) {
		// A dropped snapshot costs one tick of staleness; the next supersedes it.
		if !sess.Post(session.SnapshotReceived{Snapshot: m}) {
			logger.Debug("dropping snapshot (session busy)")
		}
	})

	var wg sync.WaitGroup
	errc := make(chan error, 4)
	run := func(name string, f func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f(); err != nil && ctx.Err() == nil {
				errc <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	if cfg.Media.Enabled && cfg.Audio.Playback {
		if recv := startPlayback(ctx, cfg, logger, &wg); recv != nil {
			link.SetOfferHandler(recv.Answer)
			defer recv.Close()
		}
	}

	run("session", func() error { return sess.Run(ctx) })
	run("replication", func() error {
		err := link.Run(ctx)
		if errors.Is(err, replication.ErrUnknownSession) {
			return fmt.Errorf("host does not know session %q: %w", target, err)
		}
		if err == nil && ctx.Err() == nil {
			return errors.New("host link closed")
		}
		return err
	})

	logger.Info("joining session", "url", url)

	if interactive {
		go func() {
			if err := runGuestConsole(ctx, sess); err != nil {
				logger.Warn("console unavailable", "error", err)
				return
			}
			cancel()
		}()
	}

	select {
	case <-ctx.Done():
		err = nil
	case err = <-errc:
	}
	cancel()
	wg.Wait()
	return err
}

// startPlayback opens the output device and the call receiver. Playback
// errors are logged; the guest keeps mirroring state without audio.
func startPlayback(ctx context.Context, cfg Config, logger *slog.Logger, wg *sync.WaitGroup) *media.Receiver {
	terminate, err := audio.Init()
	if err != nil {
		logger.Warn("playback unavailable", "error", err)
		return nil
	}
	player, err := audio.NewPlayer(logger, audio.DeviceConfig{
		SampleRate:      media.SampleRate,
		FramesPerBuffer: cfg.Audio.FramesPerBuffer,
		Channels:        media.Channels,
	})
	if err != nil {
		terminate()
		logger.Warn("playback unavailable", "error", err)
		return nil
	}
	recv, err := media.NewReceiver(logger, cfg.MediaConfig(), player)
	if err != nil {
		terminate()
		logger.Warn("media call unavailable", "error", err)
		return nil
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer terminate()
		if err := player.Run(ctx); err != nil {
			logger.Error("playback stopped", "error", err)
		}
	}()
	return recv
}
