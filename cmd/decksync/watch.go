package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"decksync/internal/session"
)

// watchControlMap reloads the controller section of the config file when it
// changes and hands the new map to the session. Invalid maps are logged and
// the running map stays in place.
func watchControlMap(ctx context.Context, path string, sess *session.Session, logger *slog.Logger) error {
	logger = logger.With("component", "reload", "file", path)
	err := watchFile(ctx, ExpandPath(path), reloadSettle, logger, func() {
		m, err := LoadControlMap(path)
		if err != nil {
			logger.Warn("control map not reloaded", "error", err)
			return
		}
		if err := sess.Submit(ctx, session.ControlMapReloaded{Map: m}); err != nil {
			logger.Warn("control map not reloaded", "error", err)
			return
		}
		logger.Info("control map reloaded")
	})
	if err != nil {
		// Hot reload is a convenience; the host runs on without it.
		logger.Warn("config watcher unavailable", "error", err)
	}
	return nil
}

// watchFile calls onChange once a burst of writes to path has settled.
// The parent directory is watched so that editors that save by rename are
// followed too.
func watchFile(ctx context.Context, path string, settle time.Duration, logger *slog.Logger, onChange func()) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	logger.Debug("watching for changes")

	timer := time.NewTimer(settle)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(settle)

		case <-timer.C:
			onChange()

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", "error", err)
		}
	}
}
