package midiin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"decksync/internal/hardware"
)

// DefaultRescanInterval is how often the watcher looks for (re)plugged
// controllers.
const DefaultRescanInterval = time.Second

// DefaultExcluded lists virtual/system ports never auto-connected.
var DefaultExcluded = []string{"Midi Through", "Through Port", "Dummy"}

// WatcherConfig selects which inputs to connect.
type WatcherConfig struct {
	// Preferred patterns are tried in order (case-insensitive substring).
	// With no match, every remaining input is used.
	Preferred      []string
	Excluded       []string
	RescanInterval time.Duration
}

// port is one open input and its listener.
type port struct {
	in   drivers.In
	stop func()
}

// Watcher keeps the selected controllers connected through the rtmidi
// driver and survives hot-unplug/replug. Each input gets its own listener.
type Watcher struct {
	cfg    WatcherConfig
	logger *slog.Logger
	handle Handler

	mu         sync.Mutex
	drv        *rtmididrv.Driver
	ports      map[string]*port
	warnedNone bool
}

// NewWatcher initialises the rtmidi driver. Call Close when done.
func NewWatcher(logger *slog.Logger, cfg WatcherConfig, handle Handler) (*Watcher, error) {
	if cfg.RescanInterval <= 0 {
		cfg.RescanInterval = DefaultRescanInterval
	}
	if cfg.Excluded == nil {
		cfg.Excluded = DefaultExcluded
	}
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("rtmididrv: %w", err)
	}
	return &Watcher{
		cfg:    cfg,
		logger: logger.With("component", "midi"),
		handle: handle,
		drv:    drv,
		ports:  make(map[string]*port),
	}, nil
}

// Run scans immediately and then every RescanInterval until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.RescanInterval)
	defer ticker.Stop()

	w.rescan()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.rescan()
		}
	}
}

// Connected returns the names of the open inputs, sorted.
func (w *Watcher) Connected() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, 0, len(w.ports))
	for name := range w.ports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close shuts down every connection and the driver.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for name := range w.ports {
		w.closePort(name)
	}
	w.drv.Close()
}

func (w *Watcher) rescan() {
	w.mu.Lock()
	defer w.mu.Unlock()

	inputs := w.listInputs()
	want := pickInputs(inputs, w.cfg.Preferred)

	present := make(map[string]bool, len(inputs))
	for _, n := range inputs {
		present[n] = true
	}
	wanted := make(map[string]bool, len(want))
	for _, n := range want {
		wanted[n] = true
	}

	for name := range w.ports {
		switch {
		case !present[name]:
			// Controls stay at their last values; that is the degraded mode.
			w.logger.Warn("device disappeared", "device", name)
			w.closePort(name)
		case !wanted[name]:
			w.logger.Info("releasing device", "device", name, "reason", "preferred device present")
			w.closePort(name)
		}
	}

	for _, name := range want {
		if _, open := w.ports[name]; open {
			continue
		}
		if err := w.openByName(name); err != nil {
			w.logger.Error("connect failed", "device", name, "error", err)
		}
	}

	if len(w.ports) == 0 {
		if !w.warnedNone {
			w.logger.Warn("no MIDI input connected", "inputs", strings.Join(inputs, ", "), "excluded", strings.Join(w.cfg.Excluded, ", "))
			w.warnedNone = true
		}
		return
	}
	w.warnedNone = false
}

func (w *Watcher) listInputs() []string {
	ins, err := w.drv.Ins()
	if err != nil {
		w.logger.Error("list inputs failed", "error", err)
		return nil
	}
	names := make([]string, 0, len(ins))
	for _, in := range ins {
		names = append(names, in.String())
	}
	kept := filterInputs(names, w.cfg.Excluded)
	w.logger.Debug("inputs found", "count", len(kept), "devices", strings.Join(kept, ", "))
	return kept
}

func (w *Watcher) closePort(name string) {
	p, ok := w.ports[name]
	if !ok {
		return
	}
	if p.stop != nil {
		p.stop()
	}
	_ = p.in.Close()
	delete(w.ports, name)
}

func (w *Watcher) openByName(name string) error {
	ins, err := w.drv.Ins()
	if err != nil {
		return err
	}
	var found drivers.In
	for _, in := range ins {
		if in.String() == name {
			found = in
			break
		}
	}
	if found == nil {
		return fmt.Errorf("input %q not found", name)
	}
	if err := found.Open(); err != nil {
		return fmt.Errorf("open %q: %w", name, err)
	}

	p := &port{in: found}
	stop, err := midi.ListenTo(found, func(msg midi.Message, _ int32) {
		m, ok := hardware.MessageFromBytes(msg.Bytes())
		if !ok {
			return
		}
		w.handle(m, time.Now())
	}, midi.HandleError(func(listenErr error) {
		w.logger.Warn("listener error", "device", name, "error", listenErr)
		// closePort must not run on the listener goroutine.
		go func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			if w.ports[name] == p {
				w.closePort(name)
			}
		}()
	}))
	if err != nil {
		_ = found.Close()
		return fmt.Errorf("listen %q: %w", name, err)
	}
	p.stop = stop

	w.ports[name] = p
	w.logger.Info("connected", "device", name)
	return nil
}

// filterInputs drops names matching any excluded pattern.
func filterInputs(names, excluded []string) []string {
	var out []string
	for _, name := range names {
		skip := false
		for _, pat := range excluded {
			if containsCI(name, pat) {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, name)
		}
	}
	return out
}

// pickInputs returns the first input matching a preferred pattern (patterns
// in priority order). Without a match every input is returned.
func pickInputs(inputs, preferred []string) []string {
	for _, pat := range preferred {
		for _, name := range inputs {
			if containsCI(name, pat) {
				return []string{name}
			}
		}
	}
	return inputs
}

func containsCI(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
