package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"decksync/internal/hardware"
	"decksync/internal/session"
)

const consoleTimeout = 2 * time.Second

// statusSource is what the console needs from either role.
type statusSource interface {
	Status(ctx context.Context) (session.Status, error)
}

// armer is implemented by the host.
type armer interface {
	ArmAudio(ctx context.Context) error
}

func newConsole(prompt string, items ...string) (*readline.Instance, error) {
	pc := make([]readline.PrefixCompleterInterface, 0, len(items))
	for _, it := range items {
		pc = append(pc, readline.PcItem(it))
	}
	return readline.NewEx(&readline.Config{
		Prompt:          prompt,
		AutoComplete:    readline.NewPrefixCompleter(pc...),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
}

// runHostConsole reads operator commands until quit, EOF, ^C or ctx.
// "arm" is the user activation that starts audio capture.
func runHostConsole(ctx context.Context, h *host, sessionID string) {
	rl, err := newConsole("host> ", "arm", "status", "help", "quit")
	if err != nil {
		h.logger.Warn("console unavailable", "error", err)
		<-ctx.Done()
		return
	}
	defer rl.Close()
	stop := context.AfterFunc(ctx, func() { _ = rl.Close() })
	defer stop()

	fmt.Fprintf(rl.Stdout(), "session id: %s\n", sessionID)
	fmt.Fprintln(rl.Stdout(), "type 'arm' to start audio, 'help' for commands")
	consoleLoop(ctx, rl, func(line string) bool {
		return hostCommand(ctx, h, h, line, rl.Stdout())
	})
}

// runGuestConsole is the guest's console: status and quit only.
func runGuestConsole(ctx context.Context, src statusSource) error {
	rl, err := newConsole("guest> ", "status", "help", "quit")
	if err != nil {
		return err
	}
	defer rl.Close()
	stop := context.AfterFunc(ctx, func() { _ = rl.Close() })
	defer stop()

	consoleLoop(ctx, rl, func(line string) bool {
		return guestCommand(ctx, src, line, rl.Stdout())
	})
	return nil
}

func consoleLoop(ctx context.Context, rl *readline.Instance, handle func(line string) bool) {
	for ctx.Err() == nil {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return
			}
			continue
		}
		if err != nil {
			return
		}
		if handle(strings.TrimSpace(line)) {
			return
		}
	}
}

// hostCommand runs one console line. It reports true on quit.
func hostCommand(ctx context.Context, a armer, src statusSource, line string, out io.Writer) bool {
	switch line {
	case "":
	case "arm":
		ctx, cancel := context.WithTimeout(ctx, consoleTimeout)
		defer cancel()
		if err := a.ArmAudio(ctx); err != nil {
			fmt.Fprintf(out, "arm failed: %v\n", err)
			return false
		}
		fmt.Fprintln(out, "audio armed")
	case "quit", "exit":
		return true
	case "help":
		fmt.Fprintln(out, "commands: arm, status, quit")
	default:
		return guestCommand(ctx, src, line, out)
	}
	return false
}

// guestCommand runs one console line. It reports true on quit.
func guestCommand(ctx context.Context, src statusSource, line string, out io.Writer) bool {
	switch line {
	case "":
	case "status":
		ctx, cancel := context.WithTimeout(ctx, consoleTimeout)
		defer cancel()
		st, err := src.Status(ctx)
		if err != nil {
			fmt.Fprintf(out, "status failed: %v\n", err)
			return false
		}
		writeStatus(out, st)
	case "quit", "exit":
		return true
	case "help":
		fmt.Fprintln(out, "commands: status, quit")
	default:
		fmt.Fprintf(out, "unknown command %q (try help)\n", line)
	}
	return false
}

func writeStatus(out io.Writer, st session.Status) {
	audio := "off"
	if st.AudioArmed {
		audio = "armed"
	}
	hw := st.State
	fmt.Fprintf(out, "role %s  audio %s  xfade %d  levels L %.2f R %.2f\n",
		st.Role, audio, hw.XFade, hw.Levels.L, hw.Levels.R)
	writeDeck(out, 1, hw.Deck1, st.Deck1Phase)
	writeDeck(out, 2, hw.Deck2, st.Deck2Phase)
	s := st.Stats
	fmt.Fprintf(out, "midi %d applied %d ignored  snapshots %d applied %d rejected  ticks %d\n",
		s.MIDIApplied, s.MIDIIgnored, s.SnapshotsApplied, s.SnapshotsRejected, s.Ticks)
}

func writeDeck(out io.Writer, n int, d hardware.DeckState, phase string) {
	transport := "stopped"
	switch {
	case d.CueDown:
		transport = "cue"
	case d.Playing:
		transport = "playing"
	}
	if phase == "" {
		phase = "-"
	}
	// Display angle only; the accumulator itself is unbounded.
	angle := math.Mod(d.Rotation, 2*math.Pi)
	if angle < 0 {
		angle += 2 * math.Pi
	}
	fmt.Fprintf(out, "deck %d  %-7s jog %-8s %5.2f rad  vol %3d pitch %3d  trim %3d hi %3d mid %3d low %3d filter %3d\n",
		n, transport, phase, angle, d.Vol, d.Pitch, d.Trim, d.Hi, d.Mid, d.Low, d.Filter)
}

// promptSessionID is the guest's join-by-id form.
func promptSessionID(ctx context.Context) (string, error) {
	rl, err := readline.NewEx(&readline.Config{Prompt: "session id: "})
	if err != nil {
		return "", err
	}
	defer rl.Close()
	stop := context.AfterFunc(ctx, func() { _ = rl.Close() })
	defer stop()

	for {
		line, err := rl.Readline()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", errors.New("no session id given")
		}
		if id := strings.TrimSpace(line); id != "" {
			return id, nil
		}
	}
}
