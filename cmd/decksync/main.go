package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func printVersion() {
	fmt.Printf("decksync v%s\n", version)
	fmt.Println("Two-deck DJ controller state sync: one host, any number of guests")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  decksync host [OPTIONS]")
	fmt.Println("  decksync guest [OPTIONS] [SESSION-ID | SESSION-URL]")
	fmt.Println("  decksync inject [OPTIONS] STATUS DATA1 DATA2")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  The host reads a MIDI controller and an audio input, keeps the mixer")
	fmt.Println("  state (two decks and a crossfader) and broadcasts a full snapshot of it")
	fmt.Println("  to every connected guest 25 times a second. Guests mirror that state")
	fmt.Println("  and play the host's audio over a WebRTC call.")
	fmt.Println()
	fmt.Println("SUBCOMMANDS:")
	fmt.Println("  host")
	fmt.Println("        Run the write-master. Prints the session id guests join with.")
	fmt.Println("        Console commands: arm (start audio), status, quit")
	fmt.Println()
	fmt.Println("  guest")
	fmt.Println("        Join a host session. A bare id is resolved against -connect;")
	fmt.Println("        without an argument the console asks for one.")
	fmt.Println()
	fmt.Println("  inject")
	fmt.Println("        Send one raw MIDI message to a running host over its IPC socket,")
	fmt.Println("        or query it with -state / -status, or arm its audio with -arm.")
	fmt.Println()
	fmt.Println("COMMON OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        YAML config file; the controller section is reloaded on change")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -no-console")
	fmt.Println("        Do not read commands from the terminal (for services)")
	fmt.Println()
	fmt.Println("  Run 'decksync <subcommand> -help' for the options of a subcommand.")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Host with the default controller map, audio from a WAV file")
	fmt.Println("  decksync host -audio-file ~/set.wav -autostart")
	fmt.Println()
	fmt.Println("  # Join from another machine")
	fmt.Println("  decksync guest -connect 192.168.1.20:8787 3f2a9c1e-...")
	fmt.Println()
	fmt.Println("  # Turn deck 1's jog by +10 on a running host")
	fmt.Println("  decksync inject 176 33 10")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - Audio capture starts only after 'arm' (or -autostart)")
	fmt.Println("  - Media calls need audio at 48000 Hz")
	fmt.Println("  - Raw MIDI devices need read access to /dev/snd (the 'audio' group)")
	fmt.Println()
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "host":
		err = runHostCommand(os.Args[2:])
	case "guest":
		err = runGuestCommand(os.Args[2:])
	case "inject":
		err = runInjectCommand(os.Args[2:])
	case "-version", "--version", "version":
		printVersion()
	case "-help", "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "error: unknown subcommand %q (want host, guest or inject)\n", os.Args[1])
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// commonFlags are shared by host and guest.
type commonFlags struct {
	configPath string
	logLevel   string
	noConsole  bool
	showHelp   bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "YAML config file")
	fs.StringVar(&c.logLevel, "log-level", defaultLogLevel, "Log level: error, warn, info, debug")
	fs.BoolVar(&c.noConsole, "no-console", false, "Do not read commands from the terminal")
	fs.BoolVar(&c.showHelp, "help", false, "Print help message")
}

// visited returns the names of flags set on the command line.
func visited(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// ifSet returns v if the named flag was given, else nil.
func ifSet[T any](set map[string]bool, name string, v *T) *T {
	if set[name] {
		return v
	}
	return nil
}

// loadConfig layers defaults, the config file and flag overrides, then
// validates.
func loadConfig(path string, o FlagOverrides) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		cfg, err = LoadConfigFile(path)
		if err != nil {
			return Config{}, err
		}
	}
	o.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(level string) (*slog.Logger, error) {
	lv, err := parseLogLevel(level)
	if err != nil {
		return nil, err
	}
	return setupLogger(lv), nil
}

// signalContext is canceled on SIGINT/SIGTERM.
func signalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigc)
		select {
		case <-sigc:
			logger.Info("shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// ============================================================================
// host
// ============================================================================

func printHostUsage(fs *flag.FlagSet) func() {
	return func() {
		fmt.Printf("decksync host v%s\n", version)
		fmt.Println()
		fmt.Println("USAGE:")
		fmt.Println("  decksync host [OPTIONS]")
		fmt.Println()
		fmt.Println("OPTIONS:")
		fs.PrintDefaults()
	}
}

func runHostCommand(args []string) error {
	fs := flag.NewFlagSet("host", flag.ExitOnError)
	var common commonFlags
	common.register(fs)

	d := DefaultConfig()
	var (
		listen       = fs.String("listen", d.Replication.Listen, "HTTP listen address for the session endpoint")
		sessionID    = fs.String("session-id", "", "Fixed session id (default: a new uuid per run)")
		renderHz     = fs.Int("render-hz", d.Replication.RenderHz, "Render (kinematics) rate in Hz")
		broadcastMS  = fs.Int("broadcast-ms", d.Replication.BroadcastIntervalMS, "Snapshot broadcast interval in ms")
		midiBackend  = fs.String("midi-backend", d.MIDI.Backend, "MIDI input: rtmidi|raw|none")
		midiDevice   = fs.String("midi-device", "", "Preferred MIDI port name (rtmidi) or device path glob (raw)")
		audioBackend = fs.String("audio-backend", d.Audio.Backend, "Audio input: portaudio|file|none")
		audioFile    = fs.String("audio-file", "", "WAV file to use as audio input (implies -audio-backend file)")
		autostart    = fs.Bool("autostart", d.Audio.Autostart, "Arm audio at startup")
		mediaOn      = fs.Bool("media", d.Media.Enabled, "Send audio to guests over WebRTC")
		stun         = fs.String("stun", d.Media.STUN[0], "STUN server URL (empty for host candidates only)")
		loopback     = fs.Bool("loopback", d.Media.IncludeLoopback, "Gather loopback ICE candidates (same-machine guests)")
		socketPath   = fs.String("ipc-socket", d.IPC.SocketPath, "Unix domain socket path for IPC (empty disables)")
	)
	fs.Usage = printHostUsage(fs)
	_ = fs.Parse(args)
	if common.showHelp {
		fs.Usage()
		return nil
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	set := visited(fs)
	cfg, err := loadConfig(common.configPath, FlagOverrides{
		Listen:       ifSet(set, "listen", listen),
		SessionID:    ifSet(set, "session-id", sessionID),
		RenderHz:     ifSet(set, "render-hz", renderHz),
		BroadcastMS:  ifSet(set, "broadcast-ms", broadcastMS),
		MIDIBackend:  ifSet(set, "midi-backend", midiBackend),
		MIDIDevice:   ifSet(set, "midi-device", midiDevice),
		AudioBackend: ifSet(set, "audio-backend", audioBackend),
		AudioFile:    ifSet(set, "audio-file", audioFile),
		Autostart:    ifSet(set, "autostart", autostart),
		MediaEnabled: ifSet(set, "media", mediaOn),
		STUN:         ifSet(set, "stun", stun),
		Loopback:     ifSet(set, "loopback", loopback),
		SocketPath:   ifSet(set, "ipc-socket", socketPath),
		LogLevel:     ifSet(set, "log-level", &common.logLevel),
	})
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(logger)
	defer cancel()

	logger.Debug("starting decksync host", "version", version)
	logger.Debug("configuration",
		"listen", cfg.Replication.Listen,
		"render_hz", cfg.Replication.RenderHz,
		"broadcast_interval_ms", cfg.Replication.BroadcastIntervalMS,
		"midi_backend", cfg.MIDI.Backend,
		"audio_backend", cfg.Audio.Backend,
		"media", cfg.Media.Enabled,
		"ipc_socket", cfg.IPC.SocketPath,
		"jog_k", cfg.Jog.RadiansPerStep,
		"base_rate", cfg.Jog.BaseRate,
		"debounce_ms", cfg.Transport.DebounceMS)

	return runHost(ctx, cfg, common.configPath, logger, !common.noConsole)
}

// ============================================================================
// guest
// ============================================================================

func printGuestUsage(fs *flag.FlagSet) func() {
	return func() {
		fmt.Printf("decksync guest v%s\n", version)
		fmt.Println()
		fmt.Println("USAGE:")
		fmt.Println("  decksync guest [OPTIONS] [SESSION-ID | SESSION-URL]")
		fmt.Println()
		fmt.Println("OPTIONS:")
		fs.PrintDefaults()
	}
}

func runGuestCommand(args []string) error {
	fs := flag.NewFlagSet("guest", flag.ExitOnError)
	var common commonFlags
	common.register(fs)

	d := DefaultConfig()
	var (
		connect     = fs.String("connect", d.Replication.Connect, "Host address used with a bare session id")
		maxAttempts = fs.Int("max-attempts", d.Replication.MaxAttempts, "Give up after this many failed dials (0 = retry forever)")
		renderHz    = fs.Int("render-hz", d.Replication.RenderHz, "Render rate in Hz")
		playback    = fs.Bool("playback", d.Audio.Playback, "Play the host's audio")
		mediaOn     = fs.Bool("media", d.Media.Enabled, "Accept the host's WebRTC audio call")
		stun        = fs.String("stun", d.Media.STUN[0], "STUN server URL (empty for host candidates only)")
		loopback    = fs.Bool("loopback", d.Media.IncludeLoopback, "Gather loopback ICE candidates (same-machine host)")
	)
	fs.Usage = printGuestUsage(fs)
	_ = fs.Parse(args)
	if common.showHelp {
		fs.Usage()
		return nil
	}
	if fs.NArg() > 1 {
		return fmt.Errorf("expected at most one session id, got %v", fs.Args())
	}

	set := visited(fs)
	cfg, err := loadConfig(common.configPath, FlagOverrides{
		Connect:      ifSet(set, "connect", connect),
		MaxAttempts:  ifSet(set, "max-attempts", maxAttempts),
		RenderHz:     ifSet(set, "render-hz", renderHz),
		Playback:     ifSet(set, "playback", playback),
		MediaEnabled: ifSet(set, "media", mediaOn),
		STUN:         ifSet(set, "stun", stun),
		Loopback:     ifSet(set, "loopback", loopback),
		LogLevel:     ifSet(set, "log-level", &common.logLevel),
	})
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(logger)
	defer cancel()

	if fs.NArg() == 0 && common.noConsole {
		return errors.New("a session id is required with -no-console")
	}
	return runGuest(ctx, cfg, fs.Arg(0), logger, !common.noConsole)
}
