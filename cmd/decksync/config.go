package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"decksync/internal/audio"
	"decksync/internal/hardware"
	"decksync/internal/levels"
	"decksync/internal/media"
	"decksync/internal/midiin"
	"decksync/internal/replication"
	"decksync/internal/session"
)

// Config is the top-level YAML configuration shared by the host and guest
// subcommands. Sections a role does not use are still validated.
type Config struct {
	// Controller code map (host only; hot-reloaded)
	Controller hardware.ControlMap `yaml:"controller"`

	// Jog wheel tuning
	Jog JogConfig `yaml:"jog"`

	// Transport button tuning
	Transport TransportConfig `yaml:"transport"`

	// Level meter tuning
	Levels LevelsConfig `yaml:"levels"`

	// Session endpoint and cadence
	Replication ReplicationConfig `yaml:"replication"`

	MIDI  MIDIConfig  `yaml:"midi"`
	Audio AudioConfig `yaml:"audio"`
	Media MediaConfig `yaml:"media"`

	// Local control socket (host only)
	IPC IPCConfig `yaml:"ipc"`

	Logging LoggingConfig `yaml:"logging"`
}

type JogConfig struct {
	RadiansPerStep   float64 `yaml:"radians_per_step"` // K
	BaseRate         float64 `yaml:"base_rate"`        // rad/s at pitch 64
	PitchRange       float64 `yaml:"pitch_range"`
	TouchThresholdMS int     `yaml:"touch_threshold_ms"`
}

type TransportConfig struct {
	DebounceMS int `yaml:"debounce_ms"`
}

type LevelsConfig struct {
	FFTSize   int     `yaml:"fft_size"`
	Bins      int     `yaml:"bins"`
	Gain      float64 `yaml:"gain"`
	MinDB     float64 `yaml:"min_db"`
	MaxDB     float64 `yaml:"max_db"`
	Smoothing float64 `yaml:"smoothing"`
}

type ReplicationConfig struct {
	// Host: HTTP listen address for the session endpoint.
	Listen string `yaml:"listen"`
	// Host: fixed session id; empty generates a fresh uuid per run.
	SessionID string `yaml:"session_id,omitempty"`

	BroadcastIntervalMS int `yaml:"broadcast_interval_ms"`
	RenderHz            int `yaml:"render_hz"`
	EventBuf            int `yaml:"event_buf,omitempty"`
	SendBuf             int `yaml:"send_buf,omitempty"`
	BroadcastBuf        int `yaml:"broadcast_buf,omitempty"`

	// Guest: host address used when only a bare session id is given.
	Connect         string `yaml:"connect"`
	RetryIntervalMS int    `yaml:"retry_interval_ms"`
	MaxAttempts     int    `yaml:"max_attempts"`
	ReadTimeoutMS   int    `yaml:"read_timeout_ms"`
}

type MIDIConfig struct {
	Backend    string   `yaml:"backend"` // "rtmidi", "raw" or "none"
	Preferred  []string `yaml:"preferred,omitempty"`
	Excluded   []string `yaml:"excluded,omitempty"`
	RescanMS   int      `yaml:"rescan_ms"`
	RawDevices []string `yaml:"raw_devices,omitempty"` // globs
}

type AudioConfig struct {
	Backend string `yaml:"backend"` // "portaudio", "file" or "none"
	File    string `yaml:"file,omitempty"`
	Loop    bool   `yaml:"loop"`

	SampleRate      int `yaml:"sample_rate"`
	FramesPerBuffer int `yaml:"frames_per_buffer"`
	Channels        int `yaml:"channels"`

	// Arm capture at startup instead of waiting for the console "arm".
	Autostart bool `yaml:"autostart"`
	// Guest: play the host's audio.
	Playback bool `yaml:"playback"`
}

type MediaConfig struct {
	Enabled         bool     `yaml:"enabled"`
	STUN            []string `yaml:"stun"`
	IncludeLoopback bool     `yaml:"include_loopback"`
	GatherTimeoutMS int      `yaml:"gather_timeout_ms"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"` // empty disables
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	lv := levels.DefaultConfig()
	return Config{
		Controller: hardware.DefaultControlMap(),
		Jog: JogConfig{
			RadiansPerStep:   hardware.DefaultJogRadiansPerStep,
			BaseRate:         hardware.DefaultBaseRate,
			PitchRange:       hardware.DefaultPitchRange,
			TouchThresholdMS: int(hardware.DefaultTouchThreshold / time.Millisecond),
		},
		Transport: TransportConfig{
			DebounceMS: int(hardware.DefaultButtonDebounce / time.Millisecond),
		},
		Levels: LevelsConfig{
			FFTSize:   lv.FFTSize,
			Bins:      lv.Bins,
			Gain:      lv.Gain,
			MinDB:     lv.MinDecibels,
			MaxDB:     lv.MaxDecibels,
			Smoothing: lv.Smoothing,
		},
		Replication: ReplicationConfig{
			Listen:              defaultListenAddr,
			BroadcastIntervalMS: int(session.DefaultBroadcastInterval / time.Millisecond),
			RenderHz:            session.DefaultRenderHz,
			Connect:             defaultConnectHost,
			RetryIntervalMS:     defaultRetryIntervalMS,
			ReadTimeoutMS:       defaultReadTimeoutMS,
		},
		MIDI: MIDIConfig{
			Backend:    midiBackendRtmidi,
			Excluded:   append([]string(nil), midiin.DefaultExcluded...),
			RescanMS:   int(midiin.DefaultRescanInterval / time.Millisecond),
			RawDevices: []string{midiin.DefaultRawGlob},
		},
		Audio: AudioConfig{
			Backend:         audioBackendPortaudio,
			Loop:            true,
			SampleRate:      audio.DefaultSampleRate,
			FramesPerBuffer: audio.DefaultFramesPerBuffer,
			Channels:        2,
			Playback:        true,
		},
		Media: MediaConfig{
			Enabled:         true,
			STUN:            append([]string(nil), media.DefaultSTUN...),
			GatherTimeoutMS: defaultGatherTimeoutMS,
		},
		IPC: IPCConfig{
			SocketPath: defaultSocketPath,
		},
		Logging: LoggingConfig{
			Level: defaultLogLevel,
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of the defaults.
//
// Unknown fields are rejected (helps catch typos) via KnownFields(true).
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if err := decodeConfigFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeConfigFile(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	// yaml.v3 merges into existing maps; a configured eq_codes table must
	// replace the default one, not extend it.
	eq := cfg.Controller.EQCodes
	cfg.Controller.EQCodes = nil
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config yaml: %w", err)
	}
	if cfg.Controller.EQCodes == nil {
		cfg.Controller.EQCodes = eq
	}

	// Only whitespace/comments are allowed after the document.
	if err := dec.Decode(&struct{}{}); err == nil {
		return fmt.Errorf("decode config yaml: unexpected trailing document")
	}
	return nil
}

// LoadControlMap re-reads only the controller section of a config file.
// An absent section yields the default map.
func LoadControlMap(path string) (hardware.ControlMap, error) {
	cfg, err := LoadConfigFile(path)
	if err != nil {
		return hardware.ControlMap{}, err
	}
	if err := cfg.Controller.Validate(); err != nil {
		return hardware.ControlMap{}, fmt.Errorf("controller: %w", err)
	}
	return cfg.Controller, nil
}

// FlagOverrides holds flag values that, when non-nil, replace what the
// config file says. main decides which flags exist.
type FlagOverrides struct {
	Listen       *string
	SessionID    *string
	RenderHz     *int
	BroadcastMS  *int
	Connect      *string
	MaxAttempts  *int
	MIDIBackend  *string
	MIDIDevice   *string
	AudioBackend *string
	AudioFile    *string
	Autostart    *bool
	Playback     *bool
	MediaEnabled *bool
	STUN         *string
	Loopback     *bool
	SocketPath   *string
	LogLevel     *string
}

// Apply merges the overrides into cfg. If an override pointer is nil, it is ignored.
// If the pointer is non-nil, the value is applied (even if it is a "zero value").
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.Listen != nil {
		cfg.Replication.Listen = *o.Listen
	}
	if o.SessionID != nil {
		cfg.Replication.SessionID = *o.SessionID
	}
	if o.RenderHz != nil {
		cfg.Replication.RenderHz = *o.RenderHz
	}
	if o.BroadcastMS != nil {
		cfg.Replication.BroadcastIntervalMS = *o.BroadcastMS
	}
	if o.Connect != nil {
		cfg.Replication.Connect = *o.Connect
	}
	if o.MaxAttempts != nil {
		cfg.Replication.MaxAttempts = *o.MaxAttempts
	}

	if o.MIDIBackend != nil {
		cfg.MIDI.Backend = *o.MIDIBackend
	}
	if o.MIDIDevice != nil {
		// A device flag narrows the search for either backend.
		if cfg.MIDI.Backend == midiBackendRaw {
			cfg.MIDI.RawDevices = []string{*o.MIDIDevice}
		} else {
			cfg.MIDI.Preferred = []string{*o.MIDIDevice}
		}
	}

	if o.AudioBackend != nil {
		cfg.Audio.Backend = *o.AudioBackend
	}
	if o.AudioFile != nil {
		cfg.Audio.File = *o.AudioFile
		if cfg.Audio.File != "" && o.AudioBackend == nil {
			cfg.Audio.Backend = audioBackendFile
		}
	}
	if o.Autostart != nil {
		cfg.Audio.Autostart = *o.Autostart
	}
	if o.Playback != nil {
		cfg.Audio.Playback = *o.Playback
	}

	if o.MediaEnabled != nil {
		cfg.Media.Enabled = *o.MediaEnabled
	}
	if o.STUN != nil {
		if *o.STUN == "" {
			cfg.Media.STUN = []string{}
		} else {
			cfg.Media.STUN = []string{*o.STUN}
		}
	}
	if o.Loopback != nil {
		cfg.Media.IncludeLoopback = *o.Loopback
	}

	if o.SocketPath != nil {
		cfg.IPC.SocketPath = *o.SocketPath
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// This is intended to be called after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	if err := c.Controller.Validate(); err != nil {
		return fmt.Errorf("controller: %w", err)
	}

	// Jog / transport
	if c.Jog.RadiansPerStep <= 0 {
		return errors.New("jog.radians_per_step must be > 0")
	}
	if c.Jog.BaseRate < 0 {
		return errors.New("jog.base_rate must be >= 0")
	}
	if c.Jog.PitchRange < 0 || c.Jog.PitchRange >= 1 {
		return errors.New("jog.pitch_range must be in [0,1)")
	}
	if c.Jog.TouchThresholdMS <= 0 {
		return errors.New("jog.touch_threshold_ms must be > 0")
	}
	if c.Transport.DebounceMS < 0 {
		return errors.New("transport.debounce_ms must be >= 0")
	}

	// Levels
	if err := c.LevelsConfig().Validate(); err != nil {
		return fmt.Errorf("levels: %w", err)
	}

	// Replication
	r := c.Replication
	if r.Listen == "" {
		return errors.New("replication.listen must not be empty")
	}
	if r.BroadcastIntervalMS <= 0 {
		return errors.New("replication.broadcast_interval_ms must be > 0")
	}
	if r.RenderHz < minRenderHz || r.RenderHz > maxRenderHz {
		return fmt.Errorf("replication.render_hz must be between %d and %d", minRenderHz, maxRenderHz)
	}
	if r.EventBuf < 0 || r.SendBuf < 0 || r.BroadcastBuf < 0 {
		return errors.New("replication buffer sizes must be >= 0")
	}
	if r.RetryIntervalMS <= 0 {
		return errors.New("replication.retry_interval_ms must be > 0")
	}
	if r.MaxAttempts < 0 {
		return errors.New("replication.max_attempts must be >= 0")
	}
	if r.ReadTimeoutMS <= 0 {
		return errors.New("replication.read_timeout_ms must be > 0")
	}

	// MIDI
	switch c.MIDI.Backend {
	case midiBackendRtmidi:
		if c.MIDI.RescanMS <= 0 {
			return errors.New("midi.rescan_ms must be > 0")
		}
	case midiBackendRaw:
		if len(c.MIDI.RawDevices) == 0 {
			return errors.New("midi.raw_devices must not be empty for the raw backend")
		}
		for i, p := range c.MIDI.RawDevices {
			if _, err := filepath.Match(p, ""); err != nil {
				return fmt.Errorf("midi.raw_devices[%d]: %w", i, err)
			}
		}
	case midiBackendNone:
	default:
		return fmt.Errorf("midi.backend must be %q, %q or %q", midiBackendRtmidi, midiBackendRaw, midiBackendNone)
	}

	// Audio
	switch c.Audio.Backend {
	case audioBackendPortaudio:
		if c.Audio.SampleRate <= 0 {
			return errors.New("audio.sample_rate must be > 0")
		}
		if c.Media.Enabled && c.Audio.SampleRate != media.SampleRate {
			// The call encodes capture directly; there is no resampler.
			return fmt.Errorf("audio.sample_rate must be %d when media is enabled", media.SampleRate)
		}
	case audioBackendFile:
		if c.Audio.File == "" {
			return errors.New("audio.file must be set for the file backend")
		}
	case audioBackendNone:
	default:
		return fmt.Errorf("audio.backend must be %q, %q or %q", audioBackendPortaudio, audioBackendFile, audioBackendNone)
	}
	if c.Audio.FramesPerBuffer < 0 {
		return errors.New("audio.frames_per_buffer must be >= 0")
	}
	if c.Audio.Channels < 1 || c.Audio.Channels > 2 {
		return errors.New("audio.channels must be 1 or 2")
	}

	// Media
	if c.Media.GatherTimeoutMS <= 0 {
		return errors.New("media.gather_timeout_ms must be > 0")
	}

	// Logging
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// SessionConfig converts the file config into a session configuration.
func (c *Config) SessionConfig(role session.Role) session.Config {
	return session.Config{
		Role:              role,
		ControlMap:        c.Controller,
		Decoder:           c.DecoderConfig(),
		Kinematics:        c.KinematicsConfig(),
		RenderHz:          c.Replication.RenderHz,
		BroadcastInterval: time.Duration(c.Replication.BroadcastIntervalMS) * time.Millisecond,
		EventBuf:          c.Replication.EventBuf,
	}
}

func (c *Config) DecoderConfig() hardware.DecoderConfig {
	return hardware.DecoderConfig{
		JogRadiansPerStep: c.Jog.RadiansPerStep,
		ButtonDebounce:    time.Duration(c.Transport.DebounceMS) * time.Millisecond,
	}
}

func (c *Config) KinematicsConfig() hardware.KinematicsConfig {
	return hardware.KinematicsConfig{
		BaseRate:       c.Jog.BaseRate,
		PitchRange:     c.Jog.PitchRange,
		TouchThreshold: time.Duration(c.Jog.TouchThresholdMS) * time.Millisecond,
	}
}

func (c *Config) LevelsConfig() levels.Config {
	return levels.Config{
		FFTSize:     c.Levels.FFTSize,
		Bins:        c.Levels.Bins,
		Gain:        c.Levels.Gain,
		MinDecibels: c.Levels.MinDB,
		MaxDecibels: c.Levels.MaxDB,
		Smoothing:   c.Levels.Smoothing,
	}
}

func (c *Config) MediaConfig() media.Config {
	return media.Config{
		ICEServers:      c.Media.STUN,
		IncludeLoopback: c.Media.IncludeLoopback,
		GatherTimeout:   time.Duration(c.Media.GatherTimeoutMS) * time.Millisecond,
	}
}

func (c *Config) DeviceConfig() audio.DeviceConfig {
	return audio.DeviceConfig{
		SampleRate:      c.Audio.SampleRate,
		FramesPerBuffer: c.Audio.FramesPerBuffer,
		Channels:        c.Audio.Channels,
	}
}

func (c *Config) HubConfig() replication.HubConfig {
	return replication.HubConfig{
		SendBuf:      c.Replication.SendBuf,
		BroadcastBuf: c.Replication.BroadcastBuf,
	}
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
