package main

import "time"

const version = "0.3.0"

const (
	defaultListenAddr  = ":8787"
	defaultConnectHost = "127.0.0.1:8787"
	defaultSocketPath  = "/tmp/decksync.sock"
	defaultLogLevel    = "info"

	defaultRetryIntervalMS = 1000
	defaultReadTimeoutMS   = 10000
	defaultGatherTimeoutMS = 3000

	// Reload debounce: editors often write a file in several steps.
	reloadSettle = 150 * time.Millisecond

	// Bounds on the render clock.
	minRenderHz = 10
	maxRenderHz = 1000
)

// MIDI input backends.
const (
	midiBackendRtmidi = "rtmidi"
	midiBackendRaw    = "raw"
	midiBackendNone   = "none"
)

// Audio input backends.
const (
	audioBackendPortaudio = "portaudio"
	audioBackendFile      = "file"
	audioBackendNone      = "none"
)
