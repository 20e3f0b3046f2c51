package session

import (
	"time"

	"decksync/internal/hardware"
	"decksync/internal/replication"
)

// ============================================================================
// Events - inputs to the session loop
// ============================================================================
// Every source (MIDI drivers, the replication guest, the audio layer, IPC,
// config reload) talks to the session only through these. The loop is the
// single owner of the hardware state.
// ============================================================================

// Event is the input to the reducer.
type Event interface {
	eventMarker()
}

// MIDIReceived carries one raw controller message. At is when it arrived;
// zero means "when the loop sees it".
type MIDIReceived struct {
	Msg hardware.Message
	At  time.Time
}

func (MIDIReceived) eventMarker() {}

// SnapshotReceived carries one snapshot from the host (guest role only).
type SnapshotReceived struct {
	Snapshot replication.Snapshot
}

func (SnapshotReceived) eventMarker() {}

// ControlMapReloaded swaps the decoder's control map (host role only).
type ControlMapReloaded struct {
	Map hardware.ControlMap
}

func (ControlMapReloaded) eventMarker() {}

// AudioArmed attaches a level meter once audio capture is running.
type AudioArmed struct {
	Meter LevelMeter
}

func (AudioArmed) eventMarker() {}

// RequestSnapshot asks the loop for a copy of the current state.
// Reply must be buffered (capacity >= 1).
type RequestSnapshot struct {
	Reply chan hardware.State
}

func (RequestSnapshot) eventMarker() {}

// RequestStatus asks the loop for a Status. Reply must be buffered.
type RequestStatus struct {
	Reply chan Status
}

func (RequestStatus) eventMarker() {}

// Tick is emitted by the loop on the render cadence.
// Dt is wall-clock delta in seconds between ticks.
type Tick struct {
	Now time.Time
	Dt  float64
}

func (Tick) eventMarker() {}

// BroadcastTick is emitted by the host loop on the replication cadence.
type BroadcastTick struct {
	Now time.Time
}

func (BroadcastTick) eventMarker() {}

// LevelMeter produces one stereo reading per render tick.
type LevelMeter interface {
	Analyze() hardware.Levels
}
