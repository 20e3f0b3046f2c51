package session

import (
	"fmt"
	"time"

	"decksync/internal/hardware"
	"decksync/internal/replication"
)

// Role is fixed for the lifetime of a session.
type Role int

const (
	// RoleHost owns the write-master state: decoder, kinematics, analyzer.
	RoleHost Role = iota
	// RoleGuest owns a replica written only by snapshots from the host.
	RoleGuest
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleGuest:
		return "guest"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// ParseRole accepts "host" or "guest".
func ParseRole(s string) (Role, error) {
	switch s {
	case "host":
		return RoleHost, nil
	case "guest":
		return RoleGuest, nil
	default:
		return 0, fmt.Errorf("invalid role %q (must be host or guest)", s)
	}
}

// Stats counts what the reducer accepted and dropped. Exposed via Status.
type Stats struct {
	MIDIApplied       uint64 `json:"midi_applied"`
	MIDIIgnored       uint64 `json:"midi_ignored"`
	SnapshotsApplied  uint64 `json:"snapshots_applied"`
	SnapshotsRejected uint64 `json:"snapshots_rejected"`
	Ticks             uint64 `json:"ticks"`
}

// Model is everything the reducer owns.
type Model struct {
	Role Role
	HW   hardware.State

	Decoder    *hardware.Decoder
	DecoderCfg hardware.DecoderConfig
	Kinematics hardware.KinematicsConfig

	// Meter is nil until audio is armed. It is the only collaborator the
	// reducer calls into; Analyze does no I/O.
	Meter LevelMeter

	// MaxDt caps the integration step after a stalled loop (seconds, 0 = no cap).
	MaxDt float64

	Stats Stats
}

// Status is a read-only view for the console and IPC.
type Status struct {
	Role       string         `json:"role"`
	State      hardware.State `json:"-"`
	Deck1Phase string         `json:"deck1_phase,omitempty"`
	Deck2Phase string         `json:"deck2_phase,omitempty"`
	AudioArmed bool           `json:"audio_armed"`
	Stats      Stats          `json:"stats"`
}

// ==============================
// Commands (side effects)
// ==============================

// Command is a side effect the loop executes after reduction.
type Command interface {
	commandMarker()
	String() string
}

// CmdPublish sends a snapshot to every guest.
type CmdPublish struct {
	State hardware.State
	At    time.Time
}

func (CmdPublish) commandMarker() {}
func (CmdPublish) String() string { return "CmdPublish()" }

// CmdReplyState answers a RequestSnapshot.
type CmdReplyState struct {
	Reply chan hardware.State
	State hardware.State
}

func (CmdReplyState) commandMarker() {}
func (CmdReplyState) String() string { return "CmdReplyState()" }

// CmdReplyStatus answers a RequestStatus.
type CmdReplyStatus struct {
	Reply  chan Status
	Status Status
}

func (CmdReplyStatus) commandMarker() {}
func (CmdReplyStatus) String() string { return "CmdReplyStatus()" }

// CmdReport surfaces a dropped input to the log. It never stops the session.
type CmdReport struct {
	What string
	Err  error
}

func (CmdReport) commandMarker() {}
func (c CmdReport) String() string {
	return fmt.Sprintf("CmdReport(%s: %v)", c.What, c.Err)
}

// ==============================
// Reducer
// ==============================

// ReduceResult is the output of Reduce: next model plus commands.
type ReduceResult struct {
	Model    *Model
	Commands []Command
}

// Reduce applies one event. nowMS is the session clock reading for the
// event (for Tick, the tick time).
//
// Rules:
//   - no I/O, no blocking
//   - only the role's designated producer mutates HW: decoder and kinematics
//     on a host, the snapshot merge on a guest
func Reduce(m *Model, e Event, nowMS int64) ReduceResult {
	if m == nil {
		m = &Model{HW: *hardware.NewState()}
	}
	var cmds []Command

	switch ev := e.(type) {
	case MIDIReceived:
		if m.Role != RoleHost || m.Decoder == nil {
			m.Stats.MIDIIgnored++
			break
		}
		if m.Decoder.Decode(&m.HW, ev.Msg, nowMS) {
			m.Stats.MIDIApplied++
		} else {
			m.Stats.MIDIIgnored++
		}

	case SnapshotReceived:
		if m.Role != RoleGuest {
			break
		}
		if err := replication.Apply(&m.HW, ev.Snapshot); err != nil {
			m.Stats.SnapshotsRejected++
			cmds = append(cmds, CmdReport{What: "snapshot rejected", Err: err})
			break
		}
		m.Stats.SnapshotsApplied++

	case ControlMapReloaded:
		if m.Role != RoleHost {
			break
		}
		dec, err := hardware.NewDecoder(ev.Map, m.DecoderCfg)
		if err != nil {
			cmds = append(cmds, CmdReport{What: "control map reload rejected", Err: err})
			break
		}
		m.Decoder = dec

	case AudioArmed:
		if m.Role == RoleHost && m.Meter == nil {
			m.Meter = ev.Meter
		}

	case Tick:
		m.Stats.Ticks++
		if m.Role != RoleHost {
			break
		}
		dt := ev.Dt
		if m.MaxDt > 0 && dt > m.MaxDt {
			dt = m.MaxDt
		}
		m.Kinematics.StepAll(&m.HW, nowMS, dt)
		if m.Meter != nil {
			m.HW.Levels = m.Meter.Analyze()
		}

	case BroadcastTick:
		if m.Role == RoleHost {
			cmds = append(cmds, CmdPublish{State: m.HW.Snapshot(), At: ev.Now})
		}

	case RequestSnapshot:
		cmds = append(cmds, CmdReplyState{Reply: ev.Reply, State: m.HW.Snapshot()})

	case RequestStatus:
		cmds = append(cmds, CmdReplyStatus{Reply: ev.Reply, Status: m.status(nowMS)})
	}

	return ReduceResult{Model: m, Commands: cmds}
}

func (m *Model) status(nowMS int64) Status {
	st := Status{
		Role:       m.Role.String(),
		State:      m.HW.Snapshot(),
		AudioArmed: m.Meter != nil,
		Stats:      m.Stats,
	}
	if m.Role == RoleHost {
		st.Deck1Phase = m.Kinematics.PhaseOf(m.HW.Deck1, nowMS).String()
		st.Deck2Phase = m.Kinematics.PhaseOf(m.HW.Deck2, nowMS).String()
	}
	return st
}
