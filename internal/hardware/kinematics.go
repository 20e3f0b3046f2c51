package hardware

import "time"

// Default jog kinematics tuning.
const (
	DefaultBaseRate       = 2.5 // rad/s at nominal pitch
	DefaultPitchRange     = 0.1 // ±10% at the ends of the pitch fader
	DefaultTouchThreshold = 10 * time.Millisecond
)

// Phase is the per-tick state of a jog wheel.
type Phase int

const (
	// PhaseIdle: not touched, not playing, not cueing. Rotation holds.
	PhaseIdle Phase = iota
	// PhaseTouching: a manual turn arrived within the touch threshold.
	// Rotation is whatever the decoder accumulated.
	PhaseTouching
	// PhaseCoasting: released while playing or cueing. Rotation advances
	// at the tempo-scaled base rate.
	PhaseCoasting
)

func (p Phase) String() string {
	switch p {
	case PhaseTouching:
		return "touching"
	case PhaseCoasting:
		return "coasting"
	default:
		return "idle"
	}
}

// KinematicsConfig holds the jog wheel tunables.
type KinematicsConfig struct {
	BaseRate       float64
	PitchRange     float64
	TouchThreshold time.Duration
}

// DefaultKinematicsConfig returns the default tuning.
func DefaultKinematicsConfig() KinematicsConfig {
	return KinematicsConfig{
		BaseRate:       DefaultBaseRate,
		PitchRange:     DefaultPitchRange,
		TouchThreshold: DefaultTouchThreshold,
	}
}

// Touching reports whether a manual jog event is recent enough that the
// operator's hand is considered on the wheel. The controller never sends an
// explicit release, so release is the absence of events.
func Touching(nowMS, lastJogMS int64, threshold time.Duration) bool {
	return nowMS-lastJogMS < threshold.Milliseconds()
}

// TempoMultiplier maps a pitch fader position to a speed factor; 64 is 1.0.
func TempoMultiplier(pitch int, pitchRange float64) float64 {
	return 1 + (float64(pitch-CenterValue)/float64(CenterValue))*pitchRange
}

// PhaseOf classifies a deck for the current tick without changing it.
func (c KinematicsConfig) PhaseOf(d DeckState, nowMS int64) Phase {
	if Touching(nowMS, d.LastJogMS, c.TouchThreshold) {
		return PhaseTouching
	}
	if d.Playing || d.CueDown {
		return PhaseCoasting
	}
	return PhaseIdle
}

// Step advances one deck by dt seconds and returns the phase it was in.
func (c KinematicsConfig) Step(d *DeckState, nowMS int64, dt float64) Phase {
	p := c.PhaseOf(*d, nowMS)
	if p == PhaseCoasting && dt > 0 {
		d.Rotation += dt * c.BaseRate * TempoMultiplier(d.Pitch, c.PitchRange)
	}
	return p
}

// StepAll advances both decks.
func (c KinematicsConfig) StepAll(s *State, nowMS int64, dt float64) {
	c.Step(&s.Deck1, nowMS, dt)
	c.Step(&s.Deck2, nowMS, dt)
}
