// Package replication keeps guest replicas of the hardware state in step with
// the host.
//
// The host serves one WebSocket per guest and pushes a full snapshot of the
// state on a fixed cadence. Guests overwrite their replica with every
// snapshot they receive, so a lost message costs one tick of staleness and
// never leaves a partial update behind.
//
// Wire format: JSON text frames with an envelope {type, ts, data}.
//   - "state_init": first frame after connect, data is a Snapshot
//   - "snapshot":   periodic frame, data is a Snapshot
//   - "call_offer" / "call_answer": media call signalling, data is a CallSignal
package replication

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"decksync/internal/hardware"
)

// Envelope types.
const (
	TypeStateInit  = "state_init"
	TypeSnapshot   = "snapshot"
	TypeCallOffer  = "call_offer"
	TypeCallAnswer = "call_answer"
)

// ErrMalformedSnapshot is returned for snapshots that are not a complete,
// in-range hardware state. The replica is left untouched.
var ErrMalformedSnapshot = errors.New("malformed snapshot")

// envelope is the wire format envelope for WS messages.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

// Envelope is the decoded form of an inbound frame; Data is left raw until
// the type is known.
type Envelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Snapshot is the replicated part of the hardware state. Deck1, Deck2 and
// XFade are always sent; a frame missing any of them is rejected rather than
// partially applied.
type Snapshot struct {
	Deck1  *hardware.DeckState `json:"deck1"`
	Deck2  *hardware.DeckState `json:"deck2"`
	XFade  *int                `json:"xfade"`
	Levels *hardware.Levels    `json:"levels,omitempty"`
}

// NewSnapshot copies s into a snapshot message. Levels are always included.
func NewSnapshot(s hardware.State) Snapshot {
	d1, d2, xf, lv := s.Deck1, s.Deck2, s.XFade, s.Levels
	return Snapshot{Deck1: &d1, Deck2: &d2, XFade: &xf, Levels: &lv}
}

// Validate reports ErrMalformedSnapshot for missing or out-of-range fields.
func (m Snapshot) Validate() error {
	switch {
	case m.Deck1 == nil:
		return fmt.Errorf("%w: deck1 missing", ErrMalformedSnapshot)
	case m.Deck2 == nil:
		return fmt.Errorf("%w: deck2 missing", ErrMalformedSnapshot)
	case m.XFade == nil:
		return fmt.Errorf("%w: xfade missing", ErrMalformedSnapshot)
	case !m.Deck1.Valid():
		return fmt.Errorf("%w: deck1 out of range", ErrMalformedSnapshot)
	case !m.Deck2.Valid():
		return fmt.Errorf("%w: deck2 out of range", ErrMalformedSnapshot)
	case !hardware.InRange(*m.XFade):
		return fmt.Errorf("%w: xfade %d out of range", ErrMalformedSnapshot, *m.XFade)
	}
	if m.Levels != nil && !levelsInRange(*m.Levels) {
		return fmt.Errorf("%w: levels out of range", ErrMalformedSnapshot)
	}
	return nil
}

func levelsInRange(l hardware.Levels) bool {
	return l.L >= 0 && l.L <= 1 && l.R >= 0 && l.R <= 1
}

// Apply overwrites the replicated fields of s with m. Levels are replaced
// only when present. Applying the same snapshot twice equals applying it
// once, and a later snapshot fully supersedes an earlier one.
func Apply(s *hardware.State, m Snapshot) error {
	if s == nil {
		return errors.New("nil state")
	}
	if err := m.Validate(); err != nil {
		return err
	}
	s.Deck1 = *m.Deck1
	s.Deck2 = *m.Deck2
	s.XFade = *m.XFade
	if m.Levels != nil {
		s.Levels = *m.Levels
	}
	return nil
}

// Marshal builds one outbound frame.
func Marshal(typ string, data any, at time.Time) ([]byte, error) {
	ts := at.UTC()
	b, err := json.Marshal(envelope{Type: typ, Ts: &ts, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", typ, err)
	}
	return b, nil
}

// ParseEnvelope decodes the envelope of an inbound frame.
func ParseEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.New("unmarshal envelope: missing type")
	}
	return env, nil
}

// ParseSnapshot decodes and validates a snapshot payload.
func ParseSnapshot(raw json.RawMessage) (Snapshot, error) {
	var m Snapshot
	if len(raw) == 0 {
		return m, fmt.Errorf("%w: empty payload", ErrMalformedSnapshot)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

// CallSignal carries a session description for the media call.
type CallSignal struct {
	SDP string `json:"sdp"`
}

func parseSignal(raw json.RawMessage) (CallSignal, error) {
	var sig CallSignal
	if err := json.Unmarshal(raw, &sig); err != nil {
		return sig, fmt.Errorf("unmarshal call signal: %w", err)
	}
	if sig.SDP == "" {
		return sig, errors.New("call signal without sdp")
	}
	return sig, nil
}
