package hardware

// DeckID identifies one of the two decks.
type DeckID int

const (
	Deck1 DeckID = 1
	Deck2 DeckID = 2
)

// Controller value range shared by every knob and fader.
const (
	MinValue    = 0
	MaxValue    = 127
	CenterValue = 64
)

// DeckState is the per-deck part of the hardware state.
//
// Rotation is an unbounded accumulator in radians; consumers take it modulo
// 2π for display. LastJogMS is the session clock reading (milliseconds) of the
// most recent manual jog turn and is only advanced by the decoder.
type DeckState struct {
	Rotation  float64 `json:"rotation"`
	Playing   bool    `json:"playing"`
	CueDown   bool    `json:"cueDown"`
	Trim      int     `json:"trim"`
	Hi        int     `json:"hi"`
	Mid       int     `json:"mid"`
	Low       int     `json:"low"`
	Filter    int     `json:"filter"`
	Vol       int     `json:"vol"`
	Pitch     int     `json:"pitch"`
	LastJogMS int64   `json:"lastJogTime"`
}

// NewDeckState returns a deck at power-on positions: EQ, trim, filter and
// pitch centered, channel fader closed.
func NewDeckState() DeckState {
	return DeckState{
		Trim:   CenterValue,
		Hi:     CenterValue,
		Mid:    CenterValue,
		Low:    CenterValue,
		Filter: CenterValue,
		Vol:    MinValue,
		Pitch:  CenterValue,
	}
}

// Valid reports whether every 7-bit field is inside [0,127].
func (d DeckState) Valid() bool {
	for _, v := range [...]int{d.Trim, d.Hi, d.Mid, d.Low, d.Filter, d.Vol, d.Pitch} {
		if !InRange(v) {
			return false
		}
	}
	return true
}

// Levels is the stereo loudness estimate, each channel in [0,1].
type Levels struct {
	L float64 `json:"l"`
	R float64 `json:"r"`
}

// State is the hardware state of the whole controller: two decks plus the
// mixer section.
//
// A State is owned by exactly one goroutine (the session loop). Everything
// else works on copies obtained through Snapshot.
type State struct {
	Deck1 DeckState
	Deck2 DeckState
	XFade int

	// LastBtnMS is the session clock reading of the last accepted transport
	// button press; btnSeen is false until the first one.
	LastBtnMS int64
	btnSeen   bool

	// Levels mirrors the analyzer on the host and the last replicated
	// reading on a guest.
	Levels Levels
}

// NewState returns the power-on state.
func NewState() *State {
	return &State{
		Deck1: NewDeckState(),
		Deck2: NewDeckState(),
		XFade: CenterValue,
	}
}

// Deck returns a pointer to the addressed deck, or nil for an unknown id.
func (s *State) Deck(id DeckID) *DeckState {
	switch id {
	case Deck1:
		return &s.Deck1
	case Deck2:
		return &s.Deck2
	default:
		return nil
	}
}

// Snapshot returns a value copy safe to hand to other goroutines.
func (s *State) Snapshot() State {
	return *s
}

// InRange reports whether v is a valid 7-bit controller value.
func InRange(v int) bool {
	return v >= MinValue && v <= MaxValue
}
