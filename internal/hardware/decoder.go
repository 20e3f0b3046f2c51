package hardware

import (
	"fmt"
	"time"
)

// Default decoder tuning.
const (
	DefaultJogRadiansPerStep = 0.00007
	DefaultButtonDebounce    = 200 * time.Millisecond
)

// Message is one raw 3-byte controller message.
type Message struct {
	Status byte `json:"status"`
	Data1  byte `json:"data1"`
	Data2  byte `json:"data2"`
}

// MessageFromBytes builds a Message from a raw buffer. Buffers that are not
// exactly three bytes are rejected.
func MessageFromBytes(b []byte) (Message, bool) {
	if len(b) != 3 {
		return Message{}, false
	}
	return Message{Status: b[0], Data1: b[1], Data2: b[2]}, true
}

func (m Message) String() string {
	return fmt.Sprintf("(%d, %d, %d)", m.Status, m.Data1, m.Data2)
}

// DecoderConfig holds the tunables of the decoder.
type DecoderConfig struct {
	// JogRadiansPerStep is K: rotation added per unit of signed jog delta.
	JogRadiansPerStep float64
	// ButtonDebounce is the minimum spacing of accepted transport presses,
	// shared by both decks.
	ButtonDebounce time.Duration
}

// DefaultDecoderConfig returns the tuning the default control map was
// calibrated with.
func DefaultDecoderConfig() DecoderConfig {
	return DecoderConfig{
		JogRadiansPerStep: DefaultJogRadiansPerStep,
		ButtonDebounce:    DefaultButtonDebounce,
	}
}

// Decoder turns raw controller messages into mutations of a State.
// It holds no state of its own besides the compiled control map, so one
// Decoder may be reused across sessions.
type Decoder struct {
	table      *codeTable
	jogK       float64
	debounceMS int64
}

// NewDecoder compiles m. It fails only on an invalid map.
func NewDecoder(m ControlMap, cfg DecoderConfig) (*Decoder, error) {
	t, err := m.compile()
	if err != nil {
		return nil, fmt.Errorf("control map: %w", err)
	}
	return &Decoder{
		table:      t,
		jogK:       cfg.JogRadiansPerStep,
		debounceMS: cfg.ButtonDebounce.Milliseconds(),
	}, nil
}

// Decode applies at most one mutation for msg to s. nowMS is the session
// clock in milliseconds. It returns false when the message was ignored:
// malformed bytes, an unmapped status or code, or a debounced press.
func (d *Decoder) Decode(s *State, msg Message, nowMS int64) bool {
	if s == nil || msg.Status < 0x80 || msg.Data1 > 0x7F || msg.Data2 > 0x7F {
		return false
	}
	info, ok := d.table.status[msg.Status]
	if !ok {
		return false
	}

	code := int(msg.Data1)
	value := int(msg.Data2)

	switch info.kind {
	case statusNote:
		deck := s.Deck(info.deck)
		switch {
		case code == d.table.play:
			return d.togglePlay(s, deck, value, nowMS)
		case code == d.table.cue:
			d.cue(deck, value)
			return true
		case d.table.jog[code]:
			d.jog(deck, value, nowMS)
			return true
		}

	case statusCC:
		return d.control(s, s.Deck(info.deck), code, value, nowMS)

	case statusMixer:
		if d.table.mixerDeck != 0 {
			return d.control(s, s.Deck(d.table.mixerDeck), code, value, nowMS)
		}
		if code == d.table.xfade {
			s.XFade = value
			return true
		}
		if id, ok := d.table.filter[code]; ok {
			s.Deck(id).Filter = value
			return true
		}
	}

	return false
}

// control applies a continuous-control code. deck receives the per-deck
// codes; the crossfader and filters address their own targets.
func (d *Decoder) control(s *State, deck *DeckState, code, value int, nowMS int64) bool {
	switch {
	case d.table.jog[code]:
		d.jog(deck, value, nowMS)
		return true
	case code == d.table.xfade:
		s.XFade = value
		return true
	case code == d.table.vol:
		deck.Vol = value
		return true
	case code == d.table.pitch:
		deck.Pitch = value
		return true
	}
	if id, ok := d.table.filter[code]; ok {
		s.Deck(id).Filter = value
		return true
	}
	if target, ok := d.table.eq[code]; ok {
		setEQ(deck, target, value)
		return true
	}
	return false
}

func (d *Decoder) togglePlay(s *State, deck *DeckState, value int, nowMS int64) bool {
	if value != d.table.pressed {
		return false
	}
	if s.btnSeen && nowMS-s.LastBtnMS < d.debounceMS {
		return false
	}
	deck.Playing = !deck.Playing
	s.LastBtnMS = nowMS
	s.btnSeen = true
	return true
}

// cue handles both edges: pressing parks the platter at zero and stops
// playback, releasing only lifts the cue flag.
func (d *Decoder) cue(deck *DeckState, value int) {
	if value == d.table.pressed {
		deck.Rotation = 0
		deck.Playing = false
		deck.CueDown = true
		return
	}
	deck.CueDown = false
}

func (d *Decoder) jog(deck *DeckState, value int, nowMS int64) {
	deck.Rotation += float64(JogDelta(value)) * d.jogK
	deck.LastJogMS = nowMS
}

// JogDelta decodes a 7-bit two's-complement relative value: 1..64 turn
// forward, 65..127 turn backward (value-128).
func JogDelta(value int) int {
	if value > 64 {
		return value - 128
	}
	return value
}

func setEQ(deck *DeckState, target string, value int) {
	switch target {
	case EQTrim:
		deck.Trim = value
	case EQHi:
		deck.Hi = value
	case EQMid:
		deck.Mid = value
	case EQLow:
		deck.Low = value
	}
}
