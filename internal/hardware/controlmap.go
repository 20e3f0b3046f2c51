package hardware

import (
	"errors"
	"fmt"
)

// EQ targets accepted in ControlMap.EQCodes.
const (
	EQTrim = "trim"
	EQHi   = "hi"
	EQMid  = "mid"
	EQLow  = "low"
)

// DeckCodes selects which status bytes address a deck.
type DeckCodes struct {
	// NoteStatus carries the transport buttons (and jog on controllers that
	// send it on the note channel).
	NoteStatus []int `yaml:"note_status"`
	// CCStatus carries the deck's continuous controls and jog turns.
	CCStatus []int `yaml:"cc_status"`
	// FilterCode is the data1 code of this deck's filter knob. It is
	// accepted on any continuous-control status, including the mixer's.
	FilterCode int `yaml:"filter_code"`
}

// ControlMap maps raw controller codes to controls. Different controllers use
// different maps, so none of these numbers are hard-coded in the decoder.
type ControlMap struct {
	Deck1 DeckCodes `yaml:"deck1"`
	Deck2 DeckCodes `yaml:"deck2"`

	// MixerStatus addresses the mixer section (crossfader and per-deck
	// filters).
	MixerStatus []int `yaml:"mixer_status"`
	// MixerDeck is the deck (1 or 2) that jog, vol, pitch and EQ codes
	// address when they arrive on the mixer status. 0 leaves them unmapped.
	MixerDeck int `yaml:"mixer_deck"`

	// PressedValue is the data2 sentinel of a pressed button.
	PressedValue int `yaml:"pressed_value"`

	PlayCode  int            `yaml:"play_code"`
	CueCode   int            `yaml:"cue_code"`
	JogCodes  []int          `yaml:"jog_codes"`
	VolCode   int            `yaml:"vol_code"`
	PitchCode int            `yaml:"pitch_code"`
	XFadeCode int            `yaml:"xfade_code"`
	EQCodes   map[int]string `yaml:"eq_codes"`
}

// DefaultControlMap is the map of the two-deck controller the project was
// built against.
func DefaultControlMap() ControlMap {
	return ControlMap{
		Deck1: DeckCodes{
			NoteStatus: []int{144},
			CCStatus:   []int{176},
			FilterCode: 23,
		},
		Deck2: DeckCodes{
			NoteStatus: []int{145},
			CCStatus:   []int{177},
			FilterCode: 24,
		},
		MixerStatus:  []int{182},
		MixerDeck:    2,
		PressedValue: 127,
		PlayCode:     11,
		CueCode:      12,
		JogCodes:     []int{33, 34},
		VolCode:      19,
		PitchCode:    0,
		XFadeCode:    31,
		EQCodes: map[int]string{
			4:  EQTrim,
			7:  EQHi,
			11: EQMid,
			15: EQLow,
		},
	}
}

type statusKind int

const (
	statusNote statusKind = iota + 1
	statusCC
	statusMixer
)

type statusInfo struct {
	kind statusKind
	deck DeckID
}

// codeTable is the compiled, lookup-friendly form of a ControlMap.
type codeTable struct {
	status    map[byte]statusInfo
	mixerDeck DeckID
	jog       map[int]bool
	eq        map[int]string
	filter    map[int]DeckID
	pressed   int
	play      int
	cue       int
	vol       int
	pitch     int
	xfade     int
}

// Validate checks that every code is a 7-bit data value, every status is a
// status byte, no status is claimed twice and no code is ambiguous.
func (m ControlMap) Validate() error {
	_, err := m.compile()
	return err
}

func (m ControlMap) compile() (*codeTable, error) {
	t := &codeTable{
		status:  make(map[byte]statusInfo),
		jog:     make(map[int]bool),
		eq:      make(map[int]string),
		filter:  make(map[int]DeckID),
		pressed: m.PressedValue,
		play:    m.PlayCode,
		cue:     m.CueCode,
		vol:     m.VolCode,
		pitch:   m.PitchCode,
		xfade:   m.XFadeCode,
	}

	addStatus := func(field string, list []int, info statusInfo) error {
		for _, s := range list {
			if s < 0x80 || s > 0xEF {
				return fmt.Errorf("%s: %d is not a channel status byte", field, s)
			}
			if _, dup := t.status[byte(s)]; dup {
				return fmt.Errorf("%s: status %d is mapped more than once", field, s)
			}
			t.status[byte(s)] = info
		}
		return nil
	}
	if err := addStatus("deck1.note_status", m.Deck1.NoteStatus, statusInfo{statusNote, Deck1}); err != nil {
		return nil, err
	}
	if err := addStatus("deck2.note_status", m.Deck2.NoteStatus, statusInfo{statusNote, Deck2}); err != nil {
		return nil, err
	}
	if err := addStatus("deck1.cc_status", m.Deck1.CCStatus, statusInfo{statusCC, Deck1}); err != nil {
		return nil, err
	}
	if err := addStatus("deck2.cc_status", m.Deck2.CCStatus, statusInfo{statusCC, Deck2}); err != nil {
		return nil, err
	}
	if err := addStatus("mixer_status", m.MixerStatus, statusInfo{kind: statusMixer}); err != nil {
		return nil, err
	}
	switch m.MixerDeck {
	case 0:
	case 1:
		t.mixerDeck = Deck1
	case 2:
		t.mixerDeck = Deck2
	default:
		return nil, fmt.Errorf("mixer_deck %d: must be 0, 1 or 2", m.MixerDeck)
	}

	if !InRange(m.PressedValue) {
		return nil, fmt.Errorf("pressed_value %d out of range", m.PressedValue)
	}

	// Button codes share the note statuses with jog.
	noteCodes := map[int]string{}
	claimNote := func(name string, code int) error {
		if !InRange(code) {
			return fmt.Errorf("%s %d out of range", name, code)
		}
		if other, dup := noteCodes[code]; dup {
			return fmt.Errorf("%s %d collides with %s", name, code, other)
		}
		noteCodes[code] = name
		return nil
	}
	// Continuous controls share the CC statuses with jog.
	ccCodes := map[int]string{}
	claimCC := func(name string, code int) error {
		if !InRange(code) {
			return fmt.Errorf("%s %d out of range", name, code)
		}
		if other, dup := ccCodes[code]; dup {
			return fmt.Errorf("%s %d collides with %s", name, code, other)
		}
		ccCodes[code] = name
		return nil
	}

	if err := claimNote("play_code", m.PlayCode); err != nil {
		return nil, err
	}
	if err := claimNote("cue_code", m.CueCode); err != nil {
		return nil, err
	}
	if len(m.JogCodes) == 0 {
		return nil, errors.New("jog_codes must not be empty")
	}
	for _, c := range m.JogCodes {
		if err := claimNote("jog_codes", c); err != nil {
			return nil, err
		}
		if err := claimCC("jog_codes", c); err != nil {
			return nil, err
		}
		t.jog[c] = true
	}

	for _, c := range []struct {
		name string
		code int
	}{
		{"vol_code", m.VolCode},
		{"pitch_code", m.PitchCode},
		{"xfade_code", m.XFadeCode},
		{"deck1.filter_code", m.Deck1.FilterCode},
		{"deck2.filter_code", m.Deck2.FilterCode},
	} {
		if err := claimCC(c.name, c.code); err != nil {
			return nil, err
		}
	}
	t.filter[m.Deck1.FilterCode] = Deck1
	t.filter[m.Deck2.FilterCode] = Deck2

	for code, target := range m.EQCodes {
		switch target {
		case EQTrim, EQHi, EQMid, EQLow:
		default:
			return nil, fmt.Errorf("eq_codes[%d]: unknown target %q", code, target)
		}
		if err := claimCC("eq_codes", code); err != nil {
			return nil, err
		}
		t.eq[code] = target
	}

	return t, nil
}
