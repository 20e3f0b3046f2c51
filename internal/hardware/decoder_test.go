package hardware

import (
	"math"
	"testing"
	"time"
)

func newTestDecoder(t *testing.T) *Decoder {
	t.Helper()
	d, err := NewDecoder(DefaultControlMap(), DefaultDecoderConfig())
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	return d
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-12
}

func TestDecode_JogTurnForward(t *testing.T) {
	d := newTestDecoder(t)
	s := NewState()
	s.Deck1.Rotation = 1.5

	if !d.Decode(s, Message{Status: 144, Data1: 33, Data2: 10}, 5000) {
		t.Fatalf("expected jog turn to be applied")
	}

	want := 1.5 + 10*DefaultJogRadiansPerStep
	if !almostEqual(s.Deck1.Rotation, want) {
		t.Errorf("expected rotation %v, got %v", want, s.Deck1.Rotation)
	}
	if s.Deck1.LastJogMS != 5000 {
		t.Errorf("expected lastJogTime 5000, got %d", s.Deck1.LastJogMS)
	}
	if s.Deck2.Rotation != 0 || s.Deck2.LastJogMS != 0 {
		t.Errorf("expected deck2 untouched, got %+v", s.Deck2)
	}
}

func TestDecode_JogTurnAllDeltas(t *testing.T) {
	d := newTestDecoder(t)

	for v := 0; v <= 127; v++ {
		for _, msg := range []Message{
			{Status: 176, Data1: 33, Data2: byte(v)},
			{Status: 177, Data1: 34, Data2: byte(v)},
		} {
			s := NewState()
			deck := s.Deck1
			if msg.Status == 177 {
				deck = s.Deck2
			}
			before := deck.Rotation

			now := int64(1000 + v)
			if !d.Decode(s, msg, now) {
				t.Fatalf("%v: expected jog turn to be applied", msg)
			}

			after := s.Deck1
			if msg.Status == 177 {
				after = s.Deck2
			}
			delta := v
			if v > 64 {
				delta = v - 128
			}
			want := before + float64(delta)*DefaultJogRadiansPerStep
			if !almostEqual(after.Rotation, want) {
				t.Errorf("%v: expected rotation %v, got %v", msg, want, after.Rotation)
			}
			if after.LastJogMS != now {
				t.Errorf("%v: expected lastJogTime %d, got %d", msg, now, after.LastJogMS)
			}
		}
	}
}

func TestJogDelta(t *testing.T) {
	cases := map[int]int{0: 0, 1: 1, 10: 10, 64: 64, 65: -63, 100: -28, 127: -1}
	for in, want := range cases {
		if got := JogDelta(in); got != want {
			t.Errorf("JogDelta(%d): expected %d, got %d", in, want, got)
		}
	}
}

func TestDecode_ContinuousControlsExact(t *testing.T) {
	d := newTestDecoder(t)

	type target struct {
		name string
		msg  func(v byte) Message
		get  func(s *State) int
	}
	targets := []target{
		{"deck1.vol", func(v byte) Message { return Message{176, 19, v} }, func(s *State) int { return s.Deck1.Vol }},
		{"deck2.vol", func(v byte) Message { return Message{177, 19, v} }, func(s *State) int { return s.Deck2.Vol }},
		{"deck1.pitch", func(v byte) Message { return Message{176, 0, v} }, func(s *State) int { return s.Deck1.Pitch }},
		{"deck2.pitch", func(v byte) Message { return Message{177, 0, v} }, func(s *State) int { return s.Deck2.Pitch }},
		{"xfade(cc)", func(v byte) Message { return Message{176, 31, v} }, func(s *State) int { return s.XFade }},
		{"xfade(mixer)", func(v byte) Message { return Message{182, 31, v} }, func(s *State) int { return s.XFade }},
		{"deck1.filter", func(v byte) Message { return Message{182, 23, v} }, func(s *State) int { return s.Deck1.Filter }},
		{"deck2.filter", func(v byte) Message { return Message{182, 24, v} }, func(s *State) int { return s.Deck2.Filter }},
		{"deck2.filter(deck1 status)", func(v byte) Message { return Message{176, 24, v} }, func(s *State) int { return s.Deck2.Filter }},
		{"deck1.trim", func(v byte) Message { return Message{176, 4, v} }, func(s *State) int { return s.Deck1.Trim }},
		{"deck1.hi", func(v byte) Message { return Message{176, 7, v} }, func(s *State) int { return s.Deck1.Hi }},
		{"deck2.mid", func(v byte) Message { return Message{177, 11, v} }, func(s *State) int { return s.Deck2.Mid }},
		{"deck2.low", func(v byte) Message { return Message{177, 15, v} }, func(s *State) int { return s.Deck2.Low }},
	}

	for _, tg := range targets {
		s := NewState()
		for v := 0; v <= 127; v++ {
			if !d.Decode(s, tg.msg(byte(v)), 0) {
				t.Fatalf("%s: value %d not applied", tg.name, v)
			}
			if got := tg.get(s); got != v {
				t.Fatalf("%s: expected %d, got %d", tg.name, v, got)
			}
		}
	}
}

func TestDecode_PlayToggleDebounce(t *testing.T) {
	d := newTestDecoder(t)
	s := NewState()

	// First press at session start is accepted even though now < debounce.
	if !d.Decode(s, Message{145, 11, 127}, 0) {
		t.Fatalf("expected first press to toggle")
	}
	if !s.Deck2.Playing {
		t.Fatalf("expected deck2 playing after first press")
	}

	// Second press 50ms later is a bounce.
	if d.Decode(s, Message{145, 11, 127}, 50) {
		t.Errorf("expected press 50ms later to be debounced")
	}
	if !s.Deck2.Playing {
		t.Errorf("expected deck2 still playing (exactly one toggle)")
	}

	// Debounce is global: deck1 within the window is ignored too.
	if d.Decode(s, Message{144, 11, 127}, 199) {
		t.Errorf("expected deck1 press inside window to be debounced")
	}
	if s.Deck1.Playing {
		t.Errorf("expected deck1 not playing")
	}

	// At exactly the window boundary the press is accepted.
	if !d.Decode(s, Message{145, 11, 127}, 200) {
		t.Errorf("expected press at 200ms to toggle")
	}
	if s.Deck2.Playing {
		t.Errorf("expected deck2 paused after second accepted press")
	}
	if s.LastBtnMS != 200 {
		t.Errorf("expected lastBtnTime 200, got %d", s.LastBtnMS)
	}
}

func TestDecode_PlayIgnoresRelease(t *testing.T) {
	d := newTestDecoder(t)
	s := NewState()

	if d.Decode(s, Message{144, 11, 0}, 1000) {
		t.Errorf("expected release of play to be ignored")
	}
	if s.Deck1.Playing {
		t.Errorf("expected deck1 not playing")
	}
}

func TestDecode_PlayCodeOnCCIsMidKnob(t *testing.T) {
	d := newTestDecoder(t)
	s := NewState()

	if !d.Decode(s, Message{176, 11, 127}, 1000) {
		t.Fatalf("expected CC 11 to be applied")
	}
	if s.Deck1.Playing {
		t.Errorf("expected CC 11 not to toggle play")
	}
	if s.Deck1.Mid != 127 {
		t.Errorf("expected mid 127, got %d", s.Deck1.Mid)
	}
}

func TestDecode_Cue(t *testing.T) {
	d := newTestDecoder(t)
	s := NewState()
	s.Deck1.Playing = true
	s.Deck1.Rotation = 42

	d.Decode(s, Message{144, 12, 127}, 1000)
	if !s.Deck1.CueDown || s.Deck1.Playing || s.Deck1.Rotation != 0 {
		t.Fatalf("expected cue press to park and stop deck, got %+v", s.Deck1)
	}

	s.Deck1.Rotation = 0.3
	d.Decode(s, Message{144, 12, 0}, 1100)
	if s.Deck1.CueDown {
		t.Errorf("expected cue release to clear cueDown")
	}
	if s.Deck1.Playing {
		t.Errorf("expected cue release not to restore play")
	}
	if s.Deck1.Rotation != 0.3 {
		t.Errorf("expected cue release to leave rotation, got %v", s.Deck1.Rotation)
	}
}

func TestDecode_IgnoresUnknownAndMalformed(t *testing.T) {
	d := newTestDecoder(t)

	msgs := []Message{
		{Status: 0x10, Data1: 33, Data2: 10},  // not a status byte
		{Status: 144, Data1: 200, Data2: 10},  // data1 not 7-bit
		{Status: 176, Data1: 19, Data2: 200},  // data2 not 7-bit
		{Status: 150, Data1: 11, Data2: 127},  // unmapped status
		{Status: 176, Data1: 99, Data2: 10},   // unmapped code
		{Status: 182, Data1: 99, Data2: 10},   // unmapped mixer code
		{Status: 144, Data1: 19, Data2: 10},   // vol is not a note control
	}
	for _, m := range msgs {
		s := NewState()
		before := *s
		if d.Decode(s, m, 1000) {
			t.Errorf("%v: expected message to be ignored", m)
		}
		if *s != before {
			t.Errorf("%v: expected no mutation, got %+v", m, *s)
		}
	}

	if d.Decode(nil, Message{176, 19, 1}, 0) {
		t.Errorf("expected nil state to be ignored")
	}
}

func TestDecode_MixerRoutesDeckControls(t *testing.T) {
	k := DefaultJogRadiansPerStep
	cases := []struct {
		name  string
		deck  int
		check func(t *testing.T, s *State)
	}{
		{"deck2 (default)", 2, func(t *testing.T, s *State) {
			if s.Deck2.Vol != 90 || s.Deck2.Pitch != 70 || s.Deck2.Trim != 20 {
				t.Errorf("expected deck2 controls set, got %+v", s.Deck2)
			}
			if s.Deck2.Rotation != 3*k || s.Deck2.LastJogMS != 500 {
				t.Errorf("expected deck2 jog, got %+v", s.Deck2)
			}
			if s.Deck1 != NewDeckState() {
				t.Errorf("expected deck1 untouched, got %+v", s.Deck1)
			}
		}},
		{"deck1", 1, func(t *testing.T, s *State) {
			if s.Deck1.Vol != 90 || s.Deck1.Pitch != 70 || s.Deck1.Trim != 20 {
				t.Errorf("expected deck1 controls set, got %+v", s.Deck1)
			}
			if s.Deck2 != NewDeckState() {
				t.Errorf("expected deck2 untouched, got %+v", s.Deck2)
			}
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m := DefaultControlMap()
			m.MixerDeck = c.deck
			d, err := NewDecoder(m, DefaultDecoderConfig())
			if err != nil {
				t.Fatalf("NewDecoder: %v", err)
			}
			s := NewState()
			for _, msg := range []Message{{182, 19, 90}, {182, 0, 70}, {182, 4, 20}, {182, 33, 3}} {
				if !d.Decode(s, msg, 500) {
					t.Fatalf("%v: expected message to be applied", msg)
				}
			}
			// Mixer controls keep their own targets.
			d.Decode(s, Message{182, 31, 5}, 500)
			d.Decode(s, Message{182, 23, 6}, 500)
			if s.XFade != 5 || s.Deck1.Filter != 6 {
				t.Errorf("expected xfade 5 and deck1 filter 6, got %d and %d", s.XFade, s.Deck1.Filter)
			}
			c.check(t, s)
		})
	}

	m := DefaultControlMap()
	m.MixerDeck = 0
	d, err := NewDecoder(m, DefaultDecoderConfig())
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	s := NewState()
	if d.Decode(s, Message{182, 19, 10}, 0) {
		t.Errorf("expected vol on the mixer status to be ignored without a mixer deck")
	}
	if !d.Decode(s, Message{182, 31, 10}, 0) || s.XFade != 10 {
		t.Errorf("expected crossfader on the mixer status, got %d", s.XFade)
	}
}

func TestDecode_CustomDebounce(t *testing.T) {
	d, err := NewDecoder(DefaultControlMap(), DecoderConfig{
		JogRadiansPerStep: 0.01,
		ButtonDebounce:    500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	s := NewState()
	d.Decode(s, Message{144, 11, 127}, 1000)
	if d.Decode(s, Message{144, 11, 127}, 1300) {
		t.Errorf("expected press inside 500ms window to be debounced")
	}
	if !d.Decode(s, Message{144, 11, 127}, 1500) {
		t.Errorf("expected press at 500ms to toggle")
	}

	d.Decode(s, Message{176, 33, 127}, 2000)
	if !almostEqual(s.Deck1.Rotation, -0.01) {
		t.Errorf("expected rotation -0.01, got %v", s.Deck1.Rotation)
	}
}

func TestMessageFromBytes(t *testing.T) {
	if _, ok := MessageFromBytes([]byte{144, 1}); ok {
		t.Errorf("expected short buffer to be rejected")
	}
	m, ok := MessageFromBytes([]byte{144, 33, 10})
	if !ok || m != (Message{144, 33, 10}) {
		t.Errorf("expected (144, 33, 10), got %v ok=%v", m, ok)
	}
}
