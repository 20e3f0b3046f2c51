package hardware

import (
	"math"
	"testing"
	"time"
)

func TestTempoMultiplier(t *testing.T) {
	cases := []struct {
		pitch int
		want  float64
	}{
		{64, 1.0},
		{0, 0.9},
		{128, 1.1},
		{96, 1.05},
	}
	for _, c := range cases {
		if got := TempoMultiplier(c.pitch, 0.1); math.Abs(got-c.want) > 1e-12 {
			t.Errorf("pitch %d: expected %v, got %v", c.pitch, c.want, got)
		}
	}
}

func TestTouching(t *testing.T) {
	th := 10 * time.Millisecond
	if !Touching(1005, 1000, th) {
		t.Errorf("expected 5ms after jog to be touching")
	}
	if Touching(1010, 1000, th) {
		t.Errorf("expected 10ms after jog to be released")
	}
}

func TestStep_IdleHoldsRotation(t *testing.T) {
	cfg := DefaultKinematicsConfig()
	d := NewDeckState()
	d.Rotation = 1.25

	now := int64(10_000)
	for i := 0; i < 500; i++ {
		now += 16
		if p := cfg.Step(&d, now, 0.016); p != PhaseIdle {
			t.Fatalf("tick %d: expected idle, got %v", i, p)
		}
	}
	if d.Rotation != 1.25 {
		t.Errorf("expected rotation unchanged, got %v", d.Rotation)
	}
}

func TestStep_CoastingAtNominalPitch(t *testing.T) {
	cfg := DefaultKinematicsConfig()
	d := NewDeckState()
	d.Playing = true

	const n = 3
	const dt = 0.016
	now := int64(10_000)
	for i := 0; i < n; i++ {
		now += 16
		if p := cfg.Step(&d, now, dt); p != PhaseCoasting {
			t.Fatalf("tick %d: expected coasting, got %v", i, p)
		}
	}

	want := n * dt * DefaultBaseRate
	if math.Abs(d.Rotation-want) > 1e-9 {
		t.Errorf("expected rotation %v, got %v", want, d.Rotation)
	}
}

func TestStep_CoastingScalesWithPitch(t *testing.T) {
	cfg := DefaultKinematicsConfig()
	d := NewDeckState()
	d.Playing = true
	d.Pitch = 127

	cfg.Step(&d, 10_000, 1.0)
	want := DefaultBaseRate * TempoMultiplier(127, DefaultPitchRange)
	if math.Abs(d.Rotation-want) > 1e-12 {
		t.Errorf("expected rotation %v, got %v", want, d.Rotation)
	}
}

func TestStep_CueDownCoasts(t *testing.T) {
	cfg := DefaultKinematicsConfig()
	d := NewDeckState()
	d.CueDown = true

	if p := cfg.Step(&d, 10_000, 0.5); p != PhaseCoasting {
		t.Fatalf("expected coasting while cueing, got %v", p)
	}
	if d.Rotation <= 0 {
		t.Errorf("expected rotation to advance while cueing, got %v", d.Rotation)
	}
}

func TestStep_TouchingFreezesSimulation(t *testing.T) {
	cfg := DefaultKinematicsConfig()
	d := NewDeckState()
	d.Playing = true
	d.Rotation = 0.7
	d.LastJogMS = 10_000

	if p := cfg.Step(&d, 10_004, 0.016); p != PhaseTouching {
		t.Fatalf("expected touching, got %v", p)
	}
	if d.Rotation != 0.7 {
		t.Errorf("expected manual rotation to be kept, got %v", d.Rotation)
	}

	// Released: coasting resumes from the manual angle.
	if p := cfg.Step(&d, 10_020, 0.016); p != PhaseCoasting {
		t.Fatalf("expected coasting after release, got %v", p)
	}
	want := 0.7 + 0.016*DefaultBaseRate
	if math.Abs(d.Rotation-want) > 1e-12 {
		t.Errorf("expected rotation %v, got %v", want, d.Rotation)
	}
}

func TestStepAll(t *testing.T) {
	cfg := DefaultKinematicsConfig()
	s := NewState()
	s.Deck2.Playing = true

	cfg.StepAll(s, 10_000, 0.1)
	if s.Deck1.Rotation != 0 {
		t.Errorf("expected deck1 idle, got %v", s.Deck1.Rotation)
	}
	if s.Deck2.Rotation == 0 {
		t.Errorf("expected deck2 to coast")
	}
}
