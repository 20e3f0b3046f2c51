package levels

import (
	"math"
	"testing"
)

// sine returns n interleaved stereo frames of a sine landing exactly on FFT
// bin `bin` on the left channel and silence on the right.
func sine(n, fftSize, bin int, amp float64) []float32 {
	out := make([]float32, 0, 2*n)
	for i := 0; i < n; i++ {
		v := amp * math.Sin(2*math.Pi*float64(bin)*float64(i)/float64(fftSize))
		out = append(out, float32(v), 0)
	}
	return out
}

func newTestAnalyzer(t *testing.T, cfg Config) *Analyzer {
	t.Helper()
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestAnalyze_SilenceIsZero(t *testing.T) {
	a := newTestAnalyzer(t, DefaultConfig())
	a.Write(make([]float32, 1024), 2)
	for i := 0; i < 10; i++ {
		lv := a.Analyze()
		if lv.L != 0 || lv.R != 0 {
			t.Fatalf("expected silent levels, got %+v", lv)
		}
	}
}

func TestAnalyze_LoudBassDrivesMeter(t *testing.T) {
	a := newTestAnalyzer(t, DefaultConfig())
	a.Write(sine(4*DefaultFFTSize, DefaultFFTSize, 3, 0.9), 2)

	first := a.Analyze()
	var lv = first
	for i := 0; i < 60; i++ {
		lv = a.Analyze()
	}

	if lv.L < 0.4 || lv.L > 1 {
		t.Errorf("expected loud left level in [0.4,1], got %v", lv.L)
	}
	if lv.R != 0 {
		t.Errorf("expected silent right channel, got %v", lv.R)
	}
	if first.L >= lv.L {
		t.Errorf("expected smoothing to ramp up: first %v, settled %v", first.L, lv.L)
	}
}

func TestAnalyze_NonFiniteSamplesDoNotStick(t *testing.T) {
	a := newTestAnalyzer(t, DefaultConfig())
	bad := sine(DefaultFFTSize, DefaultFFTSize, 3, 0.9)
	bad[10] = float32(math.NaN())
	bad[11] = float32(math.Inf(1))
	bad[20] = float32(math.Inf(-1))
	a.Write(bad, 2)

	for i := 0; i < 5; i++ {
		lv := a.Analyze()
		for _, v := range []float64{lv.L, lv.R} {
			if math.IsNaN(v) || v < 0 || v > 1 {
				t.Fatalf("expected level in [0,1], got %+v", lv)
			}
		}
	}

	// A clean signal afterwards still drives the meter.
	a.Write(sine(4*DefaultFFTSize, DefaultFFTSize, 3, 0.9), 2)
	var lv = a.Analyze()
	for i := 0; i < 60; i++ {
		lv = a.Analyze()
	}
	if lv.L < 0.4 {
		t.Errorf("expected loud left level after recovery, got %v", lv.L)
	}
}

func TestAnalyze_ClampedToOne(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gain = 50
	a := newTestAnalyzer(t, cfg)
	a.Write(sine(DefaultFFTSize, DefaultFFTSize, 2, 1), 2)
	for i := 0; i < 60; i++ {
		a.Analyze()
	}
	if lv := a.Analyze(); lv.L != 1 {
		t.Errorf("expected clamped level 1, got %v", lv.L)
	}
}

func TestAnalyze_MonoFeedsBothChannels(t *testing.T) {
	a := newTestAnalyzer(t, DefaultConfig())

	mono := make([]float32, DefaultFFTSize)
	for i := range mono {
		mono[i] = float32(0.8 * math.Sin(2*math.Pi*4*float64(i)/DefaultFFTSize))
	}
	a.Write(mono, 1)

	lv := a.Analyze()
	if lv.L == 0 || lv.L != lv.R {
		t.Errorf("expected equal non-zero levels, got %+v", lv)
	}
}

func TestReset(t *testing.T) {
	a := newTestAnalyzer(t, DefaultConfig())
	a.Write(sine(DefaultFFTSize, DefaultFFTSize, 2, 1), 2)
	a.Analyze()
	a.Reset()
	if lv := a.Analyze(); lv.L != 0 {
		t.Errorf("expected zero after reset, got %v", lv.L)
	}
}

func TestConfigValidate(t *testing.T) {
	bad := []func(c *Config){
		func(c *Config) { c.FFTSize = 100 },
		func(c *Config) { c.Bins = 0 },
		func(c *Config) { c.Bins = 200 },
		func(c *Config) { c.Gain = 0 },
		func(c *Config) { c.MinDecibels = -20 },
		func(c *Config) { c.Smoothing = 1 },
	}
	for i, mutate := range bad {
		c := DefaultConfig()
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}
