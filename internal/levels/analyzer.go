// Package levels estimates a coarse stereo loudness reading from live audio.
//
// The estimate mirrors a browser analyser node: a Blackman-windowed FFT per
// channel, magnitudes smoothed over time, mapped to 0..255 across a dB range,
// then the lowest bins averaged. It is a bass-heavy visual meter, not a
// loudness measurement.
package levels

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"

	"decksync/internal/hardware"
)

// Defaults matching the meters the project was tuned against.
const (
	DefaultFFTSize     = 256
	DefaultBins        = 10
	DefaultGain        = 1.2
	DefaultMinDecibels = -100.0
	DefaultMaxDecibels = -30.0
	DefaultSmoothing   = 0.8
)

const byteMax = 255.0

// Config holds the analyzer tunables.
type Config struct {
	FFTSize     int
	Bins        int
	Gain        float64
	MinDecibels float64
	MaxDecibels float64
	Smoothing   float64
}

// DefaultConfig returns the default meter tuning.
func DefaultConfig() Config {
	return Config{
		FFTSize:     DefaultFFTSize,
		Bins:        DefaultBins,
		Gain:        DefaultGain,
		MinDecibels: DefaultMinDecibels,
		MaxDecibels: DefaultMaxDecibels,
		Smoothing:   DefaultSmoothing,
	}
}

// Validate checks the tunables.
func (c Config) Validate() error {
	if c.FFTSize < 32 || c.FFTSize&(c.FFTSize-1) != 0 {
		return fmt.Errorf("fft_size %d must be a power of two >= 32", c.FFTSize)
	}
	if c.Bins < 1 || c.Bins > c.FFTSize/2 {
		return fmt.Errorf("bins %d must be in [1,%d]", c.Bins, c.FFTSize/2)
	}
	if c.Gain <= 0 {
		return errors.New("gain must be > 0")
	}
	if c.MinDecibels >= c.MaxDecibels {
		return errors.New("min_db must be < max_db")
	}
	if c.Smoothing < 0 || c.Smoothing >= 1 {
		return errors.New("smoothing must be in [0,1)")
	}
	return nil
}

// Analyzer is fed from the audio goroutine with Write and read from the
// session loop with Analyze. Both are safe for concurrent use.
type Analyzer struct {
	cfg    Config
	window []float64

	mu     sync.Mutex
	ring   [2][]float64
	pos    int
	smooth [2][]float64
}

// New builds an analyzer. The ring starts silent.
func New(cfg Config) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Analyzer{
		cfg:    cfg,
		window: window.Blackman(cfg.FFTSize),
	}
	for ch := range a.ring {
		a.ring[ch] = make([]float64, cfg.FFTSize)
		a.smooth[ch] = make([]float64, cfg.Bins)
	}
	return a, nil
}

// Write appends interleaved samples in [-1,1]. A mono stream (channels == 1)
// feeds both meters; extra channels beyond two are ignored. NaN and Inf
// samples are stored as silence.
func (a *Analyzer) Write(samples []float32, channels int) {
	if channels < 1 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.ring[0])
	for i := 0; i+channels <= len(samples); i += channels {
		l := finite(samples[i])
		r := l
		if channels > 1 {
			r = finite(samples[i+1])
		}
		a.ring[0][a.pos] = l
		a.ring[1][a.pos] = r
		a.pos = (a.pos + 1) % n
	}
}

// Reset clears the sample history and the smoothing state.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for ch := range a.ring {
		clear(a.ring[ch])
		clear(a.smooth[ch])
	}
	a.pos = 0
}

// Analyze computes one reading from the most recent FFTSize samples. Call it
// at the display cadence; smoothing is applied per call.
func (a *Analyzer) Analyze() hardware.Levels {
	a.mu.Lock()
	defer a.mu.Unlock()
	return hardware.Levels{
		L: a.channel(0),
		R: a.channel(1),
	}
}

func (a *Analyzer) channel(ch int) float64 {
	n := a.cfg.FFTSize
	frame := make([]float64, n)
	for i := 0; i < n; i++ {
		frame[i] = a.ring[ch][(a.pos+i)%n] * a.window[i]
	}
	spectrum := fft.FFTReal(frame)

	tau := a.cfg.Smoothing
	span := a.cfg.MaxDecibels - a.cfg.MinDecibels
	var sum float64
	for k := 0; k < a.cfg.Bins; k++ {
		mag := cmplx.Abs(spectrum[k]) / float64(n)
		next := tau*a.smooth[ch][k] + (1-tau)*mag
		if math.IsNaN(next) || math.IsInf(next, 0) {
			next = 0
		}
		a.smooth[ch][k] = next
		sum += toByte(a.smooth[ch][k], a.cfg.MinDecibels, span)
	}

	v := sum / float64(a.cfg.Bins) / byteMax * a.cfg.Gain
	return math.Min(math.Max(v, 0), 1)
}

func finite(v float32) float64 {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// toByte maps a linear magnitude to 0..255 over [minDB, minDB+span].
func toByte(mag, minDB, span float64) float64 {
	if mag <= 0 {
		return 0
	}
	db := 20 * math.Log10(mag)
	b := math.Floor(byteMax / span * (db - minDB))
	return math.Min(math.Max(b, 0), byteMax)
}
