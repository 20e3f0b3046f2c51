package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
)

const (
	DefaultSampleRate      = 48000
	DefaultFramesPerBuffer = 480 // 10 ms at 48 kHz
)

// DeviceConfig configures a portaudio stream.
type DeviceConfig struct {
	SampleRate      int
	FramesPerBuffer int
	// Channels requested; capped by what the default device offers.
	Channels int
}

func (c DeviceConfig) withDefaults() DeviceConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.FramesPerBuffer <= 0 {
		c.FramesPerBuffer = DefaultFramesPerBuffer
	}
	if c.Channels <= 0 {
		c.Channels = 2
	}
	return c
}

var (
	initMu   sync.Mutex
	initRefs int
)

// Init initialises portaudio. Every successful Init must be paired with a
// call to the returned terminate func.
func Init() (terminate func(), err error) {
	initMu.Lock()
	defer initMu.Unlock()
	if initRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return nil, fmt.Errorf("portaudio init: %w", err)
		}
	}
	initRefs++

	var once sync.Once
	return func() {
		once.Do(func() {
			initMu.Lock()
			defer initMu.Unlock()
			initRefs--
			if initRefs == 0 {
				_ = portaudio.Terminate()
			}
		})
	}, nil
}

// Capture reads the default input device.
type Capture struct {
	cfg    DeviceConfig
	logger *slog.Logger
	params portaudio.StreamParameters
}

// NewCapture resolves the default input device. Init must have been called.
func NewCapture(logger *slog.Logger, cfg DeviceConfig) (*Capture, error) {
	cfg = cfg.withDefaults()
	h, err := portaudio.DefaultHostApi()
	if err != nil {
		return nil, fmt.Errorf("default host api: %w", err)
	}
	if h.DefaultInputDevice == nil {
		return nil, errors.New("no default input device")
	}
	p := portaudio.LowLatencyParameters(h.DefaultInputDevice, nil)
	p.Input.Channels = min(cfg.Channels, h.DefaultInputDevice.MaxInputChannels)
	if p.Input.Channels <= 0 {
		return nil, fmt.Errorf("input device %q has no input channels", h.DefaultInputDevice.Name)
	}
	p.SampleRate = float64(cfg.SampleRate)
	p.FramesPerBuffer = cfg.FramesPerBuffer

	return &Capture{
		cfg:    cfg,
		logger: logger.With("component", "capture", "device", h.DefaultInputDevice.Name),
		params: p,
	}, nil
}

func (c *Capture) SampleRate() int { return c.cfg.SampleRate }
func (c *Capture) Channels() int   { return c.params.Input.Channels }

// Run streams input buffers to sink until ctx is done. The realtime callback
// only copies; sink.Write runs on Run's goroutine.
func (c *Capture) Run(ctx context.Context, sink Sink) error {
	ch := c.Channels()
	buffers := make(chan []float32, 32)

	stream, err := portaudio.OpenStream(c.params, func(in []float32) {
		buf := make([]float32, len(in))
		copy(buf, in)
		select {
		case buffers <- buf:
		default:
			// consumer behind; meter and call tolerate a gap
		}
	})
	if err != nil {
		return fmt.Errorf("open input stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("start input stream: %w", err)
	}
	defer stream.Stop()
	c.logger.Info("capture started", "channels", ch, "sample_rate", c.cfg.SampleRate)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("capture stopped")
			return nil
		case buf := <-buffers:
			sink.Write(buf, ch)
		}
	}
}

// Player plays interleaved samples on the default output device.
type Player struct {
	cfg    DeviceConfig
	logger *slog.Logger
	params portaudio.StreamParameters
	q      *queue
}

// NewPlayer resolves the default output device. Init must have been called.
// Up to 500 ms of audio is buffered; older samples are dropped beyond that.
func NewPlayer(logger *slog.Logger, cfg DeviceConfig) (*Player, error) {
	cfg = cfg.withDefaults()
	h, err := portaudio.DefaultHostApi()
	if err != nil {
		return nil, fmt.Errorf("default host api: %w", err)
	}
	if h.DefaultOutputDevice == nil {
		return nil, errors.New("no default output device")
	}
	p := portaudio.LowLatencyParameters(nil, h.DefaultOutputDevice)
	p.Output.Channels = 2
	p.SampleRate = float64(cfg.SampleRate)
	p.FramesPerBuffer = cfg.FramesPerBuffer

	return &Player{
		cfg:    cfg,
		logger: logger.With("component", "playback", "device", h.DefaultOutputDevice.Name),
		params: p,
		q:      newQueue(cfg.SampleRate), // stereo: 0.5 s
	}, nil
}

// Write queues samples for playback (any channel count, played as stereo).
func (p *Player) Write(samples []float32, channels int) {
	if channels == 2 {
		p.q.push(samples)
		return
	}
	p.q.push(ToStereo(nil, samples, channels))
}

// Run plays queued audio until ctx is done; underruns play silence.
func (p *Player) Run(ctx context.Context) error {
	stream, err := portaudio.OpenStream(p.params, func(out []float32) {
		p.q.pop(out)
	})
	if err != nil {
		return fmt.Errorf("open output stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("start output stream: %w", err)
	}
	defer stream.Stop()
	p.logger.Info("playback started", "sample_rate", p.cfg.SampleRate)

	<-ctx.Done()
	p.logger.Info("playback stopped")
	return nil
}
