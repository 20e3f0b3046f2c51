package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// DefaultChunk is the pacing granularity of a file source.
const DefaultChunk = 20 * time.Millisecond

// FileConfig configures a WAV rehearsal source.
type FileConfig struct {
	Path  string
	Loop  bool
	Chunk time.Duration
}

// FileSource plays a PCM WAV file in real time, standing in for a capture
// device.
type FileSource struct {
	cfg    FileConfig
	logger *slog.Logger

	f          *os.File
	dec        *wav.Decoder
	channels   int
	sampleRate int
	scale      float32
}

// OpenFile opens and validates a PCM WAV file.
func OpenFile(logger *slog.Logger, cfg FileConfig) (*FileSource, error) {
	if cfg.Chunk <= 0 {
		cfg.Chunk = DefaultChunk
	}
	f, err := os.Open(cfg.Path)
	if err != nil {
		return nil, err
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("%s: not a valid wav file", cfg.Path)
	}
	if dec.WavAudioFormat != 1 {
		f.Close()
		return nil, fmt.Errorf("%s: unsupported wav format %d (PCM only)", cfg.Path, dec.WavAudioFormat)
	}
	if dec.BitDepth < 16 || dec.BitDepth > 32 || dec.NumChans == 0 {
		f.Close()
		return nil, fmt.Errorf("%s: unsupported layout (%d bit, %d channels)", cfg.Path, dec.BitDepth, dec.NumChans)
	}

	return &FileSource{
		cfg:        cfg,
		logger:     logger.With("component", "file", "path", cfg.Path),
		f:          f,
		dec:        dec,
		channels:   int(dec.NumChans),
		sampleRate: int(dec.SampleRate),
		scale:      1 / float32(int64(1)<<(dec.BitDepth-1)),
	}, nil
}

func (s *FileSource) SampleRate() int { return s.sampleRate }
func (s *FileSource) Channels() int   { return s.channels }

// Close releases the file.
func (s *FileSource) Close() error { return s.f.Close() }

// Run writes the file to sink one chunk per chunk duration. Without Loop it
// returns nil at end of file.
func (s *FileSource) Run(ctx context.Context, sink Sink) error {
	frames := int(s.cfg.Chunk.Seconds() * float64(s.sampleRate))
	if frames <= 0 {
		frames = 1
	}
	intBuf := &audio.IntBuffer{
		Data:   make([]int, frames*s.channels),
		Format: &audio.Format{NumChannels: s.channels, SampleRate: s.sampleRate},
	}
	out := make([]float32, len(intBuf.Data))

	ticker := time.NewTicker(s.cfg.Chunk)
	defer ticker.Stop()

	s.logger.Info("file source started",
		"channels", s.channels, "sample_rate", s.sampleRate, "loop", s.cfg.Loop)

	played := false
	for {
		n, err := s.dec.PCMBuffer(intBuf)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode: %w", err)
		}
		if n == 0 {
			if !s.cfg.Loop {
				s.logger.Info("file source finished")
				return nil
			}
			if !played {
				return errors.New("file has no samples to loop")
			}
			if err := s.rewind(); err != nil {
				return err
			}
			played = false
			continue
		}
		played = true

		n -= n % s.channels
		for i := 0; i < n; i++ {
			out[i] = float32(intBuf.Data[i]) * s.scale
		}
		sink.Write(out[:n], s.channels)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *FileSource) rewind() error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind: %w", err)
	}
	s.dec = wav.NewDecoder(s.f)
	if !s.dec.IsValidFile() {
		return errors.New("rewind: file no longer valid")
	}
	return nil
}
