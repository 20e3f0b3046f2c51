package audio

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

type collectSink struct {
	mu       sync.Mutex
	samples  []float32
	channels int
	writes   int
}

func (c *collectSink) Write(samples []float32, channels int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, samples...)
	c.channels = channels
	c.writes++
}

func (c *collectSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

func writeTestWAV(t *testing.T, frames int) (string, []int) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ramp.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	data := make([]int, frames*2)
	for i := 0; i < frames; i++ {
		data[2*i] = (i % 200) * 100
		data[2*i+1] = -(i % 200) * 100
	}
	enc := wav.NewEncoder(f, 48000, 16, 2, 1)
	if err := enc.Write(&audio.IntBuffer{
		Data:           data,
		Format:         &audio.Format{NumChannels: 2, SampleRate: 48000},
		SourceBitDepth: 16,
	}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("encoder close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return path, data
}

func TestFileSource_PlaysWholeFile(t *testing.T) {
	path, data := writeTestWAV(t, 2400)

	src, err := OpenFile(slog.Default(), FileConfig{Path: path, Chunk: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer src.Close()

	if src.SampleRate() != 48000 || src.Channels() != 2 {
		t.Fatalf("expected 48000 Hz stereo, got %d Hz %d ch", src.SampleRate(), src.Channels())
	}

	sink := &collectSink{}
	if err := src.Run(context.Background(), sink); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(sink.samples) != len(data) {
		t.Fatalf("expected %d samples, got %d", len(data), len(sink.samples))
	}
	for i, v := range data {
		want := float32(v) / 32768
		if sink.samples[i] != want {
			t.Fatalf("sample %d: expected %v, got %v", i, want, sink.samples[i])
		}
	}
	if sink.channels != 2 {
		t.Errorf("expected 2 channels, got %d", sink.channels)
	}
	if sink.writes < 2 {
		t.Errorf("expected the file to be paced over several chunks, got %d writes", sink.writes)
	}
}

func TestFileSource_Loops(t *testing.T) {
	path, data := writeTestWAV(t, 480)

	src, err := OpenFile(slog.Default(), FileConfig{Path: path, Loop: true, Chunk: 2 * time.Millisecond})
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sink := &collectSink{}
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, sink) }()

	deadline := time.Now().Add(3 * time.Second)
	for sink.count() < 3*len(data) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sink.count() < 3*len(data) {
		t.Fatalf("expected the file to loop, got %d samples", sink.count())
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	second := sink.samples[len(data) : 2*len(data)]
	for i, v := range data {
		if second[i] != float32(v)/32768 {
			t.Fatalf("second pass differs at %d", i)
		}
	}
}

func TestOpenFile_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.wav")
	if err := os.WriteFile(path, []byte("not a wav file at all"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFile(slog.Default(), FileConfig{Path: path}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestToStereo(t *testing.T) {
	cases := []struct {
		in       []float32
		channels int
		want     []float32
	}{
		{[]float32{1, 2}, 1, []float32{1, 1, 2, 2}},
		{[]float32{1, 2, 3, 4}, 2, []float32{1, 2, 3, 4}},
		{[]float32{1, 2, 3, 4, 5, 6}, 3, []float32{1, 2, 4, 5}},
		{[]float32{1, 2, 3}, 2, []float32{1, 2}},
	}
	for _, c := range cases {
		got := ToStereo(nil, c.in, c.channels)
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("ToStereo(%v, %d): expected %v, got %v", c.in, c.channels, c.want, got)
		}
	}
}

func TestQueue(t *testing.T) {
	q := newQueue(4)
	q.push([]float32{1, 2, 3})
	q.push([]float32{4, 5, 6})
	if q.len() != 4 || q.lost != 2 {
		t.Fatalf("expected 4 queued and 2 lost, got %d and %d", q.len(), q.lost)
	}

	out := make([]float32, 6)
	if n := q.pop(out); n != 4 {
		t.Fatalf("expected 4 real samples, got %d", n)
	}
	if !reflect.DeepEqual(out, []float32{3, 4, 5, 6, 0, 0}) {
		t.Errorf("expected oldest dropped and silence padding, got %v", out)
	}
}

func TestFanout(t *testing.T) {
	a, b := &collectSink{}, &collectSink{}
	var seen int
	Fanout{a, nil, b, SinkFunc(func(s []float32, ch int) { seen += len(s) })}.Write([]float32{1, 2}, 2)
	if a.count() != 2 || b.count() != 2 || seen != 2 {
		t.Errorf("expected every sink to receive the buffer")
	}
}
