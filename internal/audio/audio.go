// Package audio moves PCM between the platform audio layer and the rest of
// the program. Samples are interleaved float32 in [-1,1].
package audio

import (
	"context"
	"sync"
)

// Sink consumes interleaved samples. Implementations must not retain
// samples after Write returns.
type Sink interface {
	Write(samples []float32, channels int)
}

// Source produces samples into a sink until ctx is done.
type Source interface {
	Run(ctx context.Context, sink Sink) error
	SampleRate() int
	Channels() int
}

// Fanout writes to every sink in order.
type Fanout []Sink

func (f Fanout) Write(samples []float32, channels int) {
	for _, s := range f {
		if s != nil {
			s.Write(samples, channels)
		}
	}
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(samples []float32, channels int)

func (f SinkFunc) Write(samples []float32, channels int) { f(samples, channels) }

// queue is a bounded sample FIFO between a producer and a realtime audio
// callback. On overflow the oldest samples are discarded so latency stays
// bounded.
type queue struct {
	mu   sync.Mutex
	buf  []float32
	max  int
	lost int
}

func newQueue(max int) *queue {
	return &queue{buf: make([]float32, 0, max), max: max}
}

func (q *queue) push(samples []float32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = append(q.buf, samples...)
	if over := len(q.buf) - q.max; over > 0 {
		q.lost += over
		q.buf = append(q.buf[:0], q.buf[over:]...)
	}
}

// pop fills out, zero-padding on underrun, and returns how many samples were
// real.
func (q *queue) pop(out []float32) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := copy(out, q.buf)
	q.buf = append(q.buf[:0], q.buf[n:]...)
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	return n
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// ToStereo returns interleaved stereo: mono is duplicated, stereo is copied,
// wider inputs keep their first two channels. dst is reused when large enough.
func ToStereo(dst, samples []float32, channels int) []float32 {
	if channels <= 0 {
		return dst[:0]
	}
	frames := len(samples) / channels
	if cap(dst) < frames*2 {
		dst = make([]float32, frames*2)
	}
	dst = dst[:frames*2]
	for i := 0; i < frames; i++ {
		l := samples[i*channels]
		r := l
		if channels > 1 {
			r = samples[i*channels+1]
		}
		dst[2*i] = l
		dst[2*i+1] = r
	}
	return dst
}
