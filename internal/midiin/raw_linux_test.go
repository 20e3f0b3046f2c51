//go:build linux

package midiin

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"decksync/internal/hardware"
)

// A FIFO stands in for /dev/snd/midiC0D0: same byte-stream semantics.
func TestRawReader_ReadsFIFO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "midiC9D0")
	if err := unix.Mkfifo(path, 0o600); err != nil {
		t.Skipf("mkfifo: %v", err)
	}

	var mu sync.Mutex
	var got []hardware.Message
	r, err := NewRawReader(slog.Default(), []string{filepath.Join(filepath.Dir(path), "midiC*D*")}, func(m hardware.Message, at time.Time) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, m)
	})
	if err != nil {
		t.Fatalf("NewRawReader: %v", err)
	}
	if len(r.Paths()) != 1 || r.Paths()[0] != path {
		t.Fatalf("expected paths [%s], got %v", path, r.Paths())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// Blocks until the reader has the FIFO open.
	w, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	if _, err := w.Write([]byte{0x90, 33, 10, 0xB0, 19}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := w.Write([]byte{99, 19, 100}); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, "expected 3 messages")

	mu.Lock()
	if got[0] != (hardware.Message{Status: 0x90, Data1: 33, Data2: 10}) || got[2].Data2 != 100 {
		t.Errorf("unexpected messages %v", got)
	}
	mu.Unlock()

	// Writer hangup removes the only device.
	w.Close()
	select {
	case err := <-done:
		if err == nil {
			t.Errorf("expected an error once every device is gone")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reader did not stop after hangup")
	}
}

func TestNewRawReader_NoDevices(t *testing.T) {
	_, err := NewRawReader(slog.Default(), []string{filepath.Join(t.TempDir(), "midiC*D*")}, nil)
	if err == nil {
		t.Fatalf("expected error when nothing matches")
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}
