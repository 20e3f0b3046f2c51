//go:build linux

package midiin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"decksync/internal/hardware"
)

// DefaultRawGlob matches ALSA rawmidi device nodes.
const DefaultRawGlob = "/dev/snd/midiC*D*"

// epoll wait timeout; bounds how long Run takes to notice cancellation.
const rawPollMS = 250

// RawReader reads controller bytes straight from rawmidi device nodes.
// All devices are multiplexed on one goroutine with epoll.
type RawReader struct {
	paths  []string
	logger *slog.Logger
	handle Handler
}

// NewRawReader resolves paths (globs allowed). No paths means DefaultRawGlob.
func NewRawReader(logger *slog.Logger, paths []string, handle Handler) (*RawReader, error) {
	if len(paths) == 0 {
		paths = []string{DefaultRawGlob}
	}
	var resolved []string
	for _, p := range paths {
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, fmt.Errorf("bad device pattern %q: %w", p, err)
		}
		resolved = append(resolved, matches...)
	}
	if len(resolved) == 0 {
		return nil, fmt.Errorf("no rawmidi devices match %v", paths)
	}
	return &RawReader{
		paths:  resolved,
		logger: logger.With("component", "rawmidi"),
		handle: handle,
	}, nil
}

// Paths returns the device nodes the reader opens.
func (r *RawReader) Paths() []string { return r.paths }

// Run reads until ctx is canceled or every device is gone. A device that
// errors or hangs up is dropped; the others keep going.
func (r *RawReader) Run(ctx context.Context) error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	defer unix.Close(epfd)

	type device struct {
		path   string
		parser Parser
	}
	devices := make(map[int]*device)
	defer func() {
		for fd := range devices {
			unix.Close(fd)
		}
	}()

	for _, p := range r.paths {
		fd, err := unix.Open(p, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			r.logger.Warn("open failed", "device", p, "error", err)
			continue
		}
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			unix.Close(fd)
			return fmt.Errorf("epoll_ctl_add %s: %w", p, err)
		}
		devices[fd] = &device{path: p}
		r.logger.Info("reading", "device", p)
	}
	if len(devices) == 0 {
		return errors.New("no rawmidi device could be opened")
	}

	drop := func(fd int) {
		_ = unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, fd, nil)
		unix.Close(fd)
		delete(devices, fd)
	}

	const maxEvents = 16
	events := make([]unix.EpollEvent, maxEvents)
	buf := make([]byte, 256)

	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := unix.EpollWait(epfd, events, rawPollMS)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			dev, ok := devices[fd]
			if !ok {
				continue
			}

			if events[i].Events&unix.EPOLLIN != 0 {
				r.drain(fd, dev.path, &dev.parser, buf)
			}
			if events[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				r.logger.Warn("device error/hangup", "device", dev.path)
				drop(fd)
			}
		}

		if len(devices) == 0 {
			return errors.New("all rawmidi devices gone")
		}
	}
}

// drain reads until the non-blocking fd would block.
func (r *RawReader) drain(fd int, path string, p *Parser, buf []byte) {
	for {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			at := time.Now()
			p.Feed(buf[:n], func(m hardware.Message) { r.handle(m, at) })
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if err != unix.EAGAIN {
				r.logger.Debug("read failed", "device", path, "error", err)
			}
			return
		}
		if n < len(buf) {
			return
		}
	}
}
