// Package midiin feeds controller messages into a session. Two backends:
// a hot-plug watcher on the rtmidi driver, and a raw reader for ALSA rawmidi
// device nodes that needs no cgo driver.
package midiin

import (
	"time"

	"decksync/internal/hardware"
)

// Handler receives one 3-byte channel message and its arrival time.
type Handler func(msg hardware.Message, at time.Time)

// Parser reassembles channel messages from a raw MIDI byte stream.
//
// It follows running status: after a status byte, further data pairs reuse
// it. System real-time bytes may appear anywhere and are skipped without
// disturbing the message in progress. System exclusive and system common
// messages are dropped and cancel running status.
type Parser struct {
	status byte
	data   [2]byte
	n      int
	sysex  bool
}

// Feed consumes b and calls emit for every complete message with two data
// bytes. Single-data-byte messages (program change, channel pressure) are
// consumed and dropped; the decoder has no use for them.
func (p *Parser) Feed(b []byte, emit func(hardware.Message)) {
	for _, c := range b {
		switch {
		case c >= 0xF8:
			// real-time

		case c == 0xF0:
			p.sysex = true
			p.status = 0
			p.n = 0

		case c == 0xF7:
			p.sysex = false

		case c >= 0xF1:
			p.sysex = false
			p.status = 0
			p.n = 0

		case c >= 0x80:
			p.sysex = false
			p.status = c
			p.n = 0

		default:
			if p.sysex || p.status == 0 {
				continue
			}
			p.data[p.n] = c
			p.n++
			if p.n < dataLen(p.status) {
				continue
			}
			p.n = 0
			if dataLen(p.status) == 2 && emit != nil {
				emit(hardware.Message{Status: p.status, Data1: p.data[0], Data2: p.data[1]})
			}
		}
	}
}

// Reset drops any partial message and running status.
func (p *Parser) Reset() {
	*p = Parser{}
}

func dataLen(status byte) int {
	switch status & 0xF0 {
	case 0xC0, 0xD0:
		return 1
	default:
		return 2
	}
}
