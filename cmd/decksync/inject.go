package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"decksync/internal/hardware"
	"decksync/internal/ipc"
)

func printInjectUsage() {
	fmt.Printf("decksync inject v%s\n", version)
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  decksync inject [OPTIONS] STATUS DATA1 DATA2")
	fmt.Println("  decksync inject [OPTIONS] -state | -status | -arm")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Talks to a running host over its Unix socket. With three numbers it")
	fmt.Println("  feeds one controller message to the host exactly as if the MIDI")
	fmt.Println("  device had sent it. Values are decimal or 0x-prefixed hex.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Printf("  -ipc-socket string\n        Unix domain socket path for IPC (default %q)\n", defaultSocketPath)
	fmt.Println("  -state")
	fmt.Println("        Print the current snapshot as JSON")
	fmt.Println("  -status")
	fmt.Println("        Print role, jog phases and counters as JSON")
	fmt.Println("  -arm")
	fmt.Println("        Start the host's audio input")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  decksync inject 145 11 127     # deck 2 play")
	fmt.Println("  decksync inject 0xB0 33 0x76   # deck 1 jog, delta -10")
	fmt.Println()
}

func runInjectCommand(args []string) error {
	fs := flag.NewFlagSet("inject", flag.ExitOnError)
	socketPath := fs.String("ipc-socket", defaultSocketPath, "Unix domain socket path for IPC")
	state := fs.Bool("state", false, "Print the current snapshot")
	status := fs.Bool("status", false, "Print the host status")
	arm := fs.Bool("arm", false, "Start the host's audio input")
	showHelp := fs.Bool("help", false, "Print help message")
	fs.Usage = printInjectUsage
	_ = fs.Parse(args)

	if *showHelp {
		printInjectUsage()
		return nil
	}

	var req ipc.Request
	switch {
	case *state:
		req.Type = ipc.TypeState
	case *status:
		req.Type = ipc.TypeStatus
	case *arm:
		req.Type = ipc.TypeArmAudio
	default:
		msg, err := parseMessageArgs(fs.Args())
		if err != nil {
			return err
		}
		return ipc.SendMIDI(*socketPath, msg)
	}

	resp, err := ipc.Send(*socketPath, req)
	if err != nil {
		return err
	}
	var out any
	switch {
	case resp.State != nil:
		out = resp.State
	case resp.Info != nil:
		out = resp.Info
	default:
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// parseMessageArgs parses "STATUS DATA1 DATA2". Data bytes are 7-bit; the
// status byte must have its high bit set.
func parseMessageArgs(args []string) (hardware.Message, error) {
	if len(args) != 3 {
		return hardware.Message{}, errors.New("expected STATUS DATA1 DATA2")
	}
	var b [3]byte
	for i, a := range args {
		v, err := strconv.ParseUint(a, 0, 8)
		if err != nil {
			return hardware.Message{}, fmt.Errorf("byte %d (%q): %w", i+1, a, err)
		}
		b[i] = byte(v)
	}
	if b[0] < 0x80 || b[0] >= 0xF0 || b[1] >= 0x80 || b[2] >= 0x80 {
		return hardware.Message{}, fmt.Errorf("%d %d %d is not a 3-byte channel message", b[0], b[1], b[2])
	}
	msg, _ := hardware.MessageFromBytes(b[:])
	return msg, nil
}
