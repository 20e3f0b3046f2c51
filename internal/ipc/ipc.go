// Package ipc is the local control plane of a running host: a Unix domain
// socket speaking line-delimited JSON.
//
//   - Client sends: {"type": "midi", "data": {"status": 144, "data1": 33, "data2": 10}}
//     or {"type": "arm_audio"}, {"type": "state"}, {"type": "status"}
//   - Server responds: {"status": "ok", ...} or {"status": "error", "error": "msg"}
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"decksync/internal/hardware"
	"decksync/internal/replication"
	"decksync/internal/session"
)

// Request types.
const (
	TypeMIDI     = "midi"
	TypeArmAudio = "arm_audio"
	TypeState    = "state"
	TypeStatus   = "status"
)

// requestTimeout bounds how long one request may wait on the session loop.
const requestTimeout = 2 * time.Second

// Request is one line from a client.
type Request struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MIDIData is the payload of a midi request.
type MIDIData struct {
	Status int `json:"status"`
	Data1  int `json:"data1"`
	Data2  int `json:"data2"`
}

// Response is sent back for every request line.
type Response struct {
	Status string                `json:"status"`          // "ok" or "error"
	Error  string                `json:"error,omitempty"` // error message if status == "error"
	State  *replication.Snapshot `json:"state,omitempty"`
	Info   *session.Status       `json:"info,omitempty"`
}

// Handler executes requests against the running host.
type Handler interface {
	SubmitMIDI(ctx context.Context, msg hardware.Message) error
	ArmAudio(ctx context.Context) error
	Snapshot(ctx context.Context) (hardware.State, error)
	Status(ctx context.Context) (session.Status, error)
}

// Serve runs the socket server until ctx is canceled.
func Serve(ctx context.Context, socketPath string, h Handler, logger *slog.Logger) error {
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	if err := os.Chmod(socketPath, 0o660); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Closing the listener unblocks Accept.
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("IPC listener closed (shutdown)")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}
			logger.Error("IPC accept error", "error", err)
			continue
		}
		go handleConn(ctx, conn, h, logger)
	}
}

func handleConn(ctx context.Context, conn net.Conn, h Handler, logger *slog.Logger) {
	defer conn.Close()
	logger.Debug("IPC connection")

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		logger.Debug("IPC received", "line", string(line))

		resp := dispatch(ctx, h, line)
		if err := encoder.Encode(resp); err != nil {
			logger.Error("IPC failed to send response", "error", err)
			return
		}
	}
	logger.Debug("IPC connection closed")
}

func dispatch(ctx context.Context, h Handler, line []byte) Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return errorResponse(fmt.Errorf("parse request: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	switch req.Type {
	case TypeMIDI:
		msg, err := parseMIDI(req.Data)
		if err != nil {
			return errorResponse(err)
		}
		if err := h.SubmitMIDI(ctx, msg); err != nil {
			return errorResponse(err)
		}
		return Response{Status: "ok"}

	case TypeArmAudio:
		if err := h.ArmAudio(ctx); err != nil {
			return errorResponse(err)
		}
		return Response{Status: "ok"}

	case TypeState:
		st, err := h.Snapshot(ctx)
		if err != nil {
			return errorResponse(err)
		}
		snap := replication.NewSnapshot(st)
		return Response{Status: "ok", State: &snap}

	case TypeStatus:
		info, err := h.Status(ctx)
		if err != nil {
			return errorResponse(err)
		}
		return Response{Status: "ok", Info: &info}

	default:
		return errorResponse(fmt.Errorf("unknown request type %q", req.Type))
	}
}

func parseMIDI(raw json.RawMessage) (hardware.Message, error) {
	if len(raw) == 0 {
		return hardware.Message{}, errors.New("midi: missing data")
	}
	var d MIDIData
	if err := json.Unmarshal(raw, &d); err != nil {
		return hardware.Message{}, fmt.Errorf("midi: %w", err)
	}
	for _, v := range []int{d.Status, d.Data1, d.Data2} {
		if v < 0 || v > 255 {
			return hardware.Message{}, fmt.Errorf("midi: byte %d out of range", v)
		}
	}
	return hardware.Message{Status: byte(d.Status), Data1: byte(d.Data1), Data2: byte(d.Data2)}, nil
}

func errorResponse(err error) Response {
	return Response{Status: "error", Error: err.Error()}
}

// ============================================================================
// Client
// ============================================================================

// Send sends one request and returns the response. A response with status
// "error" is returned as an error.
func Send(socketPath string, req Request) (Response, error) {
	conn, err := net.DialTimeout("unix", socketPath, requestTimeout)
	if err != nil {
		return Response{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * requestTimeout))

	data, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "%s\n", strings.TrimSpace(string(data))); err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != "ok" {
		return resp, fmt.Errorf("ipc error: %s", resp.Error)
	}
	return resp, nil
}

// SendMIDI injects one controller message.
func SendMIDI(socketPath string, msg hardware.Message) error {
	data, err := json.Marshal(MIDIData{Status: int(msg.Status), Data1: int(msg.Data1), Data2: int(msg.Data2)})
	if err != nil {
		return err
	}
	_, err = Send(socketPath, Request{Type: TypeMIDI, Data: data})
	return err
}
