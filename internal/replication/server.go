package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"decksync/internal/hardware"
)

// ErrUnknownSession is returned to guests presenting a session id the host
// does not serve.
var ErrUnknownSession = errors.New("unknown session")

// SessionPath is the route prefix guests dial: SessionPath + id.
const SessionPath = "/session/"

// StateSource hands out copies of the host's current state. It must go
// through the state owner; the server never sees a live *State.
type StateSource interface {
	Snapshot(ctx context.Context) (hardware.State, error)
}

// CallHandler is notified of guest lifecycle so the media layer can run one
// call per guest. GuestJoined may block; it runs on its own goroutine.
type CallHandler interface {
	GuestJoined(ctx context.Context, g *Client)
	CallAnswered(g *Client, sig CallSignal)
	GuestLeft(g *Client)
}

// ServerConfig configures the host side.
type ServerConfig struct {
	// SessionID is the opaque id guests must present. Empty means generate one.
	SessionID string
	Hub       HubConfig
}

// Server is the host's replication endpoint.
type Server struct {
	logger    *slog.Logger
	hub       *Hub
	sessionID string
	state     StateSource

	// calls is set once before serving.
	calls CallHandler

	upgrader websocket.Upgrader
}

// NewServer constructs the host endpoint. Register it on a mux, start
// Hub().Run(ctx) and call Publish on the broadcast cadence.
func NewServer(logger *slog.Logger, state StateSource, cfg ServerConfig) *Server {
	id := cfg.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	s := &Server{
		logger:    logger.With("session", id),
		hub:       NewHub(logger, cfg.Hub),
		sessionID: id,
		state:     state,
		upgrader: websocket.Upgrader{
			// Guests are viewers on other machines; there is no browser origin to trust.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.hub.onMessage = s.handleGuestFrame
	s.hub.onLeave = func(c *Client) {
		if s.calls != nil {
			s.calls.GuestLeft(c)
		}
	}
	return s
}

// SessionID returns the id guests must dial.
func (s *Server) SessionID() string { return s.sessionID }

// Hub returns the connection set.
func (s *Server) Hub() *Hub { return s.hub }

// SetCallHandler attaches the media layer. Call before serving.
func (s *Server) SetCallHandler(h CallHandler) { s.calls = h }

// Register registers the session handler on the provided mux.
func (s *Server) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("GET "+SessionPath+"{id}", s.handleSession)
}

// Publish sends one snapshot of st to every connected guest. Delivery is
// best-effort: a guest whose queue is full skips this snapshot and stays
// connected, nothing is retried.
func (s *Server) Publish(st hardware.State, at time.Time) error {
	msg, err := Marshal(TypeSnapshot, NewSnapshot(st), at)
	if err != nil {
		return err
	}
	s.hub.BroadcastBytes(msg)
	return nil
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if id := r.PathValue("id"); id != s.sessionID {
		s.logger.Info("rejecting guest", "remote_addr", r.RemoteAddr, "requested", id)
		http.Error(w, ErrUnknownSession.Error(), http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)

	// state_init goes on the queue before the client is registered, so no
	// broadcast can overtake it.
	if err := s.sendInit(r.Context(), client); err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("state_init failed", "guest", client.ID, "error", err)
		}
		_ = conn.Close()
		return
	}
	s.hub.register <- client

	// Pumps outlive the handler; net/http cancels r.Context() on return.
	go client.writePump(context.Background())
	go client.readPump(context.Background())

	if s.calls != nil {
		go s.calls.GuestJoined(context.Background(), client)
	}
}

// sendInit queues a state_init frame so a new guest is not blank until the
// next broadcast tick.
func (s *Server) sendInit(ctx context.Context, c *Client) error {
	if s.state == nil {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	st, err := s.state.Snapshot(waitCtx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	msg, err := Marshal(TypeStateInit, NewSnapshot(st), time.Now())
	if err != nil {
		return err
	}
	if !c.Send(msg) {
		return errors.New("guest queue full")
	}
	return nil
}

func (s *Server) handleGuestFrame(c *Client, env Envelope) {
	switch env.Type {
	case TypeCallAnswer:
		if s.calls == nil {
			return
		}
		sig, err := parseSignal(env.Data)
		if err != nil {
			c.logger.Warn("bad call_answer", "error", err)
			return
		}
		s.calls.CallAnswered(c, sig)
	default:
		// Guests are passive; anything else is ignored.
		c.logger.Debug("ignoring guest frame", "type", env.Type)
	}
}
