package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SnapshotFunc receives every valid snapshot, in arrival order.
type SnapshotFunc func(m Snapshot)

// OfferFunc answers a media call offer from the host.
type OfferFunc func(ctx context.Context, offer CallSignal) (CallSignal, error)

// GuestConfig configures the guest side.
type GuestConfig struct {
	// URL is the full session URL, ws://host:port/session/<id>.
	URL string

	HandshakeTimeout time.Duration
	RetryInterval    time.Duration
	// MaxAttempts bounds consecutive failed dials; zero retries forever.
	MaxAttempts int
	// ReadTimeout drops a connection that has gone silent.
	ReadTimeout time.Duration
}

// Guest dials one host session and feeds snapshots to the replica owner.
// On disconnect it keeps the last state (the owner is not told to reset)
// and redials.
type Guest struct {
	cfg     GuestConfig
	logger  *slog.Logger
	onState SnapshotFunc
	onOffer OfferFunc
	writeMu sync.Mutex
}

// NewGuest builds a guest. onState must not block for long; it is called on
// the read goroutine.
func NewGuest(logger *slog.Logger, cfg GuestConfig, onState SnapshotFunc) *Guest {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	return &Guest{cfg: cfg, logger: logger, onState: onState}
}

// SetOfferHandler attaches the media layer. Call before Run.
func (g *Guest) SetOfferHandler(f OfferFunc) { g.onOffer = f }

// Run connects and reads until ctx is canceled or the host keeps refusing
// the session.
func (g *Guest) Run(ctx context.Context) error {
	failures := 0
	for {
		conn, err := g.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrUnknownSession) {
				return err
			}
			failures++
			if g.cfg.MaxAttempts > 0 && failures >= g.cfg.MaxAttempts {
				return fmt.Errorf("failed to connect after %d attempts: %w", failures, err)
			}
			g.logger.Warn("connection failed; retrying...", "error", err, "attempt", failures)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(g.cfg.RetryInterval):
			}
			continue
		}

		failures = 0
		g.logger.Info("connected to host", "url", g.cfg.URL)
		err = g.readLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		g.logger.Warn("connection lost; holding last state and reconnecting", "error", err)
	}
}

func (g *Guest) dial(ctx context.Context) (*websocket.Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: g.cfg.HandshakeTimeout}
	conn, resp, err := d.DialContext(ctx, g.cfg.URL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", g.cfg.URL, ErrUnknownSession)
		}
		return nil, err
	}
	return conn, nil
}

func (g *Guest) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		g.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		g.writeMu.Unlock()
		_ = conn.Close()
	})
	defer stop()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		env, err := ParseEnvelope(msg)
		if err != nil {
			g.logger.Debug("ignoring host frame", "error", err)
			continue
		}

		switch env.Type {
		case TypeStateInit, TypeSnapshot:
			m, err := ParseSnapshot(env.Data)
			if err != nil {
				g.logger.Warn("dropping snapshot", "error", err)
				continue
			}
			if g.onState != nil {
				g.onState(m)
			}

		case TypeCallOffer:
			if g.onOffer == nil {
				g.logger.Info("ignoring call offer (media disabled)")
				continue
			}
			offer, err := parseSignal(env.Data)
			if err != nil {
				g.logger.Warn("bad call_offer", "error", err)
				continue
			}
			// Answering gathers ICE candidates; keep reading snapshots meanwhile.
			go g.answer(ctx, conn, offer)

		default:
			g.logger.Debug("ignoring host frame", "type", env.Type)
		}
	}
}

func (g *Guest) answer(ctx context.Context, conn *websocket.Conn, offer CallSignal) {
	ans, err := g.onOffer(ctx, offer)
	if err != nil {
		g.logger.Warn("media call failed", "error", err)
		return
	}
	msg, err := Marshal(TypeCallAnswer, ans, time.Now())
	if err != nil {
		g.logger.Warn("media answer marshal failed", "error", err)
		return
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		g.logger.Warn("media answer send failed", "error", err)
	}
}

// SessionURL builds the URL a guest dials for a host address and session id.
func SessionURL(hostAddr, sessionID string) string {
	u := url.URL{Scheme: "ws", Host: hostAddr, Path: SessionPath + url.PathEscape(sessionID)}
	return u.String()
}

// ResolveTarget turns what an operator typed (a full ws:// or http:// URL,
// or a bare session id) into a session URL.
func ResolveTarget(target, defaultHost string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", errors.New("empty session id")
	}
	if !strings.Contains(target, "://") {
		if strings.ContainsAny(target, "/?#") {
			return "", fmt.Errorf("invalid session id %q", target)
		}
		return SessionURL(defaultHost, target), nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid session url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid session url scheme %q", u.Scheme)
	}
	if !strings.HasPrefix(u.Path, SessionPath) || len(u.Path) == len(SessionPath) {
		return "", fmt.Errorf("session url must have path %s<id>", SessionPath)
	}
	return u.String(), nil
}
