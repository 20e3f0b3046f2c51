package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"decksync/internal/hardware"
	"decksync/internal/replication"
)

// decksync-listen joins a host session as a silent guest and prints what it
// receives: either every frame, or only the controls that changed.
func main() {
	var (
		connect = flag.String("connect", "127.0.0.1:8787", "Host address used with a bare session id")
		raw     = flag.Bool("raw", false, "Print every frame as JSON instead of changes")
		timeout = flag.Int("timeout", 5000, "Handshake timeout in milliseconds")
	)
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: decksync-listen [-connect host:port] [-raw] SESSION-ID | SESSION-URL")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	url, err := replication.ResolveTarget(flag.Arg(0), *connect)
	if err != nil {
		log.Fatalf("invalid session: %v", err)
	}

	// Handle shutdown
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: time.Duration(*timeout) * time.Millisecond,
	}

	log.Printf("connecting to %s...", url)
	conn, resp, err := d.Dial(url, nil)
	if err != nil {
		if resp != nil {
			log.Fatalf("failed to connect: %v (HTTP %d)", err, resp.StatusCode)
		}
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()
	log.Printf("connected! (press Ctrl+C to exit)")

	// Message reading loop
	done := make(chan struct{})
	go func() {
		defer close(done)
		p := &printer{out: os.Stdout, raw: *raw}
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			if messageType != websocket.TextMessage {
				fmt.Printf("[BINARY] %d bytes\n", len(message))
				continue
			}
			p.handle(message)
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// printer tracks the last snapshot so it can print only what changed.
type printer struct {
	out  io.Writer
	raw  bool
	last *hardware.State
}

func (p *printer) handle(message []byte) {
	env, err := replication.ParseEnvelope(message)
	if err != nil {
		fmt.Fprintf(p.out, "[TEXT] %s\n", string(message))
		return
	}

	switch env.Type {
	case replication.TypeStateInit, replication.TypeSnapshot:
		m, err := replication.ParseSnapshot(env.Data)
		if err != nil {
			fmt.Fprintf(p.out, "[BAD %s] %v\n", env.Type, err)
			return
		}
		if p.raw {
			pretty, _ := json.MarshalIndent(m, "", "  ")
			fmt.Fprintf(p.out, "[%s]\n%s\n", env.Type, string(pretty))
			return
		}
		st := *hardware.NewState()
		if err := replication.Apply(&st, m); err != nil {
			fmt.Fprintf(p.out, "[BAD %s] %v\n", env.Type, err)
			return
		}
		if env.Type == replication.TypeStateInit || p.last == nil {
			fmt.Fprintf(p.out, "[INIT] deck1 %s | deck2 %s | xfade %d\n",
				deckLine(st.Deck1), deckLine(st.Deck2), st.XFade)
		} else {
			for _, line := range diff(*p.last, st) {
				fmt.Fprintln(p.out, line)
			}
		}
		p.last = &st

	case replication.TypeCallOffer:
		fmt.Fprintln(p.out, "[CALL] offer received (ignored)")

	default:
		fmt.Fprintf(p.out, "[%s] %s\n", env.Type, string(env.Data))
	}
}

func deckLine(d hardware.DeckState) string {
	return fmt.Sprintf("play=%t cue=%t vol=%d pitch=%d rot=%.3f", d.Playing, d.CueDown, d.Vol, d.Pitch, d.Rotation)
}

// diff lists changed controls. Rotation and levels move continuously and are
// only reported on coarse changes.
func diff(a, b hardware.State) []string {
	var out []string
	out = append(out, diffDeck("DECK1", a.Deck1, b.Deck1)...)
	out = append(out, diffDeck("DECK2", a.Deck2, b.Deck2)...)
	if a.XFade != b.XFade {
		out = append(out, fmt.Sprintf("[MIXER] xfade %d -> %d", a.XFade, b.XFade))
	}
	if math.Abs(a.Levels.L-b.Levels.L) >= 0.05 || math.Abs(a.Levels.R-b.Levels.R) >= 0.05 {
		out = append(out, fmt.Sprintf("[LEVELS] L %.2f R %.2f", b.Levels.L, b.Levels.R))
	}
	return out
}

func diffDeck(tag string, a, b hardware.DeckState) []string {
	var out []string
	if a.Playing != b.Playing {
		out = append(out, fmt.Sprintf("[%s] playing %t", tag, b.Playing))
	}
	if a.CueDown != b.CueDown {
		out = append(out, fmt.Sprintf("[%s] cue %t", tag, b.CueDown))
	}
	ints := []struct {
		name string
		a, b int
	}{
		{"trim", a.Trim, b.Trim},
		{"hi", a.Hi, b.Hi},
		{"mid", a.Mid, b.Mid},
		{"low", a.Low, b.Low},
		{"filter", a.Filter, b.Filter},
		{"vol", a.Vol, b.Vol},
		{"pitch", a.Pitch, b.Pitch},
	}
	for _, f := range ints {
		if f.a != f.b {
			out = append(out, fmt.Sprintf("[%s] %s %d -> %d", tag, f.name, f.a, f.b))
		}
	}
	if math.Abs(a.Rotation-b.Rotation) >= 0.1 {
		out = append(out, fmt.Sprintf("[%s] rotation %.3f", tag, b.Rotation))
	}
	return out
}
