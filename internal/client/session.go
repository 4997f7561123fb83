package client

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/ebikelink/internal/state"
)

// Sender is the slice of Link a Session drives. Narrowed for tests.
type Sender interface {
	Send(text string) error
	Board() *state.Board
	IsConnected() bool
}

// Session is the line-oriented command surface behind the interactive
// terminal. It stages the four display fields locally and transmits them as
// one CSV frame, the same shape the display head unit sends.
//
// Sessions are not safe for concurrent Execute calls; the terminal drives
// one line at a time.
type Session struct {
	link Sender
	out  io.Writer

	pas   string
	speed float64
	rng   float64
	dist  float64
}

// NewSession creates a session writing command output to out.
func NewSession(link Sender, out io.Writer) *Session {
	return &Session{link: link, out: out}
}

const sessionHelp = `commands:
  tx <text>                  send raw text to the command channel
  set pas <text>             stage the assist level (free text)
  set speed|range|dist <num> stage a numeric display field
  send                       transmit staged fields as "pas,speed,range,dist"
  fields                     show staged fields
  wait                       block until connected and telemetry arrives
  help                       this text
  quit                       leave the session
`

// Execute runs one input line and reports whether the session should end.
// Failures are rendered to the session output; they never terminate the loop.
func (s *Session) Execute(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	verb, rest := line, ""
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		verb, rest = line[:i], strings.TrimSpace(line[i+1:])
	}

	switch strings.ToLower(verb) {
	case "quit", "exit":
		return true
	case "help":
		fmt.Fprint(s.out, sessionHelp)
	case "tx":
		s.transmit(rest)
	case "set":
		s.set(rest)
	case "send":
		s.transmit(s.frame())
	case "fields":
		s.printFields()
	case "wait":
		s.wait(ctx)
	default:
		fmt.Fprintf(s.out, "unknown command %q (try help)\n", verb)
	}
	return false
}

func (s *Session) transmit(payload string) {
	if err := s.link.Send(payload); err != nil {
		fmt.Fprintf(s.out, "send failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "sent %d bytes\n", len(payload))
}

func (s *Session) set(args string) {
	name, value := args, ""
	if i := strings.IndexAny(args, " \t"); i >= 0 {
		name, value = args[:i], strings.TrimSpace(args[i+1:])
	}
	if name == "" || value == "" {
		fmt.Fprintln(s.out, "usage: set pas|speed|range|dist <value>")
		return
	}

	var target *float64
	switch strings.ToLower(name) {
	case "pas":
		s.pas = value
		return
	case "speed":
		target = &s.speed
	case "range":
		target = &s.rng
	case "dist":
		target = &s.dist
	default:
		fmt.Fprintf(s.out, "unknown field %q (pas, speed, range, dist)\n", name)
		return
	}

	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		fmt.Fprintf(s.out, "invalid number %q\n", value)
		return
	}
	*target = v
}

func (s *Session) printFields() {
	om := orderedmap.New[string, string]()
	om.Set("pas", s.pas)
	om.Set("speed", formatFloat(s.speed))
	om.Set("range", formatFloat(s.rng))
	om.Set("dist", formatFloat(s.dist))
	for pair := om.Oldest(); pair != nil; pair = pair.Next() {
		fmt.Fprintf(s.out, "%-6s %s\n", pair.Key, pair.Value)
	}
}

// wait blocks until the link reports connected and one further board change
// lands, which on a live link is the next decoded notification.
func (s *Session) wait(ctx context.Context) {
	board := s.link.Board()
	snap := board.Snapshot()
	for !snap.Connected {
		var err error
		snap, err = board.WaitChange(ctx, snap.Seq)
		if err != nil {
			fmt.Fprintf(s.out, "wait aborted: %v\n", err)
			return
		}
	}
	if _, err := board.WaitChange(ctx, snap.Seq); err != nil {
		fmt.Fprintf(s.out, "wait aborted: %v\n", err)
		return
	}
	fmt.Fprintln(s.out, "link ready")
}

// frame renders the staged fields as the display head unit's CSV frame.
func (s *Session) frame() string {
	return s.pas + "," + formatFloat(s.speed) + "," + formatFloat(s.rng) + "," + formatFloat(s.dist)
}

// formatFloat renders a float with the fewest digits that round-trip.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
