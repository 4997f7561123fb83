package client

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/ebikelink/internal/state"
	"github.com/srg/ebikelink/internal/wire"
)

type fakeSender struct {
	mu        sync.Mutex
	sent      []string
	sendErr   error
	board     *state.Board
	connected bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{board: state.NewBoard()}
}

func (f *fakeSender) Send(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) Board() *state.Board { return f.board }

func (f *fakeSender) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSender) sentFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func runLines(t *testing.T, s *Session, lines ...string) {
	t.Helper()
	for _, line := range lines {
		require.False(t, s.Execute(context.Background(), line), "line %q must not end the session", line)
	}
}

func TestSessionStageAndSend(t *testing.T) {
	sender := newFakeSender()
	var out bytes.Buffer
	s := NewSession(sender, &out)

	runLines(t, s,
		"set pas 2",
		"set speed 27.5",
		"set range 41",
		"set dist 120.25",
		"send",
	)

	frames := sender.sentFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, "2,27.5,41,120.25", frames[0])
}

func TestSessionSendUsesMinimalFloatFormat(t *testing.T) {
	sender := newFakeSender()
	s := NewSession(sender, &bytes.Buffer{})

	runLines(t, s, "set speed 7", "send")

	frames := sender.sentFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, ",7,0,0", frames[0], "floats must render without trailing zeros")
}

func TestSessionSendDefaults(t *testing.T) {
	sender := newFakeSender()
	s := NewSession(sender, &bytes.Buffer{})

	runLines(t, s, "send")

	frames := sender.sentFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, ",0,0,0", frames[0])
}

func TestSessionTxSendsRawText(t *testing.T) {
	sender := newFakeSender()
	var out bytes.Buffer
	s := NewSession(sender, &out)

	runLines(t, s, "tx pas:2,speed:25")

	frames := sender.sentFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, "pas:2,speed:25", frames[0])
	assert.Contains(t, out.String(), "sent 14 bytes")
}

func TestSessionFieldsOutput(t *testing.T) {
	sender := newFakeSender()
	var out bytes.Buffer
	s := NewSession(sender, &out)

	runLines(t, s, "set pas eco", "set speed 27.5", "set range 41", "fields")

	assert.Equal(t, "pas    eco\nspeed  27.5\nrange  41\ndist   0\n", out.String())
}

func TestSessionPasAllowsSpaces(t *testing.T) {
	sender := newFakeSender()
	s := NewSession(sender, &bytes.Buffer{})

	runLines(t, s, "set pas boost 2", "send")

	frames := sender.sentFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, "boost 2,0,0,0", frames[0])
}

func TestSessionFailuresAreNotFatal(t *testing.T) {
	sender := newFakeSender()
	sender.sendErr = ErrTimeout
	var out bytes.Buffer
	s := NewSession(sender, &out)

	runLines(t, s,
		"tx hello",
		"set speed banana",
		"set gear 3",
		"set",
		"frobnicate",
	)

	text := out.String()
	assert.Contains(t, text, "send failed: timeout")
	assert.Contains(t, text, `invalid number "banana"`)
	assert.Contains(t, text, `unknown field "gear"`)
	assert.Contains(t, text, "usage: set pas|speed|range|dist <value>")
	assert.Contains(t, text, `unknown command "frobnicate"`)
}

func TestSessionQuit(t *testing.T) {
	s := NewSession(newFakeSender(), &bytes.Buffer{})

	assert.True(t, s.Execute(context.Background(), "quit"))
	assert.True(t, s.Execute(context.Background(), "exit"))
	assert.True(t, s.Execute(context.Background(), "QUIT"))
	assert.False(t, s.Execute(context.Background(), ""))
	assert.False(t, s.Execute(context.Background(), "   "))
}

func TestSessionHelp(t *testing.T) {
	var out bytes.Buffer
	s := NewSession(newFakeSender(), &out)

	runLines(t, s, "help")

	assert.Contains(t, out.String(), "tx <text>")
	assert.Contains(t, out.String(), "pas,speed,range,dist")
}

func TestSessionWaitBlocksForTelemetry(t *testing.T) {
	sender := newFakeSender()
	var out bytes.Buffer
	s := NewSession(sender, &out)

	go func() {
		time.Sleep(20 * time.Millisecond)
		sender.board.SetConnected(true)
		time.Sleep(20 * time.Millisecond)
		sender.board.SetField(wire.FieldVoltage, 42.0)
	}()

	start := time.Now()
	runLines(t, s, "wait")

	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Contains(t, out.String(), "link ready")
}

func TestSessionWaitAborts(t *testing.T) {
	sender := newFakeSender()
	var out bytes.Buffer
	s := NewSession(sender, &out)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	require.False(t, s.Execute(ctx, "wait"))
	assert.Contains(t, out.String(), "wait aborted")
}
