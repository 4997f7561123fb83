package console

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lineRecorder struct {
	mu     sync.Mutex
	lines  []string
	stopOn string
}

func (r *lineRecorder) handle(line string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	return r.stopOn != "" && line == r.stopOn
}

func (r *lineRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func startConsole(t *testing.T, c *Console, rec *lineRecorder) chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background(), rec.handle) }()
	return errCh
}

func waitDone(t *testing.T, errCh chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("console did not stop")
		return nil
	}
}

func TestConsoleDispatchesLines(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	c := New(r, io.Discard, Options{})
	rec := &lineRecorder{}
	errCh := startConsole(t, c, rec)

	_, err = w.WriteString("hello\nworld\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, waitDone(t, errCh))
	assert.Equal(t, []string{"hello", "world"}, rec.recorded())
}

func TestConsoleQuitStopsLoop(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Close()
		_ = w.Close()
	})

	c := New(r, io.Discard, Options{})
	rec := &lineRecorder{stopOn: "quit"}
	errCh := startConsole(t, c, rec)

	_, err = w.WriteString("first\nquit\nnever\n")
	require.NoError(t, err)

	require.NoError(t, waitDone(t, errCh))
	assert.Equal(t, []string{"first", "quit"}, rec.recorded())
}

func TestConsoleLineEndings(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	c := New(r, io.Discard, Options{})
	rec := &lineRecorder{}
	errCh := startConsole(t, c, rec)

	_, err = w.WriteString("one\r\ntwo\rthree\nfour")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, waitDone(t, errCh))
	assert.Equal(t, []string{"one", "two", "three", "four"}, rec.recorded(),
		"CRLF, bare CR, bare LF and a trailing partial line must all dispatch")
}

func TestConsoleCancellation(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Close()
		_ = w.Close()
	})

	c := New(r, io.Discard, Options{PollTimeoutMs: 10})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx, (&lineRecorder{}).handle) }()

	time.AfterFunc(30*time.Millisecond, cancel)

	err = waitDone(t, errCh)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConsoleStats(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Close()
		_ = w.Close()
	})

	c := New(r, io.Discard, Options{})
	rec := &lineRecorder{stopOn: "quit"}
	errCh := startConsole(t, c, rec)

	_, err = w.WriteString("12345\nquit\n")
	require.NoError(t, err)
	require.NoError(t, waitDone(t, errCh))

	stats := c.Stats()
	assert.EqualValues(t, 11, stats.ReadBytesTotal)
	assert.EqualValues(t, 0, stats.DroppedBytes)
	assert.Equal(t, DefaultRingCap, stats.BufferCap)
}

func TestConsolePipeIsNotInteractive(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Close()
		_ = w.Close()
	})

	var out bytes.Buffer
	c := New(r, &out, Options{Prompt: "> "})
	assert.False(t, c.Interactive())

	rec := &lineRecorder{stopOn: "quit"}
	errCh := startConsole(t, c, rec)
	_, err = w.WriteString("quit\n")
	require.NoError(t, err)
	require.NoError(t, waitDone(t, errCh))

	assert.Empty(t, out.String(), "prompt must not leak into piped output")
}

func TestConsoleOverPTY(t *testing.T) {
	master, tty, err := OpenPTY()
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = master.Close()
		_ = tty.Close()
	})

	c := New(tty, tty, Options{Prompt: "> ", PollTimeoutMs: 10})
	require.True(t, c.Interactive(), "a tty must be detected as interactive")

	var outMu sync.Mutex
	var out bytes.Buffer
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := master.Read(buf)
			if n > 0 {
				outMu.Lock()
				out.Write(buf[:n])
				outMu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()

	rec := &lineRecorder{stopOn: "quit"}
	errCh := startConsole(t, c, rec)

	_, err = master.WriteString("status\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.recorded()) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = master.WriteString("quit\n")
	require.NoError(t, err)
	require.NoError(t, waitDone(t, errCh))

	assert.Equal(t, []string{"status", "quit"}, rec.recorded())
	outMu.Lock()
	defer outMu.Unlock()
	assert.Contains(t, out.String(), "> ", "prompt must be rendered on the tty")
}
