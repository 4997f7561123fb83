// Package console provides the line-oriented input loop behind the
// interactive terminal. Input is pumped off the file descriptor with
// poll-based reads so the loop stays cancellable, buffered through a byte
// ring, and dispatched to a handler one line at a time.
//
// The poll timeout bounds how long the pump waits for input before checking
// context cancellation; the default suits interactive use.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/ebikelink/internal/groutine"
)

const (
	// DefaultPollTimeoutMs is the poll timeout for the input pump. It caps
	// shutdown latency after context cancellation.
	DefaultPollTimeoutMs = 50

	// DefaultRingCap is the input ring capacity. Keystrokes arriving while
	// the handler blocks accumulate here; overflow is dropped and counted.
	DefaultRingCap = 4096
)

// LineHandler consumes one input line. Returning true ends the loop.
type LineHandler func(line string) bool

// Stats provides runtime counters useful for monitoring.
type Stats struct {
	ReadBytesTotal uint64
	DroppedBytes   uint64 // bytes lost to input ring overflow
	BufferLen      int
	BufferCap      int
}

// Options configures a Console. Zero values use the defaults above.
type Options struct {
	Prompt        string
	RingCap       int
	PollTimeoutMs int
	Logger        *logrus.Logger
}

// Console reads lines from a file descriptor and hands them to a LineHandler.
// The prompt is only rendered when the input is a terminal, so piped input
// stays clean.
type Console struct {
	in            *os.File
	out           io.Writer
	logger        *logrus.Logger
	prompt        string
	interactive   bool
	pollTimeoutMs int

	ring *ringbuffer.RingBuffer

	readBytes uint64
	dropped   uint64
}

// noopLogger discards all output. Shared so consoles without a logger don't
// allocate one each.
var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// New creates a console reading from in and writing prompts to out.
func New(in *os.File, out io.Writer, opts Options) *Console {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger
	}
	ringCap := opts.RingCap
	if ringCap <= 0 {
		ringCap = DefaultRingCap
	}
	pollTimeout := opts.PollTimeoutMs
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeoutMs
	}
	return &Console{
		in:            in,
		out:           out,
		logger:        logger,
		prompt:        opts.Prompt,
		interactive:   term.IsTerminal(int(in.Fd())),
		pollTimeoutMs: pollTimeout,
		ring:          ringbuffer.New(ringCap),
	}
}

// Interactive reports whether the console input is a terminal.
func (c *Console) Interactive() bool { return c.interactive }

// Stats returns instantaneous counters for monitoring.
func (c *Console) Stats() Stats {
	return Stats{
		ReadBytesTotal: atomic.LoadUint64(&c.readBytes),
		DroppedBytes:   atomic.LoadUint64(&c.dropped),
		BufferLen:      c.ring.Length(),
		BufferCap:      c.ring.Capacity(),
	}
}

// Run pumps input until the handler asks to stop, the input reaches EOF, or
// ctx is cancelled. Lines are dispatched on the calling goroutine, so the
// handler never needs its own locking. Returns nil on quit or EOF and
// ctx.Err() on cancellation.
func (c *Console) Run(ctx context.Context, handle LineHandler) error {
	runCtx, cancel := context.WithCancel(ctx)

	notify := make(chan struct{}, 1)
	eof := make(chan struct{})
	var wg sync.WaitGroup
	groutine.GoWG(runCtx, &wg, "console-read-loop", func(ctx context.Context) {
		c.readLoop(ctx, notify, eof)
	})
	// The pump only exits on cancellation or EOF, so cancel before waiting.
	defer func() {
		cancel()
		wg.Wait()
	}()

	var partial []byte
	prevCR := false
	buf := make([]byte, 256)

	c.writePrompt()
	for {
		select {
		case <-runCtx.Done():
			return runCtx.Err()
		case <-notify:
			if quit := c.consume(buf, &partial, &prevCR, handle); quit {
				return nil
			}
		case <-eof:
			if quit := c.consume(buf, &partial, &prevCR, handle); quit {
				return nil
			}
			if len(partial) > 0 {
				handle(string(partial))
			}
			return nil
		}
	}
}

// consume drains the ring and dispatches every complete line. Reports whether
// the handler asked to stop.
func (c *Console) consume(buf []byte, partial *[]byte, prevCR *bool, handle LineHandler) bool {
	for {
		n, err := c.ring.TryRead(buf)
		if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
			return false
		}
		for _, b := range buf[:n] {
			switch {
			case b == '\r':
				*prevCR = true
			case b == '\n':
				if *prevCR {
					*prevCR = false
					continue
				}
			default:
				*prevCR = false
				*partial = append(*partial, b)
				continue
			}

			line := string(*partial)
			*partial = (*partial)[:0]
			if handle(line) {
				return true
			}
			c.writePrompt()
		}
	}
}

func (c *Console) writePrompt() {
	if c.prompt == "" || !c.interactive {
		return
	}
	fmt.Fprint(c.out, c.prompt)
}

// readLoop pumps bytes from the input fd into the ring. It closes eof when
// the input ends and returns silently on context cancellation.
func (c *Console) readLoop(ctx context.Context, notify chan<- struct{}, eof chan<- struct{}) {
	fd := int(c.in.Fd())
	pollFd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		nReady, err := unix.Poll(pollFd, c.pollTimeoutMs)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			c.logger.WithError(err).Warn("console poll failed")
			close(eof)
			return
		}
		if nReady == 0 {
			continue
		}

		n, err := c.in.Read(buf)
		if n > 0 {
			written, werr := c.ring.Write(buf[:n])
			if werr != nil && !errors.Is(werr, ringbuffer.ErrIsFull) {
				c.logger.WithError(werr).Warn("console buffer write failed")
			}
			if written < n {
				atomic.AddUint64(&c.dropped, uint64(n-written))
				c.logger.WithField("bytes", n-written).Warn("console input overflow, dropping input")
			}
			atomic.AddUint64(&c.readBytes, uint64(written))
			select {
			case notify <- struct{}{}:
			default:
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, syscall.EINTR), errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK):
				continue
			case errors.Is(err, io.EOF), errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed):
				close(eof)
				return
			case errors.Is(err, syscall.EIO):
				// a PTY reports EIO once the master side is gone
				close(eof)
				return
			default:
				c.logger.WithError(err).Warn("console read failed")
				close(eof)
				return
			}
		}
	}
}

// Width reports the column count of f's terminal, or fallback when f is not
// a terminal.
func Width(f *os.File, fallback int) int {
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil || w <= 0 {
		return fallback
	}
	return w
}

// OpenPTY allocates a pseudo-terminal pair with the tty side in raw mode.
// The caller drives the master end and hands the tty end to a Console; both
// files belong to the caller.
func OpenPTY() (master, tty *os.File, err error) {
	master, tty, err = pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open PTY (check permissions and available PTY devices): %w", err)
	}
	if _, err := term.MakeRaw(int(tty.Fd())); err != nil {
		_ = master.Close()
		_ = tty.Close()
		return nil, nil, fmt.Errorf("failed to set PTY %s to raw mode: %w", tty.Name(), err)
	}
	return master, tty, nil
}
