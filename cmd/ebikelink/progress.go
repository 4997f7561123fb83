package main

import (
	"fmt"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter renders a single in-place status line with elapsed or
// remaining seconds, for the commands that block on the radio.
//
// Usage:
//
//	p := NewProgressPrinter(...)
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use: Start may be called at most once, and the
// instance cannot be restarted after Stop. Stop is safe to call repeatedly
// and from multiple goroutines; only the first call tears down the goroutine
// and clears the line.
type ProgressPrinter struct {
	prefix     string
	phase      atomic.Value        // current phase name
	stopPhases map[string]struct{} // phases that shut the printer down via Callback
	countdown  time.Duration       // zero counts up
	startTime  time.Time
	ticker     atomic.Pointer[time.Ticker]
	stop       chan struct{}
	done       chan struct{}
	started    atomic.Bool
}

// NewProgressPrinter creates a printer that counts up from zero elapsed
// seconds.
func NewProgressPrinter(prefix, phase string, stopPhases ...string) *ProgressPrinter {
	return newProgressPrinter(prefix, phase, 0, stopPhases)
}

// NewCountdownProgressPrinter creates a printer that counts down from
// duration and holds at zero once it elapses.
func NewCountdownProgressPrinter(prefix, phase string, duration time.Duration, stopPhases ...string) *ProgressPrinter {
	return newProgressPrinter(prefix, phase, duration, stopPhases)
}

func newProgressPrinter(prefix, phase string, countdown time.Duration, stopPhases []string) *ProgressPrinter {
	stopSet := make(map[string]struct{}, len(stopPhases))
	for _, p := range stopPhases {
		stopSet[p] = struct{}{}
	}
	p := &ProgressPrinter{
		prefix:     prefix,
		stopPhases: stopSet,
		countdown:  countdown,
	}
	p.phase.Store(phase)
	return p
}

// Start begins rendering in a background goroutine.
// Panics if called more than once on the same instance.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}

	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	p.startTime = time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	fmt.Printf("\r%s (%s...)   ", p.prefix, p.phase.Load().(string))
	go p.loop(ticker)
}

func (p *ProgressPrinter) loop(ticker *time.Ticker) {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			phase := p.phase.Load().(string)
			if _, isStopPhase := p.stopPhases[phase]; isStopPhase {
				return
			}
			p.render(phase)
		}
	}
}

func (p *ProgressPrinter) render(phase string) {
	elapsed := time.Since(p.startTime)
	if p.countdown > 0 {
		remaining := p.countdown - elapsed
		if remaining < 0 {
			remaining = 0
		}
		// Round to the nearest whole second so 3.7s reads as 4s.
		fmt.Printf("\r%s (%s %ds)   ", p.prefix, phase, int(remaining.Seconds()+0.5))
		return
	}
	if secs := int(elapsed.Seconds()); secs > 0 {
		fmt.Printf("\r%s (%s %ds)   ", p.prefix, phase, secs)
		return
	}
	fmt.Printf("\r%s (%s...)   ", p.prefix, phase)
}

// Callback returns a phase-change hook for the long-running operations.
// Reporting a stop phase stops the printer. Safe to call from any goroutine.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, isStopPhase := p.stopPhases[phase]; isStopPhase {
			p.Stop()
		}
	}
}

// Stop ends the display and clears the status line. Only the first call does
// the work.
func (p *ProgressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return // already stopped
	}

	ticker.Stop()
	close(p.stop)
	<-p.done

	fmt.Print(clearLineSequence)
}
