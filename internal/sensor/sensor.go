// Package sensor produces the power telemetry the link broadcasts: pack
// voltage, current, power and controller temperature. The INA228 driver
// reads real hardware over i2c-dev; SimSource generates plausible values
// for bench work without a board attached.
package sensor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Default pacing for the telemetry poll loop.
const (
	DefaultPollInterval  = time.Second
	DefaultRetryInterval = 500 * time.Millisecond
)

// Sample is one telemetry reading from the power monitor.
type Sample struct {
	Volts   float64 // bus voltage at the pack
	Amps    float64 // signed, negative while regenerating
	Watts   float64
	Celsius float64 // die temperature of the monitor
}

// Source produces telemetry samples. Implementations must be safe to call
// from a single goroutine; the Poller never reads concurrently.
type Source interface {
	Read(ctx context.Context) (Sample, error)
	Close() error
}

// SampleFunc receives each successful reading. Implementations must not
// block; slow consumers belong behind a ring.
type SampleFunc func(Sample)

// Poller reads a Source at a fixed cadence and hands every successful
// sample to the sink. Read failures are logged and retried at a shorter
// interval so a transient bus error does not leave a gap in telemetry
// longer than necessary.
type Poller struct {
	source   Source
	sink     SampleFunc
	logger   *logrus.Logger
	interval time.Duration
	retry    time.Duration
}

// NewPoller wires a source to a sink with default pacing.
func NewPoller(source Source, sink SampleFunc, logger *logrus.Logger) *Poller {
	return &Poller{
		source:   source,
		sink:     sink,
		logger:   logger,
		interval: DefaultPollInterval,
		retry:    DefaultRetryInterval,
	}
}

// SetIntervals overrides the poll and retry cadence. Zero values keep the
// current setting.
func (p *Poller) SetIntervals(poll, retry time.Duration) {
	if poll > 0 {
		p.interval = poll
	}
	if retry > 0 {
		p.retry = retry
	}
}

// Run polls until ctx is cancelled. It performs one immediate read so
// subscribers see telemetry without waiting a full interval.
func (p *Poller) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		sample, err := p.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.WithError(err).Warn("telemetry read failed, retrying")
			timer.Reset(p.retry)
			continue
		}

		p.sink(sample)
		timer.Reset(p.interval)
	}
}
