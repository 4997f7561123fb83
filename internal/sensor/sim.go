package sensor

import (
	"context"
	"math"
)

// SimSource is a deterministic stand-in for the power monitor. Each Read
// advances an internal tick and returns smoothly varying values shaped
// like a real ride: the pack drains slowly while current swings with
// pedal effort. Useful on machines without an I2C bus or a bike.
type SimSource struct {
	tick int
}

// NewSimSource returns a simulated source starting from a full pack.
func NewSimSource() *SimSource {
	return &SimSource{}
}

// Read returns the next simulated sample. It never fails.
func (s *SimSource) Read(_ context.Context) (Sample, error) {
	t := float64(s.tick)
	s.tick++

	// Drain roughly 1 V per 20 minutes of ticks, floor at the cutoff.
	volts := PackFullVolts - t/1200.0
	if volts < PackEmptyVolts {
		volts = PackEmptyVolts
	}

	amps := 3.0 + 2.5*math.Sin(t/9.0)
	return Sample{
		Volts:   volts,
		Amps:    amps,
		Watts:   volts * amps,
		Celsius: 24.0 + 4.0*math.Sin(t/97.0),
	}, nil
}

// Close is a no-op.
func (s *SimSource) Close() error { return nil }
