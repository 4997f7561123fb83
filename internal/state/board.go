// Package state holds the shared application state of the link: the
// blackboard written by the telemetry and command paths and read by
// renderers and the operator surface.
//
// Writer roles are fixed: the telemetry path owns the five sensor fields,
// the command path owns pas/speed/range/dist, and connection tracking owns
// the connected flag. Readers always take a whole-board snapshot; the board
// mutex is held only for the duration of a field write or the snapshot
// copy, never across I/O.
package state

import (
	"context"
	"sync"

	"github.com/srg/ebikelink/internal/wire"
)

// Telemetry is one tick's worth of sensor-side values.
type Telemetry struct {
	Voltage     float64
	Current     float64
	Power       float64
	Temperature float64
	Battery     float64
}

// Snapshot is a consistent copy of the whole board. Seq increases by one on
// every write, so two equal Seq values mean the board has not changed in
// between.
type Snapshot struct {
	Telemetry

	Pas   string
	Speed float64
	Range float64
	Dist  float64

	Connected bool
	Seq       uint64
}

// Board is the blackboard. The zero value is not usable; construct with
// NewBoard.
type Board struct {
	mu      sync.Mutex
	snap    Snapshot
	changed chan struct{}
}

// NewBoard returns an empty board.
func NewBoard() *Board {
	return &Board{changed: make(chan struct{})}
}

// SetTelemetry replaces all five sensor fields in one write. Telemetry-path
// writer only.
func (b *Board) SetTelemetry(t Telemetry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snap.Telemetry = t
	b.bump()
}

// Value returns the reading for a sensor field, 0 for unknown fields.
func (t Telemetry) Value(f wire.Field) float64 {
	switch f {
	case wire.FieldVoltage:
		return t.Voltage
	case wire.FieldCurrent:
		return t.Current
	case wire.FieldPower:
		return t.Power
	case wire.FieldBattery:
		return t.Battery
	case wire.FieldTemperature:
		return t.Temperature
	default:
		return 0
	}
}

// SetField replaces a single sensor field. Used by the client side, where
// each characteristic notification arrives independently.
func (b *Board) SetField(f wire.Field, v float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch f {
	case wire.FieldVoltage:
		b.snap.Voltage = v
	case wire.FieldCurrent:
		b.snap.Current = v
	case wire.FieldPower:
		b.snap.Power = v
	case wire.FieldBattery:
		b.snap.Battery = v
	case wire.FieldTemperature:
		b.snap.Temperature = v
	default:
		return
	}
	b.bump()
}

// Merge applies an interpreted command. Pas is always written; the numeric
// fields are written only when the winning framing produced them, so fields
// a payload did not carry keep their previous values. Command-path writer
// only.
func (b *Board) Merge(cmd wire.Command) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snap.Pas = cmd.Pas
	if cmd.Speed.Set {
		b.snap.Speed = cmd.Speed.Value
	}
	if cmd.Range.Set {
		b.snap.Range = cmd.Range.Value
	}
	if cmd.Dist.Set {
		b.snap.Dist = cmd.Dist.Value
	}
	b.bump()
}

// SetConnected records link state. Connection-tracking writer only.
func (b *Board) SetConnected(connected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snap.Connected == connected {
		return
	}
	b.snap.Connected = connected
	b.bump()
}

// Snapshot returns a consistent copy of the board.
func (b *Board) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap
}

// WaitChange blocks until the board's sequence number exceeds fromSeq, then
// returns the snapshot that satisfied the wait. Pass the Seq of a previous
// snapshot to wait for the next write after it, or 0 to wait for the first
// write ever.
func (b *Board) WaitChange(ctx context.Context, fromSeq uint64) (Snapshot, error) {
	for {
		b.mu.Lock()
		if b.snap.Seq > fromSeq {
			snap := b.snap
			b.mu.Unlock()
			return snap, nil
		}
		ch := b.changed
		b.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	}
}

// bump advances the sequence number and wakes waiters. Callers hold b.mu.
func (b *Board) bump() {
	b.snap.Seq++
	close(b.changed)
	b.changed = make(chan struct{})
}
