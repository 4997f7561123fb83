package node

import (
	"sync"

	"github.com/srg/ebikelink/internal/metrics"
	"github.com/srg/ebikelink/internal/ringchan"
	"github.com/srg/ebikelink/internal/sensor"
	"github.com/srg/ebikelink/internal/state"
	"github.com/srg/ebikelink/internal/wire"
)

// notifyQueueDepth bounds each notify session's backlog. A session that
// falls behind loses old frames, never fresh ones.
const notifyQueueDepth = 8

// publisher mirrors each sample into the board and fans the encoded
// per-field frames out to every live notify session.
type publisher struct {
	board   *state.Board
	metrics *metrics.Metrics

	mu   sync.Mutex
	subs map[wire.Field]map[*ringchan.Ring[[]byte]]struct{}
}

func newPublisher(board *state.Board, m *metrics.Metrics) *publisher {
	subs := make(map[wire.Field]map[*ringchan.Ring[[]byte]]struct{}, len(wire.Fields()))
	for _, f := range wire.Fields() {
		subs[f] = make(map[*ringchan.Ring[[]byte]]struct{})
	}
	return &publisher{board: board, metrics: m, subs: subs}
}

// subscribe registers a fresh ring for one notify session.
func (p *publisher) subscribe(f wire.Field) *ringchan.Ring[[]byte] {
	r := ringchan.New[[]byte](notifyQueueDepth)
	p.mu.Lock()
	p.subs[f][r] = struct{}{}
	p.mu.Unlock()
	p.metrics.SubscriberAdded()
	return r
}

func (p *publisher) unsubscribe(f wire.Field, r *ringchan.Ring[[]byte]) {
	p.mu.Lock()
	delete(p.subs[f], r)
	p.mu.Unlock()
	p.metrics.SubscriberRemoved()
}

// publish derives the battery estimate, updates the board in one write,
// and enqueues encoded frames. Ring sends never block, so holding the
// registry lock across the fan-out is safe.
func (p *publisher) publish(s sensor.Sample) {
	tel := state.Telemetry{
		Voltage:     s.Volts,
		Current:     s.Amps,
		Power:       s.Watts,
		Temperature: s.Celsius,
		Battery:     sensor.BatteryPercent(s.Volts),
	}
	p.board.SetTelemetry(tel)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range wire.Fields() {
		if len(p.subs[f]) == 0 {
			continue
		}
		buf := wire.Encode(f, tel.Value(f))
		for r := range p.subs[f] {
			r.Send(buf)
		}
		p.metrics.SamplePublished(f.String())
	}
}
