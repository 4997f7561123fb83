// Package node implements the bike-side GATT server. It samples the power
// monitor, streams encoded telemetry to the subscribed head unit, applies
// display commands written to the RX characteristic, and keeps the radio
// advertising so a rebooted head unit can find its way back.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/ebikelink/internal/admission"
	"github.com/srg/ebikelink/internal/dev"
	"github.com/srg/ebikelink/internal/groutine"
	"github.com/srg/ebikelink/internal/metrics"
	"github.com/srg/ebikelink/internal/sensor"
	"github.com/srg/ebikelink/internal/state"
	"github.com/srg/ebikelink/internal/wire"
)

// Config assembles a Node. Source is required; everything else has a
// working default.
type Config struct {
	Name          string // advertised device name, defaults to wire.DeviceName
	Source        sensor.Source
	PollInterval  time.Duration
	RetryInterval time.Duration

	// CommandSink observes every accepted display command after it is
	// merged into the board. Must not block.
	CommandSink func(wire.Command)

	// Metrics is optional; nil records nothing.
	Metrics *metrics.Metrics

	Logger *logrus.Logger
}

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Node owns the GATT service, the admission gate and the telemetry loop.
type Node struct {
	cfg    Config
	logger *logrus.Logger
	board  *state.Board
	gate   *admission.Gate
	pub    *publisher

	// runCtx parents the watcher goroutines spawned from GATT handlers.
	// Set once in Run before the service is registered.
	runCtx context.Context

	connMu    sync.Mutex
	ownerConn ble.Conn
}

// New validates the config and prepares a Node. Run does the radio work.
func New(cfg Config) (*Node, error) {
	if cfg.Source == nil {
		return nil, errors.New("node: telemetry source is required")
	}
	if cfg.Name == "" {
		cfg.Name = wire.DeviceName
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger
	}

	board := state.NewBoard()
	return &Node{
		cfg:    cfg,
		logger: cfg.Logger,
		board:  board,
		gate:   admission.NewGate(),
		pub:    newPublisher(board, cfg.Metrics),
	}, nil
}

// Board exposes the live state mirror for status display.
func (n *Node) Board() *state.Board {
	return n.board
}

// Owner reports the adopted head unit, if one has connected yet.
func (n *Node) Owner() (admission.Peer, bool) {
	return n.gate.Owner()
}

// Run opens the BLE transport, registers the service and blocks
// advertising until ctx is cancelled. The telemetry poller runs for the
// same span; Run returns only after it has stopped.
func (n *Node) Run(ctx context.Context) error {
	device, err := dev.InitDefault()
	if err != nil {
		return err
	}
	defer func() {
		if err := device.Stop(); err != nil {
			n.logger.WithError(err).Warn("failed to stop BLE device")
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	n.runCtx = runCtx

	if err := ble.AddService(n.buildService()); err != nil {
		return fmt.Errorf("node: register GATT service: %w", err)
	}

	var wg sync.WaitGroup
	poller := sensor.NewPoller(n.cfg.Source, n.pub.publish, n.logger)
	poller.SetIntervals(n.cfg.PollInterval, n.cfg.RetryInterval)
	groutine.GoWG(runCtx, &wg, "telemetry-poller", poller.Run)

	n.logger.WithFields(logrus.Fields{
		"name":    n.cfg.Name,
		"service": wire.ServiceUUID.String(),
	}).Info("advertising telemetry service")

	n.advertiseLoop(runCtx)

	cancel()
	wg.Wait()
	return nil
}

// admit enforces single-owner access at every characteristic entry point.
// Rejected centrals are disconnected outright rather than served errors;
// a stranger gets no partial view of the link.
func (n *Node) admit(req ble.Request) bool {
	conn := req.Conn()
	peer := admission.PeerFromString(conn.RemoteAddr().String())
	decision := n.gate.Admit(peer)
	if !decision.Accepted() {
		n.cfg.Metrics.PeerRejected()
		n.logger.WithFields(logrus.Fields{
			"peer":     peer.String(),
			"decision": decision.String(),
		}).Warn("dropping non-owner central")
		if err := conn.Close(); err != nil {
			n.logger.WithError(err).Debug("close rejected connection")
		}
		return false
	}
	if decision == admission.Elected {
		n.logger.WithField("peer", peer.String()).Info("head unit adopted")
	}
	n.trackOwner(conn)
	return true
}

// trackOwner follows the owner's current connection and flips the board's
// link flag on disconnect. Reconnects replace the tracked conn; the stale
// watcher sees it is no longer current and leaves the flag alone.
func (n *Node) trackOwner(conn ble.Conn) {
	n.connMu.Lock()
	if n.ownerConn == conn {
		n.connMu.Unlock()
		return
	}
	n.ownerConn = conn
	n.connMu.Unlock()
	n.board.SetConnected(true)

	groutine.Go(n.runCtx, "owner-link-watch", func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case <-conn.Disconnected():
			n.connMu.Lock()
			current := n.ownerConn == conn
			if current {
				n.ownerConn = nil
			}
			n.connMu.Unlock()
			if current {
				n.board.SetConnected(false)
				n.logger.Info("head unit link lost")
			}
		}
	})
}

// applyCommand interprets an RX payload and merges it into the board.
func (n *Node) applyCommand(data []byte) wire.Command {
	n.cfg.Metrics.WriteReceived()
	cmd := wire.Interpret(data)
	n.board.Merge(cmd)
	n.logger.WithFields(logrus.Fields{
		"pas":   cmd.Pas,
		"speed": cmd.Speed.Value,
		"range": cmd.Range.Value,
	}).Debug("display command applied")
	if n.cfg.CommandSink != nil {
		n.cfg.CommandSink(cmd)
	}
	return cmd
}

// readTelemetry encodes the latest value of one field for a GATT read.
func (n *Node) readTelemetry(f wire.Field) []byte {
	return wire.Encode(f, n.board.Snapshot().Value(f))
}
