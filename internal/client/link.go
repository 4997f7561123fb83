// Package client implements the central side of the telemetry link: device
// discovery, GATT subscription fan-in, command writes and the record
// collector consumed by the watch/bridge surfaces.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/ebikelink/internal/dev"
	"github.com/srg/ebikelink/internal/groutine"
	"github.com/srg/ebikelink/internal/state"
	"github.com/srg/ebikelink/internal/wire"
)

const (
	// DefaultScanWindow bounds a single discovery attempt before the scan is
	// retried against a fresh window.
	DefaultScanWindow = 5 * time.Second

	// DefaultSendTimeout bounds the wait for a single command write.
	DefaultSendTimeout = 5 * time.Second

	// preferredMTU is requested on connect so that command frames fit a
	// single ATT write. The peripheral may grant less.
	preferredMTU = 247
)

// gattClient is the slice of ble.Client the link uses. Narrowed so tests can
// substitute an in-process fake without a radio.
type gattClient interface {
	Addr() ble.Addr
	DiscoverProfile(force bool) (*ble.Profile, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	WriteCharacteristic(c *ble.Characteristic, v []byte, noRsp bool) error
	ExchangeMTU(rxMTU int) (txMTU int, err error)
	CancelConnection() error
	Disconnected() <-chan struct{}
}

// initTransport opens the platform BLE device on first use and installs it
// as the go-ble default, shared by every later dial in the process.
var initTransport = sync.OnceValue(func() error {
	_, err := dev.InitDefault()
	return err
})

// dial locates and connects to the peripheral. Tests replace it to inject a
// fake client.
var dial = func(ctx context.Context, cfg Config) (gattClient, error) {
	if err := initTransport(); err != nil {
		return nil, err
	}
	if cfg.Address != "" {
		return ble.Dial(ctx, ble.NewAddr(cfg.Address))
	}
	return ble.Connect(ctx, advFilter(cfg.Name))
}

// advFilter matches the sensor either by advertised name or by its service.
func advFilter(name string) ble.AdvFilter {
	return func(a ble.Advertisement) bool {
		if a.LocalName() == name {
			return true
		}
		for _, u := range a.Services() {
			if u.Equal(wire.ServiceUUID) {
				return true
			}
		}
		return false
	}
}

// Config parametrizes a Link.
type Config struct {
	// Name is the advertised local name to scan for. Defaults to the sensor's
	// standard name.
	Name string

	// Address, when set, dials the peer directly and skips discovery.
	Address string

	ScanWindow  time.Duration
	SendTimeout time.Duration

	// OnRecord, when set, receives every decoded telemetry update. Called
	// from the notification goroutine; must not block.
	OnRecord func(Record)

	Logger *logrus.Logger
}

// Link is the client end of the telemetry connection. It keeps the last
// decoded values on a state.Board and serializes command writes.
//
// All methods are safe for concurrent use.
type Link struct {
	cfg    Config
	logger *logrus.Logger
	board  *state.Board

	connMu    sync.RWMutex
	client    gattClient
	telemetry map[wire.Field]*ble.Characteristic
	command   *ble.Characteristic
	connected bool
	done      chan struct{}

	// writeMu serializes writes to the command characteristic.
	writeMu sync.Mutex
}

// New creates an unconnected Link.
func New(cfg Config) *Link {
	if cfg.Name == "" {
		cfg.Name = wire.DeviceName
	}
	if cfg.ScanWindow <= 0 {
		cfg.ScanWindow = DefaultScanWindow
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger()
	}
	return &Link{
		cfg:    cfg,
		logger: logger,
		board:  state.NewBoard(),
	}
}

func noopLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Board returns the blackboard mirroring the peripheral's last known values.
func (l *Link) Board() *state.Board { return l.board }

// IsConnected reports whether the link currently has a live connection.
func (l *Link) IsConnected() bool {
	l.connMu.RLock()
	defer l.connMu.RUnlock()
	return l.connected
}

// Peer returns the connected peripheral's address, or "" when not connected.
func (l *Link) Peer() string {
	l.connMu.RLock()
	defer l.connMu.RUnlock()
	if !l.connected {
		return ""
	}
	return l.client.Addr().String()
}

// Done returns a channel closed when the current connection ends, whether by
// loss or by Disconnect. Returns nil before the first successful Connect.
func (l *Link) Done() <-chan struct{} {
	l.connMu.RLock()
	defer l.connMu.RUnlock()
	return l.done
}

// Connect discovers the peripheral, resolves its characteristics and
// subscribes to every telemetry stream. Discovery is retried in ScanWindow
// slices until a peer is found or ctx is cancelled.
func (l *Link) Connect(ctx context.Context) error {
	if l.IsConnected() {
		return ErrAlreadyConnected
	}

	for {
		attempt, cancel := context.WithTimeout(ctx, l.cfg.ScanWindow)
		c, err := dial(attempt, l.cfg)
		expired := errors.Is(attempt.Err(), context.DeadlineExceeded)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("connect aborted: %w", ctx.Err())
			}
			if expired {
				l.logger.WithField("name", l.cfg.Name).Debug("peripheral not found, rescanning")
				continue
			}
			return fmt.Errorf("failed to connect to %q: %w", l.cfg.Name, err)
		}

		if err := l.attach(c); err != nil {
			_ = c.CancelConnection()
			return err
		}
		return nil
	}
}

// attach resolves the telemetry service on a fresh connection and brings the
// link up. On error the caller owns cancelling the connection.
func (l *Link) attach(c gattClient) error {
	if txMTU, err := c.ExchangeMTU(preferredMTU); err != nil {
		l.logger.WithError(err).Debug("MTU exchange failed, keeping default")
	} else {
		l.logger.WithField("mtu", txMTU).Debug("negotiated MTU")
	}

	profile, err := c.DiscoverProfile(true)
	if err != nil {
		return fmt.Errorf("failed to discover profile: %w", err)
	}

	svc := findService(profile, wire.ServiceUUID)
	if svc == nil {
		return &NotFoundError{Resource: "service", UUIDs: []string{wire.ServiceUUID.String()}}
	}

	telemetry := make(map[wire.Field]*ble.Characteristic, len(wire.Fields()))
	var command *ble.Characteristic
	for _, ch := range svc.Characteristics {
		if ch.UUID.Equal(wire.CommandUUID) {
			command = ch
			continue
		}
		for _, f := range wire.Fields() {
			if ch.UUID.Equal(f.UUID()) {
				telemetry[f] = ch
				break
			}
		}
	}
	if command == nil {
		return &NotFoundError{Resource: "characteristic", UUIDs: []string{wire.ServiceUUID.String(), wire.CommandUUID.String()}}
	}
	for _, f := range wire.Fields() {
		if telemetry[f] == nil {
			return &NotFoundError{Resource: "characteristic", UUIDs: []string{wire.ServiceUUID.String(), f.UUID().String()}}
		}
	}

	for _, f := range wire.Fields() {
		if err := c.Subscribe(telemetry[f], false, func(data []byte) {
			l.onNotify(f, data)
		}); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", f, err)
		}
	}

	done := make(chan struct{})

	l.connMu.Lock()
	if l.connected {
		l.connMu.Unlock()
		return ErrAlreadyConnected
	}
	l.client = c
	l.telemetry = telemetry
	l.command = command
	l.connected = true
	l.done = done
	l.connMu.Unlock()

	l.board.SetConnected(true)
	l.logger.WithField("peer", c.Addr().String()).Info("sensor link established")

	groutine.Go(context.Background(), "link-watch", func(context.Context) {
		select {
		case <-c.Disconnected():
			l.markLost(c)
		case <-done:
		}
	})
	return nil
}

func findService(p *ble.Profile, u ble.UUID) *ble.Service {
	for _, s := range p.Services {
		if s.UUID.Equal(u) {
			return s
		}
	}
	return nil
}

// onNotify decodes one telemetry notification into the board. Malformed
// payloads are reported and skipped; the subscription stays up.
func (l *Link) onNotify(f wire.Field, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithField("panic", r).Error("notification handler panicked")
		}
	}()

	v, err := wire.Decode(f, data)
	if err != nil {
		l.logger.WithError(err).WithField("field", f.String()).Warn("dropping malformed notification")
		return
	}
	l.board.SetField(f, v)
	if l.cfg.OnRecord != nil {
		// The transport reuses its notification buffer between callbacks.
		raw := make([]byte, len(data))
		copy(raw, data)
		l.cfg.OnRecord(Record{Time: time.Now(), Field: f, Value: v, Raw: raw})
	}
}

// Send writes one command frame to the peripheral's RX characteristic. Writes
// are serialized and bounded by SendTimeout; on timeout the write keeps
// running in the background and the link stays usable.
func (l *Link) Send(text string) error {
	return l.send(text, false)
}

// SendWithoutResponse writes text without waiting for the peripheral's ATT
// acknowledgement. The bounded wait still covers handing the frame to the
// transport.
func (l *Link) SendWithoutResponse(text string) error {
	return l.send(text, true)
}

func (l *Link) send(text string, noRsp bool) error {
	l.connMu.RLock()
	c, char, connected := l.client, l.command, l.connected
	l.connMu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	result := make(chan error, 1)
	go func() {
		l.writeMu.Lock()
		defer l.writeMu.Unlock()
		result <- c.WriteCharacteristic(char, []byte(text), noRsp)
	}()

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("failed to write command: %w", err)
		}
		return nil
	case <-time.After(l.cfg.SendTimeout):
		return fmt.Errorf("command write: %w", ErrTimeout)
	case <-l.Done():
		return ErrConnectionLost
	}
}

// Disconnect unsubscribes from all telemetry streams and releases the
// connection. Safe to call on an already-closed link.
func (l *Link) Disconnect() error {
	l.connMu.Lock()
	if !l.connected {
		l.connMu.Unlock()
		return nil
	}
	c := l.client
	telemetry := l.telemetry
	l.connMu.Unlock()

	for _, f := range wire.Fields() {
		if err := c.Unsubscribe(telemetry[f], false); err != nil {
			l.logger.WithError(err).WithField("field", f.String()).Debug("unsubscribe failed")
		}
	}
	err := c.CancelConnection()
	l.finish(c)
	if err != nil {
		return fmt.Errorf("failed to cancel connection: %w", err)
	}
	return nil
}

func (l *Link) markLost(c gattClient) {
	if l.finish(c) {
		l.logger.Warn("sensor link lost")
	}
}

// finish clears connection state if c is still the active client and reports
// whether it performed the teardown.
func (l *Link) finish(c gattClient) bool {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if !l.connected || l.client != c {
		return false
	}
	l.connected = false
	l.client = nil
	l.telemetry = nil
	l.command = nil
	close(l.done)
	l.board.SetConnected(false)
	return true
}
