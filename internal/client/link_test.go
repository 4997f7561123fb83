package client

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/ebikelink/internal/wire"
)

type fakeWrite struct {
	uuid  string
	data  []byte
	noRsp bool
}

// fakeGATT emulates the peripheral's GATT surface behind the narrowed client
// interface so link tests run without a radio.
type fakeGATT struct {
	mu           sync.Mutex
	profile      *ble.Profile
	handlers     map[string]ble.NotificationHandler
	writes       []fakeWrite
	unsubscribed []string
	writeErr     error
	writeDelay   time.Duration
	discoverErr  error
	subscribeErr error
	cancelled    bool
	mtu          int

	disc      chan struct{}
	closeOnce sync.Once
}

func newFakeGATT() *fakeGATT {
	svc := &ble.Service{UUID: wire.ServiceUUID}
	for _, f := range wire.Fields() {
		svc.Characteristics = append(svc.Characteristics, &ble.Characteristic{
			UUID:     f.UUID(),
			Property: ble.CharRead | ble.CharNotify,
		})
	}
	svc.Characteristics = append(svc.Characteristics, &ble.Characteristic{
		UUID:     wire.CommandUUID,
		Property: ble.CharWrite,
	})

	return &fakeGATT{
		profile: &ble.Profile{Services: []*ble.Service{
			{UUID: ble.UUID16(0x1801)}, // unrelated service the resolver must skip
			svc,
		}},
		handlers: make(map[string]ble.NotificationHandler),
		disc:     make(chan struct{}),
	}
}

func (f *fakeGATT) Addr() ble.Addr { return ble.NewAddr("aa:bb:cc:dd:ee:01") }

func (f *fakeGATT) DiscoverProfile(bool) (*ble.Profile, error) {
	if f.discoverErr != nil {
		return nil, f.discoverErr
	}
	return f.profile, nil
}

func (f *fakeGATT) Subscribe(c *ble.Characteristic, _ bool, h ble.NotificationHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.handlers[c.UUID.String()] = h
	return nil
}

func (f *fakeGATT) Unsubscribe(c *ble.Characteristic, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, c.UUID.String())
	f.unsubscribed = append(f.unsubscribed, c.UUID.String())
	return nil
}

func (f *fakeGATT) WriteCharacteristic(c *ble.Characteristic, v []byte, noRsp bool) error {
	if f.writeDelay > 0 {
		time.Sleep(f.writeDelay)
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, fakeWrite{
		uuid:  c.UUID.String(),
		data:  append([]byte(nil), v...),
		noRsp: noRsp,
	})
	return nil
}

func (f *fakeGATT) ExchangeMTU(rxMTU int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mtu = rxMTU
	return 185, nil
}

func (f *fakeGATT) CancelConnection() error {
	f.mu.Lock()
	f.cancelled = true
	f.mu.Unlock()
	f.dropLink()
	return nil
}

func (f *fakeGATT) Disconnected() <-chan struct{} { return f.disc }

// dropLink simulates the peer vanishing.
func (f *fakeGATT) dropLink() { f.closeOnce.Do(func() { close(f.disc) }) }

// notify delivers a raw payload to the handler subscribed on u.
func (f *fakeGATT) notify(u ble.UUID, data []byte) bool {
	f.mu.Lock()
	h := f.handlers[u.String()]
	f.mu.Unlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}

func (f *fakeGATT) subscribed(u ble.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[u.String()]
	return ok
}

func (f *fakeGATT) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *fakeGATT) writtenPayloads() []fakeWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeWrite(nil), f.writes...)
}

func (f *fakeGATT) unsubscribedUUIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubscribed...)
}

func (f *fakeGATT) wasCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func (f *fakeGATT) negotiatedMTU() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mtu
}

func restoreDial(t *testing.T, fn func(context.Context, Config) (gattClient, error)) {
	t.Helper()
	orig := dial
	dial = fn
	t.Cleanup(func() { dial = orig })
}

func connectedLink(t *testing.T, f *fakeGATT, opts ...func(*Config)) *Link {
	t.Helper()
	cfg := Config{ScanWindow: 100 * time.Millisecond}
	for _, o := range opts {
		o(&cfg)
	}
	l := New(cfg)
	restoreDial(t, func(context.Context, Config) (gattClient, error) { return f, nil })
	require.NoError(t, l.Connect(context.Background()))
	return l
}

func TestConnectResolvesTelemetryService(t *testing.T) {
	f := newFakeGATT()
	l := connectedLink(t, f)

	assert.True(t, l.IsConnected())
	assert.Equal(t, "aa:bb:cc:dd:ee:01", l.Peer())
	assert.Equal(t, len(wire.Fields()), f.handlerCount())
	for _, field := range wire.Fields() {
		assert.True(t, f.subscribed(field.UUID()), "missing subscription for %s", field)
	}
	assert.False(t, f.subscribed(wire.CommandUUID), "command channel must not be subscribed")
	assert.Equal(t, preferredMTU, f.negotiatedMTU())
	assert.True(t, l.Board().Snapshot().Connected)
}

func TestConnectRejectsForeignPeripheral(t *testing.T) {
	f := newFakeGATT()
	f.profile = &ble.Profile{Services: []*ble.Service{{UUID: ble.UUID16(0x1801)}}}

	l := New(Config{})
	restoreDial(t, func(context.Context, Config) (gattClient, error) { return f, nil })

	err := l.Connect(context.Background())
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "service", nf.Resource)
	assert.True(t, f.wasCancelled())
	assert.False(t, l.IsConnected())
}

func TestConnectRejectsIncompleteService(t *testing.T) {
	f := newFakeGATT()
	svc := f.profile.Services[1]
	var kept []*ble.Characteristic
	for _, ch := range svc.Characteristics {
		if !ch.UUID.Equal(wire.BatteryUUID) {
			kept = append(kept, ch)
		}
	}
	svc.Characteristics = kept

	l := New(Config{})
	restoreDial(t, func(context.Context, Config) (gattClient, error) { return f, nil })

	err := l.Connect(context.Background())
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "characteristic", nf.Resource)
	assert.True(t, f.wasCancelled())
}

func TestConnectRetriesScanWindows(t *testing.T) {
	f := newFakeGATT()
	var attempts atomic.Int32
	restoreDial(t, func(ctx context.Context, _ Config) (gattClient, error) {
		if attempts.Add(1) < 3 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return f, nil
	})

	l := New(Config{ScanWindow: 10 * time.Millisecond})
	require.NoError(t, l.Connect(context.Background()))
	assert.EqualValues(t, 3, attempts.Load())
	assert.True(t, l.IsConnected())
}

func TestConnectHonorsCancellation(t *testing.T) {
	restoreDial(t, func(ctx context.Context, _ Config) (gattClient, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	l := New(Config{ScanWindow: 5 * time.Second})
	err := l.Connect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, l.IsConnected())
}

func TestConnectTwiceFails(t *testing.T) {
	f := newFakeGATT()
	l := connectedLink(t, f)
	assert.ErrorIs(t, l.Connect(context.Background()), ErrAlreadyConnected)
}

func TestNotificationsFeedBoard(t *testing.T) {
	f := newFakeGATT()
	var recMu sync.Mutex
	var records []Record
	l := connectedLink(t, f, func(c *Config) {
		c.OnRecord = func(r Record) {
			recMu.Lock()
			records = append(records, r)
			recMu.Unlock()
		}
	})

	require.True(t, f.notify(wire.VoltageUUID, wire.Encode(wire.FieldVoltage, 43.2)))
	require.True(t, f.notify(wire.TemperatureUUID, wire.Encode(wire.FieldTemperature, -5.25)))

	snap := l.Board().Snapshot()
	assert.InDelta(t, 43.2, snap.Voltage, 1e-9)
	assert.InDelta(t, -5.25, snap.Temperature, 1e-9)

	recMu.Lock()
	defer recMu.Unlock()
	require.Len(t, records, 2)
	assert.Equal(t, wire.FieldVoltage, records[0].Field)
	assert.InDelta(t, 43.2, records[0].Value, 1e-9)
	assert.False(t, records[0].Time.IsZero())
	assert.Equal(t, wire.FieldTemperature, records[1].Field)
}

func TestMalformedNotificationSkipped(t *testing.T) {
	f := newFakeGATT()
	l := connectedLink(t, f)

	f.notify(wire.VoltageUUID, wire.Encode(wire.FieldVoltage, 43.2))
	f.notify(wire.VoltageUUID, []byte{0x01})

	assert.InDelta(t, 43.2, l.Board().Snapshot().Voltage, 1e-9)
}

func TestSendWritesCommandCharacteristic(t *testing.T) {
	f := newFakeGATT()
	l := connectedLink(t, f)

	require.NoError(t, l.Send("2,25,40,120.5"))

	writes := f.writtenPayloads()
	require.Len(t, writes, 1)
	assert.Equal(t, wire.CommandUUID.String(), writes[0].uuid)
	assert.Equal(t, []byte("2,25,40,120.5"), writes[0].data)
	assert.False(t, writes[0].noRsp)
}

func TestSendTimesOut(t *testing.T) {
	f := newFakeGATT()
	f.writeDelay = 200 * time.Millisecond
	l := connectedLink(t, f, func(c *Config) { c.SendTimeout = 20 * time.Millisecond })

	err := l.Send("1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, l.IsConnected(), "timeout must not tear the link down")
}

func TestSendRequiresConnection(t *testing.T) {
	l := New(Config{})
	assert.ErrorIs(t, l.Send("x"), ErrNotConnected)
}

func TestSendAbortsOnLinkLoss(t *testing.T) {
	f := newFakeGATT()
	f.writeDelay = time.Second
	l := connectedLink(t, f, func(c *Config) { c.SendTimeout = 5 * time.Second })

	time.AfterFunc(20*time.Millisecond, f.dropLink)

	assert.ErrorIs(t, l.Send("x"), ErrConnectionLost)
}

func TestDisconnectReleasesLink(t *testing.T) {
	f := newFakeGATT()
	l := connectedLink(t, f)
	done := l.Done()
	require.NotNil(t, done)

	require.NoError(t, l.Disconnect())

	assert.False(t, l.IsConnected())
	assert.True(t, f.wasCancelled())
	assert.Len(t, f.unsubscribedUUIDs(), len(wire.Fields()))
	select {
	case <-done:
	default:
		t.Fatal("done channel must be closed after disconnect")
	}
	assert.False(t, l.Board().Snapshot().Connected)

	require.NoError(t, l.Disconnect(), "second disconnect must be a no-op")
}

func TestPeerDropClosesLink(t *testing.T) {
	f := newFakeGATT()
	l := connectedLink(t, f)

	f.dropLink()

	require.Eventually(t, func() bool { return !l.IsConnected() }, time.Second, 5*time.Millisecond)
	select {
	case <-l.Done():
	default:
		t.Fatal("done channel must be closed after link loss")
	}
	assert.False(t, l.Board().Snapshot().Connected)
}
