package testutils

import (
	"context"
	"sync"
	"testing"

	"github.com/go-ble/ble"

	"github.com/srg/ebikelink/internal/dev"
	"github.com/srg/ebikelink/internal/wire"
)

// CharacteristicWrite records one WriteCharacteristic invocation.
type CharacteristicWrite struct {
	UUID  string
	Value []byte
	NoRsp bool
}

// FakePeripheral implements ble.Client over an in-memory GATT profile with
// the sensor's standard layout. Tests inject telemetry with Notify and
// observe command traffic through Writes.
type FakePeripheral struct {
	mu       sync.Mutex
	addr     ble.Addr
	name     string
	profile  *ble.Profile
	handlers map[string]ble.NotificationHandler
	writes   []CharacteristicWrite
	disc     chan struct{}
	discOnce sync.Once

	// DiscoverErr, SubscribeErr and WriteErr, when set, fail the
	// corresponding calls.
	DiscoverErr  error
	SubscribeErr error
	WriteErr     error

	// OnWrite, when set, observes every characteristic write after it has
	// been recorded.
	OnWrite func(c *ble.Characteristic, value []byte)
}

// NewFakePeripheral returns a peripheral at the given address exposing one
// notifiable characteristic per telemetry field plus the writable command
// channel.
func NewFakePeripheral(addr string) *FakePeripheral {
	return &FakePeripheral{
		addr:     ble.NewAddr(addr),
		name:     wire.DeviceName,
		profile:  sensorProfile(),
		handlers: make(map[string]ble.NotificationHandler),
		disc:     make(chan struct{}),
	}
}

// sensorProfile assembles the discovery view of the sensor's GATT layout.
func sensorProfile() *ble.Profile {
	svc := ble.NewService(wire.ServiceUUID)
	for _, f := range wire.Fields() {
		c := svc.NewCharacteristic(f.UUID())
		c.Property = ble.CharRead | ble.CharNotify
	}
	cmd := svc.NewCharacteristic(wire.CommandUUID)
	cmd.Property = ble.CharWrite
	return &ble.Profile{Services: []*ble.Service{svc}}
}

// RemoveCharacteristic drops a characteristic from the discovered profile so
// tests can exercise incomplete peripherals.
func (p *FakePeripheral) RemoveCharacteristic(u ble.UUID) {
	for _, svc := range p.profile.Services {
		kept := svc.Characteristics[:0]
		for _, c := range svc.Characteristics {
			if !c.UUID.Equal(u) {
				kept = append(kept, c)
			}
		}
		svc.Characteristics = kept
	}
}

func (p *FakePeripheral) Addr() ble.Addr        { return p.addr }
func (p *FakePeripheral) Name() string          { return p.name }
func (p *FakePeripheral) Profile() *ble.Profile { return p.profile }

func (p *FakePeripheral) DiscoverProfile(force bool) (*ble.Profile, error) {
	if p.DiscoverErr != nil {
		return nil, p.DiscoverErr
	}
	return p.profile, nil
}

func (p *FakePeripheral) DiscoverServices(filter []ble.UUID) ([]*ble.Service, error) {
	return p.profile.Services, nil
}

func (p *FakePeripheral) DiscoverIncludedServices(filter []ble.UUID, s *ble.Service) ([]*ble.Service, error) {
	return nil, nil
}

func (p *FakePeripheral) DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error) {
	return s.Characteristics, nil
}

func (p *FakePeripheral) DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error) {
	return c.Descriptors, nil
}

func (p *FakePeripheral) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	return c.Value, nil
}

func (p *FakePeripheral) ReadLongCharacteristic(c *ble.Characteristic) ([]byte, error) {
	return c.Value, nil
}

func (p *FakePeripheral) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	if p.WriteErr != nil {
		return p.WriteErr
	}
	p.mu.Lock()
	p.writes = append(p.writes, CharacteristicWrite{
		UUID:  wire.NormalizeUUID(c.UUID.String()),
		Value: append([]byte(nil), value...),
		NoRsp: noRsp,
	})
	hook := p.OnWrite
	p.mu.Unlock()
	if hook != nil {
		hook(c, value)
	}
	return nil
}

func (p *FakePeripheral) ReadDescriptor(d *ble.Descriptor) ([]byte, error)  { return d.Value, nil }
func (p *FakePeripheral) WriteDescriptor(d *ble.Descriptor, v []byte) error { return nil }
func (p *FakePeripheral) ReadRSSI() int                                     { return -50 }

func (p *FakePeripheral) ExchangeMTU(rxMTU int) (int, error) {
	return rxMTU, nil
}

func (p *FakePeripheral) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	if p.SubscribeErr != nil {
		return p.SubscribeErr
	}
	p.mu.Lock()
	p.handlers[wire.NormalizeUUID(c.UUID.String())] = h
	p.mu.Unlock()
	return nil
}

func (p *FakePeripheral) Unsubscribe(c *ble.Characteristic, ind bool) error {
	p.mu.Lock()
	delete(p.handlers, wire.NormalizeUUID(c.UUID.String()))
	p.mu.Unlock()
	return nil
}

func (p *FakePeripheral) ClearSubscriptions() error {
	p.mu.Lock()
	p.handlers = make(map[string]ble.NotificationHandler)
	p.mu.Unlock()
	return nil
}

func (p *FakePeripheral) CancelConnection() error {
	p.Drop()
	return nil
}

func (p *FakePeripheral) Disconnected() <-chan struct{} { return p.disc }
func (p *FakePeripheral) Conn() ble.Conn                { return nil }

// Notify delivers a raw telemetry payload to the subscriber of the field's
// characteristic. Reports whether a handler was registered.
func (p *FakePeripheral) Notify(f wire.Field, data []byte) bool {
	p.mu.Lock()
	h := p.handlers[wire.NormalizeUUID(f.UUID().String())]
	p.mu.Unlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}

// NotifyValue encodes v for the field's characteristic and delivers it.
func (p *FakePeripheral) NotifyValue(f wire.Field, v float64) bool {
	return p.Notify(f, wire.Encode(f, v))
}

// Writes returns the recorded characteristic writes.
func (p *FakePeripheral) Writes() []CharacteristicWrite {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CharacteristicWrite(nil), p.writes...)
}

// Subscribed reports whether the field's characteristic has a notification
// handler installed.
func (p *FakePeripheral) Subscribed(f wire.Field) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers[wire.NormalizeUUID(f.UUID().String())] != nil
}

// Drop simulates losing the connection.
func (p *FakePeripheral) Drop() {
	p.discOnce.Do(func() { close(p.disc) })
}

// Dropped reports whether the connection has ended.
func (p *FakePeripheral) Dropped() bool {
	select {
	case <-p.disc:
		return true
	default:
		return false
	}
}

// InstallSensor wires a fake transport advertising one sensor into
// dev.DeviceFactory and the go-ble default device, so both discovery and
// direct dialing reach the returned peripheral. The factory override is
// undone on test cleanup.
func InstallSensor(t *testing.T) (*FakeDevice, *FakePeripheral) {
	t.Helper()

	const addr = "aa:bb:cc:dd:ee:ff"
	peripheral := NewFakePeripheral(addr)

	adv := NewAdvertisementBuilder().
		WithAddress(addr).
		WithName(wire.DeviceName).
		WithServices(wire.ServiceUUID.String()).
		Build()

	device := NewFakeDevice()
	device.ScanFn = func(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
		// The real transport reports advertisements from its own event
		// loop; ble.Connect relies on that to hand over the match.
		go h(adv)
		<-ctx.Done()
		return ctx.Err()
	}
	device.DialFn = func(ctx context.Context, a ble.Addr) (ble.Client, error) {
		return peripheral, nil
	}

	previous := dev.DeviceFactory
	dev.DeviceFactory = func() (ble.Device, error) { return device, nil }
	ble.SetDefaultDevice(device)
	t.Cleanup(func() { dev.DeviceFactory = previous })

	return device, peripheral
}
