package testutils

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
)

// AdvertiseCall records one AdvertiseNameAndServices invocation.
type AdvertiseCall struct {
	Name     string
	Services []ble.UUID
}

// FakeDevice implements ble.Device without radio hardware. Install it via
// dev.DeviceFactory to run node and client code paths under test.
// AdvertiseNameAndServices blocks until the context ends, matching the
// real transport's behavior.
type FakeDevice struct {
	mu             sync.Mutex
	services       []*ble.Service
	advertiseCalls []AdvertiseCall
	stopped        bool

	// DialFn, when set, serves Dial calls. Unset Dial returns a nil
	// client, which is enough for code that never dials.
	DialFn func(ctx context.Context, a ble.Addr) (ble.Client, error)

	// ScanFn, when set, feeds advertisements to the scan handler.
	ScanFn func(ctx context.Context, allowDup bool, h ble.AdvHandler) error
}

// NewFakeDevice returns an empty fake transport.
func NewFakeDevice() *FakeDevice {
	return &FakeDevice{}
}

func (d *FakeDevice) AddService(svc *ble.Service) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.services = append(d.services, svc)
	return nil
}

func (d *FakeDevice) RemoveAllServices() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.services = nil
	return nil
}

func (d *FakeDevice) SetServices(svcs []*ble.Service) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.services = append([]*ble.Service(nil), svcs...)
	return nil
}

func (d *FakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	return nil
}

func (d *FakeDevice) Advertise(ctx context.Context, adv ble.Advertisement) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *FakeDevice) AdvertiseNameAndServices(ctx context.Context, name string, ss ...ble.UUID) error {
	d.mu.Lock()
	d.advertiseCalls = append(d.advertiseCalls, AdvertiseCall{Name: name, Services: ss})
	d.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (d *FakeDevice) AdvertiseIBeacon(ctx context.Context, u ble.UUID, major, minor uint16, pwr int8) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *FakeDevice) AdvertiseIBeaconData(ctx context.Context, b []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *FakeDevice) AdvertiseMfgData(ctx context.Context, id uint16, b []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *FakeDevice) AdvertiseServiceData16(ctx context.Context, id uint16, b []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *FakeDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	if d.ScanFn != nil {
		return d.ScanFn(ctx, allowDup, h)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (d *FakeDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	if d.DialFn != nil {
		return d.DialFn(ctx, a)
	}
	return nil, nil
}

// Services returns the registered GATT services.
func (d *FakeDevice) Services() []*ble.Service {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*ble.Service(nil), d.services...)
}

// AdvertiseCalls returns every recorded advertising request.
func (d *FakeDevice) AdvertiseCalls() []AdvertiseCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]AdvertiseCall(nil), d.advertiseCalls...)
}

// Stopped reports whether Stop has been called.
func (d *FakeDevice) Stopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}
