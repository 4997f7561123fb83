package testutils

import (
	"github.com/go-ble/ble"
)

// FakeAdvertisement implements ble.Advertisement from plain fields so tests
// can replay advertising frames without radio hardware. Build one with
// AdvertisementBuilder.
type FakeAdvertisement struct {
	name        string
	address     string
	rssi        int
	services    []ble.UUID
	manufData   []byte
	serviceData []ble.ServiceData
	txPower     int
	connectable bool
}

func (a *FakeAdvertisement) LocalName() string              { return a.name }
func (a *FakeAdvertisement) ManufacturerData() []byte       { return a.manufData }
func (a *FakeAdvertisement) ServiceData() []ble.ServiceData { return a.serviceData }
func (a *FakeAdvertisement) Services() []ble.UUID           { return a.services }
func (a *FakeAdvertisement) OverflowService() []ble.UUID    { return nil }
func (a *FakeAdvertisement) TxPowerLevel() int              { return a.txPower }
func (a *FakeAdvertisement) Connectable() bool              { return a.connectable }
func (a *FakeAdvertisement) SolicitedService() []ble.UUID   { return nil }
func (a *FakeAdvertisement) RSSI() int                      { return a.rssi }
func (a *FakeAdvertisement) Addr() ble.Addr                 { return ble.NewAddr(a.address) }

// AdvertisementBuilder builds fake BLE advertisements for testing.
// It provides a fluent API for configuring ble.Advertisement instances.
type AdvertisementBuilder struct {
	adv FakeAdvertisement
}

// NewAdvertisementBuilder creates a new AdvertisementBuilder with default values.
// The builder starts connectable with tx power 127 (power level unavailable).
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{
		adv: FakeAdvertisement{
			connectable: true,
			txPower:     127,
		},
	}
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.name = name
	return b
}

// WithAddress sets the device address for the advertisement.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.address = addr
	return b
}

// WithRSSI sets the signal strength for the advertisement.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.rssi = rssi
	return b
}

// WithServices adds service UUIDs to the advertisement.
// UUIDs can be in short form (e.g., "180F") or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	for _, u := range uuids {
		b.adv.services = append(b.adv.services, ble.MustParse(u))
	}
	return b
}

// WithManufacturerData sets the manufacturer-specific data.
func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.adv.manufData = data
	return b
}

// WithServiceData adds service-specific data for the given service UUID.
func (b *AdvertisementBuilder) WithServiceData(uuid string, data []byte) *AdvertisementBuilder {
	b.adv.serviceData = append(b.adv.serviceData, ble.ServiceData{
		UUID: ble.MustParse(uuid),
		Data: data,
	})
	return b
}

// WithTxPower sets the transmission power level.
func (b *AdvertisementBuilder) WithTxPower(power int) *AdvertisementBuilder {
	b.adv.txPower = power
	return b
}

// WithConnectable sets whether the device accepts connections.
func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.connectable = c
	return b
}

// Build returns the configured advertisement.
func (b *AdvertisementBuilder) Build() *FakeAdvertisement {
	adv := b.adv
	return &adv
}
