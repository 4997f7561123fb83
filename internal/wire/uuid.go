package wire

import (
	"strings"
	"time"

	"github.com/go-ble/ble"
)

// GATT layout of the telemetry link. One primary service (the standard
// Battery Service) carries the five sensor characteristics plus the
// write-only command channel.
var (
	// ServiceUUID is the Battery Service the node advertises and serves.
	ServiceUUID = ble.UUID16(0x180F)

	// VoltageUUID carries pack voltage as uint16 little-endian millivolts.
	VoltageUUID = ble.UUID16(0x2B18)

	// CurrentUUID carries pack current as sint16 little-endian milliamps.
	CurrentUUID = ble.UUID16(0x2704)

	// PowerUUID carries drawn power as uint16 little-endian whole watts.
	PowerUUID = ble.UUID16(0x2726)

	// BatteryUUID carries the battery level as uint8 percent.
	BatteryUUID = ble.UUID16(0x2A19)

	// TemperatureUUID carries temperature as sint16 little-endian 0.01 C.
	TemperatureUUID = ble.UUID16(0x2A6E)

	// CommandUUID is the vendor-specific write-only inbound channel.
	CommandUUID = ble.MustParse("12345678-1234-5678-1234-56789abcdef0")
)

// Advertising parameters of the sensor node. The appearance code is the
// Bluetooth SIG "Generic Sensor" category; the interval is the cadence the
// firmware advertises at and the pause the host-side loop keeps between
// advertising attempts.
const (
	DeviceName          = "EBikeSensor"
	Appearance          = 1344
	AdvertisingInterval = 250 * time.Millisecond
)

// Field identifies one of the five telemetry characteristics.
type Field int

const (
	FieldVoltage Field = iota
	FieldCurrent
	FieldPower
	FieldBattery
	FieldTemperature
)

// Fields lists the telemetry fields in canonical order.
func Fields() []Field {
	return []Field{FieldVoltage, FieldCurrent, FieldPower, FieldBattery, FieldTemperature}
}

// String returns the lowercase field name used in logs, topics and output.
func (f Field) String() string {
	switch f {
	case FieldVoltage:
		return "voltage"
	case FieldCurrent:
		return "current"
	case FieldPower:
		return "power"
	case FieldBattery:
		return "battery"
	case FieldTemperature:
		return "temperature"
	default:
		return "unknown"
	}
}

// MarshalText renders the field name, so JSON output carries "voltage"
// rather than an enum ordinal.
func (f Field) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// Unit returns the human-readable display unit for the field.
func (f Field) Unit() string {
	switch f {
	case FieldVoltage:
		return "V"
	case FieldCurrent:
		return "A"
	case FieldPower:
		return "W"
	case FieldBattery:
		return "%"
	case FieldTemperature:
		return "°C"
	default:
		return ""
	}
}

// UUID returns the characteristic UUID carrying the field.
func (f Field) UUID() ble.UUID {
	switch f {
	case FieldVoltage:
		return VoltageUUID
	case FieldCurrent:
		return CurrentUUID
	case FieldPower:
		return PowerUUID
	case FieldBattery:
		return BatteryUUID
	case FieldTemperature:
		return TemperatureUUID
	default:
		return nil
	}
}

// FieldByUUID resolves a characteristic UUID back to its telemetry field.
// The second return is false for UUIDs outside the telemetry set (including
// the command channel).
func FieldByUUID(u ble.UUID) (Field, bool) {
	for _, f := range Fields() {
		if u.Equal(f.UUID()) {
			return f, true
		}
	}
	return 0, false
}

// NormalizeUUID converts a UUID string to the internal BLE library format
// (lowercase, no dashes). Handles standard UUID format (with dashes),
// already normalized format, an optional 0x prefix, and surrounding braces.
// Full 128-bit UUIDs in the Bluetooth SIG base form
// (0000xxxx-0000-1000-8000-00805f9b34fb) collapse to their 16-bit short form.
func NormalizeUUID(uuid string) string {
	s := strings.ToLower(strings.TrimSpace(uuid))
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")
	if len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, "00001000800000805f9b34fb") {
		return s[4:8]
	}
	return s
}

// ShortenUUID returns a truncated version of a UUID for display purposes.
// Long UUIDs keep their first eight characters; short UUIDs are returned
// unchanged.
func ShortenUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}
