// Package wire implements the characteristic codec and the inbound payload
// interpreter of the telemetry link: the mapping between engineering units
// and the fixed-width little-endian values carried by each characteristic,
// and the heuristic parser for the free-form command channel.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrShortPayload reports a characteristic value smaller than its wire size.
var ErrShortPayload = errors.New("payload too short")

// EncodeVoltage renders volts as uint16 little-endian millivolts.
// Values outside [0, 65.535] V truncate to 16 bits without saturation; the
// firmware never guarded this and consumers must not rely on wrap behavior.
func EncodeVoltage(volts float64) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(int64(math.Round(volts*1000))))
	return buf
}

// DecodeVoltage parses a voltage characteristic value back to volts.
func DecodeVoltage(b []byte) (float64, error) {
	if len(b) < 2 {
		return 0, shortPayload(FieldVoltage, len(b))
	}
	return float64(binary.LittleEndian.Uint16(b)) / 1000.0, nil
}

// EncodeCurrent renders amps as sint16 little-endian milliamps.
// Values outside ±32.767 A truncate to 16 bits, same caveat as voltage.
func EncodeCurrent(amps float64) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(int16(int64(math.Round(amps*1000)))))
	return buf
}

// DecodeCurrent parses a current characteristic value back to amps.
func DecodeCurrent(b []byte) (float64, error) {
	if len(b) < 2 {
		return 0, shortPayload(FieldCurrent, len(b))
	}
	return float64(int16(binary.LittleEndian.Uint16(b))) / 1000.0, nil
}

// EncodePower renders watts as uint16 little-endian whole watts, saturating
// to [0, 65535].
func EncodePower(watts float64) []byte {
	w := math.Round(watts)
	if w < 0 {
		w = 0
	}
	if w > math.MaxUint16 {
		w = math.MaxUint16
	}
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(w))
	return buf
}

// DecodePower parses a power characteristic value back to watts. The value
// is the raw integer; an early desktop client divided it by 1000 and showed
// milliwatt-scale garbage, so decoders must keep it whole.
func DecodePower(b []byte) (float64, error) {
	if len(b) < 2 {
		return 0, shortPayload(FieldPower, len(b))
	}
	return float64(binary.LittleEndian.Uint16(b)), nil
}

// EncodeBattery renders a percentage as uint8, saturating to [0, 100].
func EncodeBattery(pct float64) []byte {
	p := math.Round(pct)
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return []byte{uint8(p)}
}

// DecodeBattery parses a battery level characteristic value back to percent.
func DecodeBattery(b []byte) (float64, error) {
	if len(b) < 1 {
		return 0, shortPayload(FieldBattery, len(b))
	}
	return float64(b[0]), nil
}

// EncodeTemperature renders celsius as sint16 little-endian hundredths of a
// degree, saturating to [-32768, 32767] (±327.68 C).
func EncodeTemperature(celsius float64) []byte {
	c := math.Round(celsius * 100)
	if c < math.MinInt16 {
		c = math.MinInt16
	}
	if c > math.MaxInt16 {
		c = math.MaxInt16
	}
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(int16(c)))
	return buf
}

// DecodeTemperature parses a temperature characteristic value back to celsius.
func DecodeTemperature(b []byte) (float64, error) {
	if len(b) < 2 {
		return 0, shortPayload(FieldTemperature, len(b))
	}
	return float64(int16(binary.LittleEndian.Uint16(b))) / 100.0, nil
}

// Encode renders v into f's wire representation.
func Encode(f Field, v float64) []byte {
	switch f {
	case FieldVoltage:
		return EncodeVoltage(v)
	case FieldCurrent:
		return EncodeCurrent(v)
	case FieldPower:
		return EncodePower(v)
	case FieldBattery:
		return EncodeBattery(v)
	case FieldTemperature:
		return EncodeTemperature(v)
	default:
		return nil
	}
}

// Decode parses b per f's wire representation.
func Decode(f Field, b []byte) (float64, error) {
	switch f {
	case FieldVoltage:
		return DecodeVoltage(b)
	case FieldCurrent:
		return DecodeCurrent(b)
	case FieldPower:
		return DecodePower(b)
	case FieldBattery:
		return DecodeBattery(b)
	case FieldTemperature:
		return DecodeTemperature(b)
	default:
		return 0, fmt.Errorf("unknown telemetry field %d", int(f))
	}
}

func shortPayload(f Field, n int) error {
	return fmt.Errorf("%s: %w: %d bytes", f, ErrShortPayload, n)
}
