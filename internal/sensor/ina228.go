package sensor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// INA228 register map (datasheet section 7.6). All registers are MSB-first
// on the wire. VBUS, VSHUNT and CURRENT carry 20 significant bits in
// [23:4]; POWER uses the full 24.
const (
	regConfig    = 0x00
	regADCConfig = 0x01
	regShuntCal  = 0x02
	regVShunt    = 0x04
	regVBus      = 0x05
	regDieTemp   = 0x06
	regCurrent   = 0x07
	regPower     = 0x08
	regDiagAlert = 0x0B
	regManufID   = 0x3E
	regDeviceID  = 0x3F
)

const (
	// CONFIG bit 15 resets every register to its power-on default.
	configReset = 0x8000

	// Continuous bus+shunt+temperature conversions, 1.052 ms each,
	// no averaging. Matches the power-on default; written explicitly
	// after reset.
	adcConfigContinuous = 0xFB68

	manufIDTI  = 0x5449 // "TI"
	idINA228   = 0x228  // DEVICE_ID[15:4]
	addrINA228 = 0x40   // A0 and A1 strapped to GND

	// Fixed conversion factors, ADCRANGE=0.
	vbusVoltsPerLSB = 195.3125e-6
	dieTempCPerLSB  = 7.8125e-3
)

// ErrNotDetected reports that the device at the configured address did not
// identify itself as an INA228.
var ErrNotDetected = errors.New("sensor: ina228 not detected")

// Bus is the narrow I2C surface the driver needs: one combined
// write-then-read transaction. OpenBus provides the Linux i2c-dev
// implementation; tests substitute an in-memory register file.
type Bus interface {
	Tx(addr uint16, w, r []byte) error
	Close() error
}

// INA228Config sizes the driver for a particular shunt and load.
type INA228Config struct {
	Addr          uint16  // 7-bit device address, 0 means 0x40
	ShuntMicroOhm uint32  // sense resistor value
	MaxCurrentA   float64 // expected full-scale current, sizes the CURRENT LSB
}

// Validate applies defaults and rejects unusable values.
func (c *INA228Config) Validate() error {
	if c.Addr == 0 {
		c.Addr = addrINA228
	}
	if c.ShuntMicroOhm == 0 {
		c.ShuntMicroOhm = 2000 // 2 mOhm
	}
	if c.MaxCurrentA == 0 {
		c.MaxCurrentA = 40.96
	}
	if c.MaxCurrentA < 0 {
		return fmt.Errorf("sensor: max current must be positive, got %v", c.MaxCurrentA)
	}
	return nil
}

// INA228 drives the TI INA228 power monitor over I2C.
type INA228 struct {
	bus  Bus
	addr uint16

	currentLSB float64 // amps per CURRENT count
	shuntCal   uint16

	// Fixed buffers to avoid per-call heap allocations.
	w [3]byte
	r [3]byte
}

// NewINA228 prepares a driver instance. Call Init before reading.
func NewINA228(bus Bus, cfg INA228Config) (*INA228, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	currentLSB := cfg.MaxCurrentA / (1 << 19)

	// SHUNT_CAL = 13107.2e6 * CURRENT_LSB * R_SHUNT (datasheet eq. 2).
	shuntOhm := float64(cfg.ShuntMicroOhm) * 1e-6
	cal := math.Round(13107.2e6 * currentLSB * shuntOhm)
	if cal < 1 || cal > math.MaxUint16 {
		return nil, fmt.Errorf("sensor: shunt calibration %v out of range, check shunt/current config", cal)
	}

	return &INA228{
		bus:        bus,
		addr:       cfg.Addr,
		currentLSB: currentLSB,
		shuntCal:   uint16(cal),
	}, nil
}

// Init probes the device identity, resets it, and programs the shunt
// calibration and continuous conversion mode.
func (d *INA228) Init() error {
	if err := d.probe(); err != nil {
		return err
	}
	if err := d.writeWord(regConfig, configReset); err != nil {
		return fmt.Errorf("sensor: ina228 reset: %w", err)
	}
	time.Sleep(time.Millisecond) // settle after reset

	if err := d.writeWord(regShuntCal, d.shuntCal); err != nil {
		return fmt.Errorf("sensor: ina228 shunt calibration: %w", err)
	}
	if err := d.writeWord(regADCConfig, adcConfigContinuous); err != nil {
		return fmt.Errorf("sensor: ina228 adc config: %w", err)
	}
	return nil
}

func (d *INA228) probe() error {
	manuf, err := d.readWord(regManufID)
	if err != nil {
		return fmt.Errorf("sensor: read manufacturer id: %w", err)
	}
	devID, err := d.readWord(regDeviceID)
	if err != nil {
		return fmt.Errorf("sensor: read device id: %w", err)
	}
	if manuf != manufIDTI || devID>>4 != idINA228 {
		return fmt.Errorf("%w: manufacturer 0x%04X device 0x%04X at 0x%02X",
			ErrNotDetected, manuf, devID, d.addr)
	}
	return nil
}

// BusVoltage returns the bus voltage in volts.
func (d *INA228) BusVoltage() (float64, error) {
	raw, err := d.readS20(regVBus)
	if err != nil {
		return 0, err
	}
	return float64(raw) * vbusVoltsPerLSB, nil
}

// Current returns the shunt current in amps, negative when charge flows
// into the pack.
func (d *INA228) Current() (float64, error) {
	raw, err := d.readS20(regCurrent)
	if err != nil {
		return 0, err
	}
	return float64(raw) * d.currentLSB, nil
}

// Power returns the measured power in watts. The hardware reports
// magnitude only.
func (d *INA228) Power() (float64, error) {
	raw, err := d.readU24(regPower)
	if err != nil {
		return 0, err
	}
	// POWER LSB is 3.2 * CURRENT_LSB (datasheet eq. 4).
	return float64(raw) * 3.2 * d.currentLSB, nil
}

// DieTemp returns the monitor die temperature in degrees Celsius.
func (d *INA228) DieTemp() (float64, error) {
	raw, err := d.readS16(regDieTemp)
	if err != nil {
		return 0, err
	}
	return float64(raw) * dieTempCPerLSB, nil
}

// Read collects one full sample. Implements Source.
func (d *INA228) Read(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}

	volts, err := d.BusVoltage()
	if err != nil {
		return Sample{}, fmt.Errorf("sensor: bus voltage: %w", err)
	}
	amps, err := d.Current()
	if err != nil {
		return Sample{}, fmt.Errorf("sensor: current: %w", err)
	}
	watts, err := d.Power()
	if err != nil {
		return Sample{}, fmt.Errorf("sensor: power: %w", err)
	}
	celsius, err := d.DieTemp()
	if err != nil {
		return Sample{}, fmt.Errorf("sensor: die temperature: %w", err)
	}
	return Sample{Volts: volts, Amps: amps, Watts: watts, Celsius: celsius}, nil
}

// Close releases the underlying bus handle.
func (d *INA228) Close() error {
	return d.bus.Close()
}

func (d *INA228) readWord(reg byte) (uint16, error) {
	d.w[0] = reg
	if err := d.bus.Tx(d.addr, d.w[:1], d.r[:2]); err != nil {
		return 0, err
	}
	return uint16(d.r[0])<<8 | uint16(d.r[1]), nil
}

func (d *INA228) readS16(reg byte) (int16, error) {
	u, err := d.readWord(reg)
	return int16(u), err
}

func (d *INA228) readU24(reg byte) (uint32, error) {
	d.w[0] = reg
	if err := d.bus.Tx(d.addr, d.w[:1], d.r[:3]); err != nil {
		return 0, err
	}
	return uint32(d.r[0])<<16 | uint32(d.r[1])<<8 | uint32(d.r[2]), nil
}

// readS20 reads a 24-bit register, sign-extends it, and drops the four
// reserved low bits.
func (d *INA228) readS20(reg byte) (int32, error) {
	u, err := d.readU24(reg)
	if err != nil {
		return 0, err
	}
	return int32(u<<8) >> 12, nil
}

func (d *INA228) writeWord(reg byte, val uint16) error {
	d.w[0] = reg
	d.w[1] = byte(val >> 8) // high
	d.w[2] = byte(val)      // low
	return d.bus.Tx(d.addr, d.w[:3], nil)
}
