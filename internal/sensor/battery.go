package sensor

// Pack voltage endpoints for the charge estimate. A 13S li-ion pack sits
// near 54 V fully charged and hits the controller cutoff around 36 V.
const (
	PackEmptyVolts = 36.0
	PackFullVolts  = 54.0
)

// BatteryPercent estimates state of charge from pack voltage with a linear
// interpolation between the empty and full endpoints, clamped to [0, 100].
// Voltage sag under load makes this read low while climbing; it is an
// estimate, not a fuel gauge.
func BatteryPercent(volts float64) float64 {
	pct := (volts - PackEmptyVolts) / (PackFullVolts - PackEmptyVolts) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
