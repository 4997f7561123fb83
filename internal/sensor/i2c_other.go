//go:build !linux

package sensor

import "errors"

// OpenBus requires the Linux i2c-dev interface. On other platforms use
// SimSource.
func OpenBus(string) (Bus, error) {
	return nil, errors.New("sensor: i2c bus access requires linux")
}
