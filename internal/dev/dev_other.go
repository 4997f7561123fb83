//go:build !linux && !darwin

package dev

import (
	"errors"

	"github.com/go-ble/ble"
)

// NewDevice reports that no BLE transport exists for this platform.
func NewDevice() (ble.Device, error) {
	return nil, errors.New("dev: no BLE transport on this platform")
}
