//go:build darwin

package dev

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// NewDevice opens the CoreBluetooth transport.
func NewDevice() (ble.Device, error) {
	return darwin.NewDevice()
}
