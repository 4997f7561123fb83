//go:build linux

package dev

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// NewDevice opens the first available HCI device.
func NewDevice() (ble.Device, error) {
	return linux.NewDevice()
}
