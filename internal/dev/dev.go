// Package dev opens the platform BLE transport and installs it as the
// go-ble default device.
package dev

import (
	"fmt"

	"github.com/go-ble/ble"
)

// DeviceFactory creates the HCI device. Tests replace it to run against
// mocks without radio hardware.
var DeviceFactory = NewDevice

// InitDefault opens the transport and makes it the package-level default
// used by ble.AddService, ble.AdvertiseNameAndServices and ble.Dial.
func InitDefault() (ble.Device, error) {
	d, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("can't open BLE device: %w", err)
	}
	ble.SetDefaultDevice(d)
	return d, nil
}
