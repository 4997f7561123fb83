// Package bledb resolves Bluetooth SIG assigned numbers to display names for
// scan and watch output. The tables are a curated subset: the services,
// characteristics, descriptors and company identifiers this tool actually
// encounters around an e-bike cockpit.
package bledb

import (
	"encoding/binary"
	"fmt"

	"github.com/srg/ebikelink/internal/wire"
)

var serviceNames = map[string]string{
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"180a": "Device Information",
	"180d": "Heart Rate",
	"180f": "Battery Service",
	"1812": "Human Interface Device",
	"1816": "Cycling Speed and Cadence",
	"1818": "Cycling Power",
	"181a": "Environmental Sensing",
	"1826": "Fitness Machine",

	"6e400001b5a3f393e0a9e50e24dcca9e": "Nordic UART Service",
}

// The sensor reuses the SIG unit numbers 0x2704 and 0x2726 as characteristic
// UUIDs for current and power, so both resolve here alongside the standard
// characteristic set.
var characteristicNames = map[string]string{
	"2a00": "Device Name",
	"2a01": "Appearance",
	"2a05": "Service Changed",
	"2a19": "Battery Level",
	"2a29": "Manufacturer Name String",
	"2a37": "Heart Rate Measurement",
	"2a5b": "CSC Measurement",
	"2a63": "Cycling Power Measurement",
	"2a6e": "Temperature",
	"2b18": "Voltage",
	"2704": "Electric Current",
	"2726": "Power",
}

var descriptorNames = map[string]string{
	"2900": "Characteristic Extended Properties",
	"2901": "Characteristic User Descriptor",
	"2902": "Client Characteristic Configuration",
	"2903": "Server Characteristic Configuration",
	"2904": "Characteristic Presentation Format",
}

var companyNames = map[uint16]string{
	0x0006: "Microsoft",
	0x004c: "Apple, Inc.",
	0x0059: "Nordic Semiconductor ASA",
	0x0075: "Samsung Electronics Co. Ltd.",
	0x0087: "Garmin International, Inc.",
	0x00e0: "Google",
	0x02e5: "Espressif Incorporated",
	0x038f: "Xiaomi Inc.",
}

// LookupService resolves a service UUID in any common textual form. Returns
// "" when unknown.
func LookupService(uuid string) string {
	return serviceNames[wire.NormalizeUUID(uuid)]
}

// LookupCharacteristic resolves a characteristic UUID. Returns "" when
// unknown.
func LookupCharacteristic(uuid string) string {
	return characteristicNames[wire.NormalizeUUID(uuid)]
}

// LookupDescriptor resolves a descriptor UUID. Returns "" when unknown.
func LookupDescriptor(uuid string) string {
	return descriptorNames[wire.NormalizeUUID(uuid)]
}

// Lookup resolves a UUID of any category, trying services, characteristics
// and descriptors in that order. Returns "" when unknown.
func Lookup(uuid string) string {
	n := wire.NormalizeUUID(uuid)
	if name := serviceNames[n]; name != "" {
		return name
	}
	if name := characteristicNames[n]; name != "" {
		return name
	}
	return descriptorNames[n]
}

// CompanyName resolves a SIG company identifier. Returns "" when unknown.
func CompanyName(id uint16) string {
	return companyNames[id]
}

// CompanyFromData extracts the company identifier from raw manufacturer data
// (first two bytes, little-endian, per BLE convention) and resolves its name.
// The name is "" for companies outside the table; that is not an error.
func CompanyFromData(md []byte) (uint16, string, error) {
	if len(md) < 2 {
		return 0, "", fmt.Errorf("manufacturer data too short: %d bytes", len(md))
	}
	id := binary.LittleEndian.Uint16(md[0:2])
	return id, companyNames[id], nil
}
