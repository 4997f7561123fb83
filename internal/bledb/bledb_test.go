package bledb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupService(t *testing.T) {
	tests := []struct {
		name     string
		uuid     string
		expected string
	}{
		{
			name:     "Battery Service - short form",
			uuid:     "180f",
			expected: "Battery Service",
		},
		{
			name:     "Battery Service - with 0x prefix",
			uuid:     "0x180F",
			expected: "Battery Service",
		},
		{
			name:     "Battery Service - full SIG UUID with dashes",
			uuid:     "0000180f-0000-1000-8000-00805f9b34fb",
			expected: "Battery Service",
		},
		{
			name:     "Heart Rate - full SIG UUID without dashes",
			uuid:     "0000180d00001000800000805f9b34fb",
			expected: "Heart Rate",
		},
		{
			name:     "Nordic UART Service - custom 128-bit",
			uuid:     "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
			expected: "Nordic UART Service",
		},
		{
			name:     "unknown UUID",
			uuid:     "ffff",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, LookupService(tt.uuid))
		})
	}
}

func TestLookupCharacteristic(t *testing.T) {
	tests := []struct {
		name     string
		uuid     string
		expected string
	}{
		{
			name:     "Battery Level - short form",
			uuid:     "2a19",
			expected: "Battery Level",
		},
		{
			name:     "Battery Level - full SIG UUID",
			uuid:     "00002a19-0000-1000-8000-00805f9b34fb",
			expected: "Battery Level",
		},
		{
			name:     "Voltage",
			uuid:     "2b18",
			expected: "Voltage",
		},
		{
			name:     "current characteristic on a SIG unit number",
			uuid:     "2704",
			expected: "Electric Current",
		},
		{
			name:     "power characteristic on a SIG unit number",
			uuid:     "2726",
			expected: "Power",
		},
		{
			name:     "unknown UUID",
			uuid:     "2aff",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, LookupCharacteristic(tt.uuid))
		})
	}
}

func TestLookupDescriptor(t *testing.T) {
	tests := []struct {
		name     string
		uuid     string
		expected string
	}{
		{
			name:     "Client Characteristic Configuration - short form",
			uuid:     "2902",
			expected: "Client Characteristic Configuration",
		},
		{
			name:     "Characteristic User Descriptor - full SIG UUID",
			uuid:     "00002901-0000-1000-8000-00805f9b34fb",
			expected: "Characteristic User Descriptor",
		},
		{
			name:     "unknown UUID",
			uuid:     "29ff",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, LookupDescriptor(tt.uuid))
		})
	}
}

func TestLookupTriesAllCategories(t *testing.T) {
	assert.Equal(t, "Battery Service", Lookup("180f"))
	assert.Equal(t, "Battery Level", Lookup("2a19"))
	assert.Equal(t, "Client Characteristic Configuration", Lookup("2902"))
	assert.Equal(t, "", Lookup("feed"))
}

func TestCompanyName(t *testing.T) {
	assert.Equal(t, "Apple, Inc.", CompanyName(0x004c))
	assert.Equal(t, "Nordic Semiconductor ASA", CompanyName(0x0059))
	assert.Equal(t, "", CompanyName(0xfffe))
}

func TestCompanyFromData(t *testing.T) {
	id, name, err := CompanyFromData([]byte{0x4c, 0x00, 0x02, 0x15})
	require.NoError(t, err)
	assert.Equal(t, uint16(0x004c), id)
	assert.Equal(t, "Apple, Inc.", name)

	id, name, err = CompanyFromData([]byte{0xfe, 0xff, 0x01})
	require.NoError(t, err)
	assert.Equal(t, uint16(0xfffe), id)
	assert.Equal(t, "", name, "unknown companies resolve to an empty name")

	_, _, err = CompanyFromData([]byte{0x4c})
	assert.Error(t, err)
}
