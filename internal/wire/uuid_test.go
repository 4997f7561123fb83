package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestNormalizeUUID verifies normalization across the accepted input forms.
func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "16-bit short form",
			input:    "2a19",
			expected: "2a19",
		},
		{
			name:     "uppercase short form",
			input:    "2A19",
			expected: "2a19",
		},
		{
			name:     "16-bit with 0x prefix",
			input:    "0x2A19",
			expected: "2a19",
		},
		{
			name:     "full SIG base UUID with dashes",
			input:    "00002a19-0000-1000-8000-00805f9b34fb",
			expected: "2a19",
		},
		{
			name:     "full SIG base UUID without dashes",
			input:    "00002a1900001000800000805f9b34fb",
			expected: "2a19",
		},
		{
			name:     "custom 128-bit UUID keeps full form",
			input:    "12345678-1234-5678-1234-56789abcdef0",
			expected: "1234567812345678123456789abcdef0",
		},
		{
			name:     "UUID with braces",
			input:    "{00002a19-0000-1000-8000-00805f9b34fb}",
			expected: "2a19",
		},
		{
			name:     "surrounding whitespace",
			input:    "  2a19  ",
			expected: "2a19",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

// TestShortenUUID verifies display truncation.
func TestShortenUUID(t *testing.T) {
	assert.Equal(t, "2a19", ShortenUUID("2a19"))
	assert.Equal(t, "12345678", ShortenUUID("1234567812345678123456789abcdef0"))
}

// TestLinkUUIDs pins the GATT layout of the link.
func TestLinkUUIDs(t *testing.T) {
	assert.Equal(t, "180f", ServiceUUID.String())
	assert.Equal(t, "2b18", VoltageUUID.String())
	assert.Equal(t, "2704", CurrentUUID.String())
	assert.Equal(t, "2726", PowerUUID.String())
	assert.Equal(t, "2a19", BatteryUUID.String())
	assert.Equal(t, "2a6e", TemperatureUUID.String())
	assert.Equal(t, "1234567812345678123456789abcdef0", CommandUUID.String())
}

// TestFieldMapping verifies the field enum round-trips through its UUID and
// that the command channel is not a telemetry field.
func TestFieldMapping(t *testing.T) {
	assert.Len(t, Fields(), 5)

	for _, f := range Fields() {
		got, ok := FieldByUUID(f.UUID())
		assert.True(t, ok, "field %s", f)
		assert.Equal(t, f, got)
		assert.NotEmpty(t, f.String())
		assert.NotEmpty(t, f.Unit())
	}

	_, ok := FieldByUUID(CommandUUID)
	assert.False(t, ok)

	assert.Equal(t, "unknown", Field(42).String())
	assert.Nil(t, Field(42).UUID())
}
