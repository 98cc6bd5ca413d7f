package bledb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupService(t *testing.T) {
	tests := []struct {
		name     string
		uuid     string
		expected string
	}{
		{name: "short form", uuid: "180f", expected: "Battery Service"},
		{name: "0x prefix", uuid: "0x180F", expected: "Battery Service"},
		{name: "full SIG UUID with dashes", uuid: "0000180f-0000-1000-8000-00805f9b34fb", expected: "Battery Service"},
		{name: "vendor UUID with dashes", uuid: "F000EFE0-0451-4000-0000-00000000B000", expected: "Wearable Data"},
		{name: "unknown", uuid: "6e400001-b5a3-f393-e0a9-e50e24dcca9e", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, LookupService(tt.uuid))
		})
	}
}

func TestLookupCharacteristic(t *testing.T) {
	assert.Equal(t, "Battery Level", LookupCharacteristic("00002a19-0000-1000-8000-00805f9b34fb"))
	assert.Equal(t, "Wearable Command", LookupCharacteristic("f000efe1-0451-4000-0000-00000000b000"))
	assert.Equal(t, "Wearable Notify", LookupCharacteristic("f000efe304514000000000000000b000"))
	assert.Empty(t, LookupCharacteristic("f000efe2-0451-4000-0000-00000000b000"))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "f000efe0 (Wearable Data)", Describe("f000efe0-0451-4000-0000-00000000b000", LookupService))
	assert.Equal(t, "2a19 (Battery Level)", Describe("2A19", LookupCharacteristic))
	assert.Equal(t, "6e400001", Describe("6e400001-b5a3-f393-e0a9-e50e24dcca9e", LookupService))
}
