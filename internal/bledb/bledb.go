// Package bledb resolves GATT UUIDs to human-readable names for display.
// It covers the wearable family's vendor UUIDs plus the SIG-assigned
// services and characteristics these devices commonly expose.
package bledb

import "github.com/srg/wearlink/internal/device"

var services = map[string]string{
	"1800":                             "Generic Access",
	"1801":                             "Generic Attribute",
	"180a":                             "Device Information",
	"180d":                             "Heart Rate",
	"180f":                             "Battery Service",
	"fe59":                             "Nordic DFU",
	"f000efe004514000000000000000b000": "Wearable Data",
}

var characteristics = map[string]string{
	"2a00":                             "Device Name",
	"2a01":                             "Appearance",
	"2a05":                             "Service Changed",
	"2a19":                             "Battery Level",
	"2a24":                             "Model Number String",
	"2a26":                             "Firmware Revision String",
	"2a29":                             "Manufacturer Name String",
	"2a37":                             "Heart Rate Measurement",
	"f000efe104514000000000000000b000": "Wearable Command",
	"f000efe304514000000000000000b000": "Wearable Notify",
}

// LookupService returns the known name of a service UUID in any accepted form, or ""
func LookupService(uuid string) string {
	return services[device.NormalizeUUID(uuid)]
}

// LookupCharacteristic returns the known name of a characteristic UUID in any accepted form, or ""
func LookupCharacteristic(uuid string) string {
	return characteristics[device.NormalizeUUID(uuid)]
}

// Describe formats a UUID for display, appending its known name when there is one
func Describe(uuid string, lookup func(string) string) string {
	short := device.ShortenUUID(device.NormalizeUUID(uuid))
	if name := lookup(uuid); name != "" {
		return short + " (" + name + ")"
	}
	return short
}
