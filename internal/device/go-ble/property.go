package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/wearlink/internal/device"
)

// toCharProperty keeps the ble.Property bits the link cares about
func toCharProperty(p ble.Property) device.CharProperty {
	var props device.CharProperty
	if p&ble.CharWrite != 0 {
		props |= device.PropWrite
	}
	if p&ble.CharWriteNR != 0 {
		props |= device.PropWriteWithoutResponse
	}
	if p&ble.CharNotify != 0 {
		props |= device.PropNotify
	}
	if p&ble.CharIndicate != 0 {
		props |= device.PropIndicate
	}
	return props
}
