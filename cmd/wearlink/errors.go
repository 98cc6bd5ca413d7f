package main

import (
	"errors"
	"fmt"

	"github.com/srg/wearlink/internal/device"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link dropped while a command was using it.
	// This is distinct from device.ErrNotConnected, which indicates the link was
	// never established or was already closed.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError renders err with a hint on what the user can do about it
func FormatUserError(err error) string {
	hint := ""
	switch {
	case errors.Is(err, device.ErrRadioUnavailable):
		hint = "make sure Bluetooth is turned on and this program is allowed to use it"
	case errors.Is(err, device.ErrNoTarget):
		hint = "check the address and that the wearable is advertising (try 'wearlink scan')"
	case errors.Is(err, ErrConnectionLost), errors.Is(err, device.ErrLinkDropped):
		hint = "the wearable went out of range or was switched off"
	case errors.Is(err, device.ErrNotConnected):
		hint = "the link is not up; wait for services_ready before sending"
	case errors.Is(err, device.ErrWriteRejected):
		hint = "the radio refused the write; try write_without_response: false in the config"
	case errors.Is(err, device.ErrAlreadyConnected):
		hint = "another link to the wearable is active"
	case errors.Is(err, device.ErrServiceNotFound):
		hint = "the wearable does not expose the configured channel; check the service and characteristic UUIDs in the config"
	case errors.Is(err, device.ErrEmptyPayload):
		hint = "pass at least one byte of hex payload"
	}

	if hint == "" {
		return err.Error()
	}
	return fmt.Sprintf("%v\nHint: %s", err, hint)
}
