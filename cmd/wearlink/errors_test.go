package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/srg/wearlink/internal/device"
	"github.com/stretchr/testify/assert"
)

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		hint string
	}{
		{name: "radio off", err: device.NewError(device.RadioUnavailable, "powered off"), hint: "Bluetooth is turned on"},
		{name: "no target", err: fmt.Errorf("failed to connect: %w", device.ErrNoTarget), hint: "wearlink scan"},
		{name: "connection lost", err: ErrConnectionLost, hint: "out of range"},
		{name: "link dropped", err: device.NewError(device.LinkDropped, "timeout"), hint: "out of range"},
		{name: "not connected", err: device.ErrNotConnected, hint: "services_ready"},
		{name: "write rejected", err: fmt.Errorf("send incomplete: %w", device.ErrWriteRejected), hint: "write_without_response"},
		{name: "already connected", err: device.ErrAlreadyConnected, hint: "another link"},
		{name: "missing channel", err: &device.NotFoundError{Resource: "characteristic", UUIDs: []string{"f000efe0", "f000efe1"}}, hint: "UUIDs in the config"},
		{name: "empty payload", err: device.ErrEmptyPayload, hint: "at least one byte"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := FormatUserError(tt.err)
			assert.Contains(t, msg, tt.err.Error())
			assert.Contains(t, msg, "\nHint: ")
			assert.Contains(t, msg, tt.hint)
		})
	}
}

func TestFormatUserErrorWithoutHint(t *testing.T) {
	err := errors.New("invalid format 'xml'")
	assert.Equal(t, "invalid format 'xml'", FormatUserError(err))
}
