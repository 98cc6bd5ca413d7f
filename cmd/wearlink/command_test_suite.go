//go:build test

package main

import (
	"bytes"
	"io"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/wearlink/internal/device"
	"github.com/srg/wearlink/internal/testutils"
	"github.com/srg/wearlink/pkg/config"
)

// Test device addresses for consistent simulated peripheral identification
const (
	TestDeviceAddress1 = "00:00:00:00:00:01"
	TestDeviceAddress2 = "00:00:00:00:00:02"
)

// CommandTestSuite extends PeripheralSuite with command testing utilities.
// Commands talk to s.Peripheral instead of the platform radio.
type CommandTestSuite struct {
	testutils.PeripheralSuite

	originalRadio   func(*config.Config, *logrus.Logger) device.Radio
	originalScanner func(*logrus.Logger) device.Scanner
}

func (s *CommandTestSuite) SetupSuite() {
	s.PeripheralSuite.SetupSuite()
	color.NoColor = true

	s.originalRadio = newRadio
	s.originalScanner = newScanner
	s.T().Cleanup(func() {
		newRadio = s.originalRadio
		newScanner = s.originalScanner
	})
}

func (s *CommandTestSuite) SetupTest() {
	s.PeripheralSuite.SetupTest()

	// resolved at call time so a test may replace s.Peripheral
	newRadio = func(*config.Config, *logrus.Logger) device.Radio { return s.Peripheral }
	newScanner = func(*logrus.Logger) device.Scanner { return s.Peripheral }
}

// UsePeripheral replaces the peripheral built by SetupTest
func (s *CommandTestSuite) UsePeripheral(b *testutils.PeripheralBuilder) *testutils.SimulatedPeripheral {
	s.Peripheral = b.Build()
	return s.Peripheral
}

// ExecuteCommand runs the root command with args and returns what it wrote to stdout.
// Flags are reset to their defaults first; stderr (logs, progress) is discarded.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	resetFlags(rootCmd)

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// ExecuteCommandAsync runs ExecuteCommand on its own goroutine
func (s *CommandTestSuite) ExecuteCommandAsync(args ...string) <-chan CommandResult {
	result := make(chan CommandResult, 1)
	go func() {
		out, err := s.ExecuteCommand(args...)
		result <- CommandResult{Output: out, Err: err}
	}()
	return result
}

// CommandResult is the outcome of an asynchronous command run
type CommandResult struct {
	Output string
	Err    error
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}
