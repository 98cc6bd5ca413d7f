//go:build test

package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

// PeripheralSuite provides a reusable test suite backed by a SimulatedPeripheral.
//
// Basic usage (wearable profile, no advertisements):
//
//	type SendSuite struct {
//	    testutils.PeripheralSuite
//	}
//
//	func TestSendSuite(t *testing.T) {
//	    suite.Run(t, new(SendSuite))
//	}
//
// Custom peripheral:
//
//	func (s *ScanSuite) SetupTest() {
//	    s.WithPeripheral().
//	        WithWearableProfile().
//	        WithAdvertisements(testutils.CreateMockAdvertisement("WISH-01", "AA:BB", -40).Build())
//
//	    s.PeripheralSuite.SetupTest() // call parent last to apply configuration
//	}
type PeripheralSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	TestTimeout time.Duration

	// PeripheralBuilder configures the peripheral built for the next test
	PeripheralBuilder *PeripheralBuilder
	// Peripheral is the device under test; rebuilt for every test
	Peripheral *SimulatedPeripheral
}

// SetupSuite is called once before all tests in the suite
func (s *PeripheralSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 5 * time.Second
}

// SetupTest builds the peripheral, falling back to the wearable profile
func (s *PeripheralSuite) SetupTest() {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = NewPeripheralBuilder().WithWearableProfile()
	}
	s.Peripheral = s.PeripheralBuilder.Build()
	s.Logger.Debug("Test setup completed - ready for execution")
}

// TearDownTest stops any scan left running and resets the builder
func (s *PeripheralSuite) TearDownTest() {
	if s.Peripheral != nil {
		_ = s.Peripheral.StopScan()
	}
	s.PeripheralBuilder = nil
	s.Peripheral = nil
}

// WithPeripheral returns the builder for fluent configuration in SetupTest
func (s *PeripheralSuite) WithPeripheral() *PeripheralBuilder {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = NewPeripheralBuilder()
	}
	return s.PeripheralBuilder
}

// WaitUntil waits until cond holds, using the suite timeout
func (s *PeripheralSuite) WaitUntil(cond func() bool, msgAndArgs ...interface{}) bool {
	return s.Eventually(cond, s.TestTimeout, 10*time.Millisecond, msgAndArgs...)
}
