package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/wearlink/internal/device"
	"github.com/srg/wearlink/internal/events"
	"github.com/stretchr/testify/suite"
)

// MockRadioSuite provides a reusable testify suite with a mocked radio,
// a mocked link, and an event queue whose deliveries are recorded.
//
// Basic usage:
//
//	type ManagerSuite struct {
//	    testutils.MockRadioSuite
//	}
//
//	func TestManagerSuite(t *testing.T) {
//	    suite.Run(t, new(ManagerSuite))
//	}
//
//	func (s *ManagerSuite) TestConnect() {
//	    s.Radio.On("Available").Return(nil)
//	    s.Radio.On("Connect", "AA:BB", mock.Anything).Return(s.Link, nil)
//	    // ... drive s.Radio.LastSession() like the radio stack would
//	    s.Equal([]device.ConnectionState{device.Connecting}, s.FlushStates())
//	}
type MockRadioSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	Radio    *MockRadio
	Link     *MockLink
	Queue    *events.Queue
	Recorder *EventRecorder

	TestTimeout time.Duration
}

// SetupSuite is called once before all tests in the suite
func (s *MockRadioSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 2 * time.Second
}

// SetupTest creates fresh mocks and a fresh queue for each test
func (s *MockRadioSuite) SetupTest() {
	s.Radio = new(MockRadio)
	s.Link = new(MockLink)
	s.Queue = events.NewQueue(0, s.Logger)
	s.Recorder = NewEventRecorder(s.Queue)
}

// TearDownTest stops the queue; safe after FlushEvents
func (s *MockRadioSuite) TearDownTest() {
	if s.Queue != nil {
		s.Queue.Close()
	}
}

// FlushEvents closes the queue, which delivers everything already published,
// and returns the recorded envelopes. Later publishes are discarded.
func (s *MockRadioSuite) FlushEvents() []events.Envelope {
	s.Queue.Close()
	return s.Recorder.Envelopes()
}

// FlushStates is FlushEvents reduced to the StateChanged states
func (s *MockRadioSuite) FlushStates() []device.ConnectionState {
	s.Queue.Close()
	return s.Recorder.States()
}

// WaitForEvents fails the test if fewer than n envelopes arrive in time
func (s *MockRadioSuite) WaitForEvents(n int) []events.Envelope {
	if !s.Recorder.WaitFor(n, s.TestTimeout) {
		s.FailNowf("timeout", "expected %d envelopes, got %d", n, len(s.Recorder.Envelopes()))
	}
	return s.Recorder.Envelopes()
}

// WearableServiceTable returns a table exposing the default write and notify channels
func WearableServiceTable() device.ServiceTable {
	table := device.ServiceTable{}
	table.Add(device.DefaultWriteChannel.Service, device.DefaultWriteChannel.Characteristic,
		device.PropWrite|device.PropWriteWithoutResponse)
	table.Add(device.DefaultNotifyChannel.Service, device.DefaultNotifyChannel.Characteristic,
		device.PropNotify)
	table.Add("180f", "2a19", device.PropNotify)
	return table
}
