package scanner_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/wearlink/internal/device"
	"github.com/srg/wearlink/internal/testutils"
	"github.com/srg/wearlink/scanner"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	suitelib "github.com/stretchr/testify/suite"
)

// recordingListener keeps every discovery it receives
type recordingListener struct {
	mu  sync.Mutex
	got []scanner.Discovery
}

func (l *recordingListener) OnDiscovered(d scanner.Discovery) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, d)
}

func (l *recordingListener) Received() []scanner.Discovery {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]scanner.Discovery(nil), l.got...)
}

func (l *recordingListener) Addresses() []string {
	var result []string
	for _, d := range l.Received() {
		result = append(result, d.Peer.Address)
	}
	return result
}

type RegistryTestSuite struct {
	suitelib.Suite

	helper   *testutils.TestHelper
	scanner  *testutils.MockScanner
	registry *scanner.Registry

	ring1, ring2, nameless, foreign device.Advertisement
}

func TestRegistryTestSuite(t *testing.T) {
	suitelib.Run(t, new(RegistryTestSuite))
}

func (suite *RegistryTestSuite) SetupTest() {
	suite.helper = testutils.NewTestHelper(suite.T())
	suite.scanner = new(testutils.MockScanner)
	suite.registry = scanner.NewRegistry(suite.scanner, scanner.Options{NamePrefixes: scanner.DefaultNamePrefixes}, suite.helper.Logger)

	suite.ring1 = testutils.CreateMockAdvertisement("WISH_RING-R1", "AA:BB:CC:DD:EE:01", -45).
		WithServices("F000EFE0-0451-4000-0000-00000000B000").
		Build()
	suite.ring2 = testutils.CreateMockAdvertisement("WishRing-R2", "AA:BB:CC:DD:EE:02", -70).Build()
	suite.nameless = testutils.CreateMockAdvertisementFromJSON(`{"address": "AA:BB:CC:DD:EE:03", "rssi": -40}`).Build()
	suite.foreign = testutils.CreateMockAdvertisement("Heart Rate", "AA:BB:CC:DD:EE:04", -50).Build()
}

func (suite *RegistryTestSuite) expectScanner() {
	suite.scanner.On("Available").Return(nil)
	suite.scanner.On("StartScan", mock.Anything).Return(nil)
	suite.scanner.On("StopScan").Return(nil)
}

func (suite *RegistryTestSuite) TestStartScanRequiresListener() {
	err := suite.registry.StartScan()
	suite.ErrorIs(err, device.ErrNoTarget)
	suite.False(suite.registry.Scanning())
	suite.scanner.AssertNotCalled(suite.T(), "StartScan", mock.Anything)
}

func (suite *RegistryTestSuite) TestStartScanRadioUnavailable() {
	suite.scanner.On("Available").Return(errors.New("bluetooth powered off"))
	suite.registry.AddListener(&recordingListener{})

	err := suite.registry.StartScan()
	suite.ErrorIs(err, device.ErrRadioUnavailable)
	suite.False(suite.registry.Scanning())
	suite.scanner.AssertNotCalled(suite.T(), "StartScan", mock.Anything)
}

func (suite *RegistryTestSuite) TestStartScanFailure() {
	suite.scanner.On("Available").Return(nil)
	suite.scanner.On("StartScan", mock.Anything).Return(errors.New("hci busy"))
	suite.registry.AddListener(&recordingListener{})

	err := suite.registry.StartScan()
	suite.ErrorIs(err, device.ErrRadioUnavailable)
	suite.False(suite.registry.Scanning())
}

func (suite *RegistryTestSuite) TestAddListenerDoesNotStartScan() {
	l := &recordingListener{}
	suite.registry.AddListener(l)
	suite.registry.AddListener(l)

	suite.Equal(1, suite.registry.Listeners())
	suite.False(suite.registry.Scanning())
	suite.scanner.AssertNotCalled(suite.T(), "StartScan", mock.Anything)
}

func (suite *RegistryTestSuite) TestFanOutFiltersNamelessAndForeignPeers() {
	suite.expectScanner()
	first, second := &recordingListener{}, &recordingListener{}
	suite.registry.AddListener(first)
	suite.registry.AddListener(second)
	suite.Require().NoError(suite.registry.StartScan())

	suite.True(suite.scanner.Emit(suite.ring1, suite.nameless, suite.foreign, suite.ring2))

	expected := []string{"AA:BB:CC:DD:EE:01", "AA:BB:CC:DD:EE:02"}
	suite.Equal(expected, first.Addresses())
	suite.Equal(expected, second.Addresses())

	d := first.Received()[0]
	suite.Equal(device.Peer{Address: "AA:BB:CC:DD:EE:01", Name: "WISH_RING-R1"}, d.Peer)
	suite.Equal(-45, d.RSSI)
	suite.Equal(scanner.EventNew, d.Type)
	suite.Equal([]string{"f000efe004514000000000000000b000"}, d.Services)
}

func (suite *RegistryTestSuite) TestDuplicateDiscoveryUpdatesMetadata() {
	suite.expectScanner()
	l := &recordingListener{}
	suite.registry.AddListener(l)
	suite.Require().NoError(suite.registry.StartScan())

	closer := testutils.CreateMockAdvertisement("WISH_RING-R1", "AA:BB:CC:DD:EE:01", -30).Build()
	suite.scanner.Emit(suite.ring1, suite.ring2, closer)

	received := l.Received()
	suite.Require().Len(received, 3)
	suite.Equal(scanner.EventUpdated, received[2].Type)
	suite.Equal(-30, received[2].RSSI)

	peers := suite.registry.Peers()
	suite.Require().Len(peers, 2, "a repeat discovery MUST NOT duplicate the peer")
	suite.Equal("AA:BB:CC:DD:EE:01", peers[0].Peer.Address)
	suite.Equal(-30, peers[0].RSSI)
	suite.Equal("AA:BB:CC:DD:EE:02", peers[1].Peer.Address)
}

func (suite *RegistryTestSuite) TestListenerPanicIsIsolated() {
	suite.expectScanner()
	faulty := scanner.NewFuncListener(func(scanner.Discovery) { panic("listener bug") })
	healthy := &recordingListener{}
	suite.registry.AddListener(faulty)
	suite.registry.AddListener(healthy)
	suite.Require().NoError(suite.registry.StartScan())

	suite.NotPanics(func() { suite.scanner.Emit(suite.ring1, suite.ring2) })
	suite.Len(healthy.Received(), 2)
}

func (suite *RegistryTestSuite) TestSecondListenerDoesNotRestartScan() {
	suite.expectScanner()
	first, second := &recordingListener{}, &recordingListener{}
	suite.registry.AddListener(first)
	suite.Require().NoError(suite.registry.StartScan())

	suite.registry.AddListener(second)
	suite.True(suite.registry.Scanning())
	suite.scanner.AssertNumberOfCalls(suite.T(), "StartScan", 1)

	suite.scanner.Emit(suite.ring1)
	suite.Len(second.Received(), 1)
}

func (suite *RegistryTestSuite) TestRemovingLastListenerStopsScan() {
	suite.expectScanner()
	first, second := &recordingListener{}, &recordingListener{}
	suite.registry.AddListener(first)
	suite.registry.AddListener(second)
	suite.Require().NoError(suite.registry.StartScan())

	suite.registry.RemoveListener(first)
	suite.True(suite.registry.Scanning())
	suite.scanner.AssertNotCalled(suite.T(), "StopScan")

	suite.registry.RemoveListener(second)
	suite.False(suite.registry.Scanning())
	suite.scanner.AssertNumberOfCalls(suite.T(), "StopScan", 1)
	suite.scanner.AssertNumberOfCalls(suite.T(), "StartScan", 1)

	// removing an unknown listener is harmless
	suite.registry.RemoveListener(first)
	suite.scanner.AssertNumberOfCalls(suite.T(), "StopScan", 1)
}

func (suite *RegistryTestSuite) TestRestartStopsPreviousSession() {
	suite.expectScanner()
	l := &recordingListener{}
	suite.registry.AddListener(l)
	suite.Require().NoError(suite.registry.StartScan())

	var stale func(device.Advertisement)
	for _, call := range suite.scanner.Calls {
		if call.Method == "StartScan" {
			stale = call.Arguments.Get(0).(func(device.Advertisement))
		}
	}
	suite.Require().NotNil(stale)

	suite.Require().NoError(suite.registry.StartScan())
	suite.scanner.AssertNumberOfCalls(suite.T(), "StopScan", 1)
	suite.scanner.AssertNumberOfCalls(suite.T(), "StartScan", 2)
	suite.True(suite.registry.Scanning())

	stale(suite.ring1) // callback registered by the first session
	suite.Empty(l.Received(), "the superseded session MUST NOT reach listeners")
}

func (suite *RegistryTestSuite) TestStopScanIsIdempotent() {
	suite.scanner.On("Available").Return(nil)
	suite.scanner.On("StartScan", mock.Anything).Return(nil)
	suite.scanner.On("StopScan").Return(errors.New("already stopped"))
	suite.registry.AddListener(&recordingListener{})

	suite.registry.StopScan()
	suite.scanner.AssertNotCalled(suite.T(), "StopScan")

	suite.Require().NoError(suite.registry.StartScan())
	suite.NotPanics(func() {
		suite.registry.StopScan()
		suite.registry.StopScan()
	})
	suite.False(suite.registry.Scanning())
	suite.scanner.AssertNumberOfCalls(suite.T(), "StopScan", 1)
}

func (suite *RegistryTestSuite) TestScanTimeout() {
	suite.expectScanner()
	registry := scanner.NewRegistry(suite.scanner, scanner.Options{Timeout: 20 * time.Millisecond}, suite.helper.Logger)
	registry.AddListener(&recordingListener{})
	suite.Require().NoError(registry.StartScan())

	suite.Eventually(func() bool { return !registry.Scanning() }, time.Second, 5*time.Millisecond)
	suite.scanner.AssertNumberOfCalls(suite.T(), "StopScan", 1)
}

func (suite *RegistryTestSuite) TestEmptyPrefixAcceptsAnyNamedPeer() {
	suite.expectScanner()
	registry := scanner.NewRegistry(suite.scanner, scanner.Options{}, suite.helper.Logger)
	l := &recordingListener{}
	registry.AddListener(l)
	suite.Require().NoError(registry.StartScan())

	suite.scanner.Emit(suite.foreign, suite.nameless, suite.ring2)
	suite.Equal([]string{"AA:BB:CC:DD:EE:04", "AA:BB:CC:DD:EE:02"}, l.Addresses())
}

func (suite *RegistryTestSuite) TestDefaultPrefixesIgnoreCase() {
	suite.expectScanner()
	l := &recordingListener{}
	suite.registry.AddListener(l)
	suite.Require().NoError(suite.registry.StartScan())

	suite.scanner.Emit(
		testutils.CreateMockAdvertisement("WISH_RING_01", "AA:BB:CC:DD:EE:11", -40).Build(),
		testutils.CreateMockAdvertisement("WishRing-02", "AA:BB:CC:DD:EE:12", -40).Build(),
		testutils.CreateMockAdvertisement("mrd-03", "AA:BB:CC:DD:EE:13", -40).Build(),
		testutils.CreateMockAdvertisement("wish_ring_04", "AA:BB:CC:DD:EE:14", -40).Build(),
		testutils.CreateMockAdvertisement("WISH", "AA:BB:CC:DD:EE:15", -40).Build(),
		testutils.CreateMockAdvertisement("MR", "AA:BB:CC:DD:EE:16", -40).Build(),
		suite.foreign,
	)
	suite.Equal([]string{
		"AA:BB:CC:DD:EE:11",
		"AA:BB:CC:DD:EE:12",
		"AA:BB:CC:DD:EE:13",
		"AA:BB:CC:DD:EE:14",
	}, l.Addresses())
}

// stoppingListener stops the registry scan from inside its first delivery
type stoppingListener struct {
	recordingListener
	registry *scanner.Registry
	once     sync.Once
	stopped  chan time.Duration
}

func (l *stoppingListener) OnDiscovered(d scanner.Discovery) {
	l.recordingListener.OnDiscovered(d)
	l.once.Do(func() {
		start := time.Now()
		l.registry.StopScan()
		l.stopped <- time.Since(start)
	})
}

func (suite *RegistryTestSuite) TestListenerStopsScanFromCallback() {
	radio := testutils.NewPeripheralBuilder().
		WithAdvertisements(suite.ring1, suite.ring2).
		Build()
	registry := scanner.NewRegistry(radio, scanner.DefaultOptions(), suite.helper.Logger)
	l := &stoppingListener{registry: registry, stopped: make(chan time.Duration, 1)}
	registry.AddListener(l)
	suite.Require().NoError(registry.StartScan())

	select {
	case elapsed := <-l.stopped:
		suite.Less(elapsed, time.Second)
	case <-time.After(2 * time.Second):
		suite.Fail("StopScan called from a listener did not return")
	}
	suite.False(registry.Scanning())
	suite.Equal([]string{"AA:BB:CC:DD:EE:01"}, l.Addresses())
}

func TestMatchesPrefix(t *testing.T) {
	tests := []struct {
		name     string
		prefixes []string
		want     bool
	}{
		{"WishRing-02", scanner.DefaultNamePrefixes, true},
		{"mrd-03", scanner.DefaultNamePrefixes, true},
		{"WISH_RING", scanner.DefaultNamePrefixes, true},
		{"WISH-R1", scanner.DefaultNamePrefixes, false},
		{"M", scanner.DefaultNamePrefixes, false},
		{"Heart Rate", nil, true},
		{"band-7", []string{"BAND"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, scanner.MatchesPrefix(tt.name, tt.prefixes))
		})
	}
}

func TestChannelListener(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	sc := new(testutils.MockScanner)
	sc.On("Available").Return(nil)
	sc.On("StartScan", mock.Anything).Return(nil)
	sc.On("StopScan").Return(nil)

	registry := scanner.NewRegistry(sc, scanner.DefaultOptions(), helper.Logger)
	listener := scanner.NewChannelListener(2)
	registry.AddListener(listener)
	require.NoError(t, registry.StartScan())

	for _, rssi := range []int{-60, -55, -50} {
		sc.Emit(testutils.CreateMockAdvertisement("WISH_RING-R1", "AA:BB:CC:DD:EE:01", rssi).Build())
	}
	registry.RemoveListener(listener)
	listener.Close()

	var got []int
	for d := range listener.Events() {
		got = append(got, d.RSSI)
	}
	require.Equal(t, []int{-55, -50}, got)
	require.Equal(t, int64(1), listener.Dropped())
	require.False(t, registry.Scanning())
}
