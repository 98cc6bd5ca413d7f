package connection

import (
	"errors"
	"testing"
	"time"

	"github.com/srg/wearlink/internal/device"
	"github.com/srg/wearlink/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// withReconnect replaces the suite manager with one using policy
func (s *ManagerSuite) withReconnect(policy Reconnect) {
	opts := DefaultOptions()
	opts.ReadyTimeout = 0
	opts.Reconnect = policy
	s.manager = New(s.Radio, s.Queue, opts, s.Logger)
}

func (s *ManagerSuite) waitForSessions(n int) device.LinkEvents {
	s.Require().Eventually(func() bool { return s.Radio.Sessions() >= n }, s.TestTimeout, time.Millisecond,
		"expected %d connect attempts", n)
	return s.Radio.Session(n - 1)
}

func (s *ManagerSuite) TestReconnectAfterUnsolicitedDrop() {
	s.withReconnect(Reconnect{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2, Attempts: 3})
	s.expectLink()

	session := s.bringUp(testutils.WearableServiceTable())
	session.OnDisconnected(errors.New("supervision timeout"))
	s.True(s.manager.Reconnecting())

	next := s.waitForSessions(2)
	s.Equal(device.Connecting, s.manager.State())
	next.OnConnected()
	next.OnServicesDiscovered(testutils.WearableServiceTable(), nil)

	s.Equal(device.ServicesReady, s.manager.State())
	s.False(s.manager.Reconnecting())
	peer, ok := s.manager.Peer()
	s.True(ok)
	s.Equal(ring, peer, "the last peer is reconnected")

	s.Equal([]device.ConnectionState{
		device.Connecting, device.Connected, device.ServicesReady, device.Disconnected,
		device.Connecting, device.Connected, device.ServicesReady,
	}, s.FlushStates())
}

func (s *ManagerSuite) TestReconnectStopsAtAttemptLimit() {
	s.withReconnect(Reconnect{Initial: time.Millisecond, Multiplier: 1, Attempts: 2})
	s.expectLink()

	s.bringUp(testutils.WearableServiceTable()).OnDisconnected(errors.New("out of range"))

	// every attempt fails before services are ready
	s.waitForSessions(2).OnDisconnected(errors.New("connection failed"))
	s.waitForSessions(3).OnDisconnected(errors.New("connection failed"))

	s.Eventually(func() bool { return !s.manager.Reconnecting() }, s.TestTimeout, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	s.Equal(3, s.Radio.Sessions(), "no attempt MUST follow the last one")
	s.Equal(device.Disconnected, s.manager.State())
}

func (s *ManagerSuite) TestCloseCancelsPendingReconnect() {
	s.withReconnect(Reconnect{Initial: 30 * time.Millisecond, Attempts: 5})
	s.expectLink()

	s.bringUp(testutils.WearableServiceTable()).OnDisconnected(errors.New("out of range"))
	s.Require().True(s.manager.Reconnecting())

	s.manager.Close()
	s.False(s.manager.Reconnecting())

	time.Sleep(80 * time.Millisecond)
	s.Equal(1, s.Radio.Sessions())
	s.Equal(device.Disconnected, s.manager.State())
}

func (s *ManagerSuite) TestCloseDoesNotTriggerReconnect() {
	s.withReconnect(Reconnect{Initial: time.Millisecond, Attempts: 5})
	s.expectLink()

	s.bringUp(testutils.WearableServiceTable())
	s.manager.Close()

	time.Sleep(20 * time.Millisecond)
	s.False(s.manager.Reconnecting())
	s.Equal(1, s.Radio.Sessions())
}

func (s *ManagerSuite) TestNoReconnectForLinkThatNeverBecameReady() {
	s.withReconnect(Reconnect{Initial: time.Millisecond, Attempts: 5})
	s.expectLink()

	s.Require().NoError(s.manager.Connect(ring))
	s.Radio.LastSession().OnDisconnected(errors.New("connection failed"))

	time.Sleep(20 * time.Millisecond)
	s.False(s.manager.Reconnecting())
	s.Equal(1, s.Radio.Sessions())
}

func (s *ManagerSuite) TestReconnectInitiationFailureAnnouncesEnd() {
	s.withReconnect(Reconnect{Initial: time.Millisecond, Attempts: 1})
	s.Radio.On("Available").Return(nil)
	s.Radio.On("Connect", ring.Address, mock.Anything).Return(s.Link, nil).Once()
	s.Radio.On("Connect", ring.Address, mock.Anything).Return(nil, errors.New("dial failed"))
	s.Link.On("DiscoverServices").Return(nil)
	s.Link.On("Subscribe", device.DefaultNotifyChannel).Return(nil)
	s.Link.On("Disconnect").Return(nil)

	s.bringUp(testutils.WearableServiceTable()).OnDisconnected(errors.New("out of range"))

	s.Eventually(func() bool { return !s.manager.Reconnecting() }, s.TestTimeout, time.Millisecond)
	s.Equal(2, s.Radio.Sessions())
	s.Equal([]device.ConnectionState{
		device.Connecting, device.Connected, device.ServicesReady, device.Disconnected,
		device.Disconnected,
	}, s.FlushStates(), "giving up MUST be visible on the event stream")
}

func (s *ManagerSuite) TestUserConnectCancelsReconnect() {
	s.withReconnect(Reconnect{Initial: 30 * time.Millisecond, Attempts: 5})
	s.expectLink()

	s.bringUp(testutils.WearableServiceTable()).OnDisconnected(errors.New("out of range"))
	s.Require().NoError(s.manager.Connect(ring))
	s.False(s.manager.Reconnecting())

	time.Sleep(80 * time.Millisecond)
	s.Equal(2, s.Radio.Sessions(), "the pending attempt MUST NOT fire after an explicit connect")
}

func TestReconnectDelay(t *testing.T) {
	policy := DefaultReconnect()
	expected := []time.Duration{3 * time.Second, 6 * time.Second, 12 * time.Second, 24 * time.Second, 48 * time.Second, 60 * time.Second}
	for i, want := range expected {
		assert.Equal(t, want, policy.Delay(i+1), "attempt %d", i+1)
	}

	constant := Reconnect{Initial: time.Second, Multiplier: 0.5, Attempts: 3}
	assert.Equal(t, time.Second, constant.Delay(3))
	assert.Equal(t, time.Second, constant.Delay(0))

	assert.True(t, policy.Enabled())
	assert.False(t, Reconnect{}.Enabled())
	assert.Equal(t, 5, policy.Attempts)
}
