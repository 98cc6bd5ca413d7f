package connection

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/wearlink/internal/device"
	"github.com/srg/wearlink/internal/events"
)

// DefaultReadyTimeout bounds how long a link may take to reach ServicesReady
const DefaultReadyTimeout = 5 * time.Second

// Options configures a Manager
type Options struct {
	// ReadyTimeout tears the link down if ServicesReady is not reached in time. Zero disables it.
	ReadyTimeout  time.Duration
	WriteMode     device.WriteMode
	WriteChannel  device.Channel
	NotifyChannel device.Channel
	// Reconnect re-links the last peer after an unsolicited drop. Disabled by default.
	Reconnect Reconnect
}

// DefaultOptions returns options for the supported wearable family
func DefaultOptions() Options {
	return Options{
		ReadyTimeout:  DefaultReadyTimeout,
		WriteMode:     device.WriteWithoutResponse,
		WriteChannel:  device.DefaultWriteChannel,
		NotifyChannel: device.DefaultNotifyChannel,
	}
}

// Manager owns the single link to a wearable and drives its state machine:
//
//	Disconnected -> Connecting -> Connected -> ServicesReady
//	     ^______________|______________|______________|   (drop, failure, Close)
//
// All state and the link handle are guarded by mu. Radio callbacks carry the
// epoch of the connect attempt that produced them; anything from an older
// epoch is ignored. Envelopes are published while mu is held so the queue
// sees transitions in the order they happened.
type Manager struct {
	radio  device.Radio
	queue  *events.Queue
	opts   Options
	logger *logrus.Logger

	mu         sync.RWMutex
	state      device.ConnectionState
	peer       device.Peer
	link       device.Link
	table      device.ServiceTable
	epoch      uint64
	readyTimer *time.Timer

	established  bool // the current peer reached ServicesReady since the last Connect or Close
	reconnecting bool
	retries      int
	retryTimer   *time.Timer

	writeMu sync.Mutex // one outstanding write per link
}

// New creates a Manager in the Disconnected state
func New(radio device.Radio, queue *events.Queue, opts Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.WriteChannel.IsZero() {
		opts.WriteChannel = device.DefaultWriteChannel
	}
	if opts.NotifyChannel.IsZero() {
		opts.NotifyChannel = device.DefaultNotifyChannel
	}
	return &Manager{
		radio:  radio,
		queue:  queue,
		opts:   opts,
		logger: logger,
	}
}

// State returns the current connection state
func (m *Manager) State() device.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Peer returns the peer of the current link, if any
func (m *Manager) Peer() (device.Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == device.Disconnected {
		return device.Peer{}, false
	}
	return m.peer, true
}

// Connect initiates a link to peer and returns without waiting for it.
// Progress is reported through StateChanged envelopes; on error no transition happens.
func (m *Manager) Connect(peer device.Peer) error {
	if peer.Address == "" {
		m.logger.Warn("Connect called without a peer address")
		return device.NewError(device.NoTarget, "peer address is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != device.Disconnected {
		return device.NewError(device.AlreadyConnected, "link to %s is %s", m.peer, m.state)
	}

	m.cancelReconnectLocked()
	m.established = false
	return m.connectLocked(peer)
}

func (m *Manager) connectLocked(peer device.Peer) error {
	if err := m.radio.Available(); err != nil {
		m.logger.WithError(err).Warn("Radio unavailable, connect ignored")
		return asFailure(err, device.RadioUnavailable)
	}

	m.epoch++
	epoch := m.epoch

	link, err := m.radio.Connect(peer.Address, &session{m: m, epoch: epoch})
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"peer":  peer.Address,
			"error": err,
		}).Warn("Link initiation failed")
		return asFailure(err, device.RadioUnavailable)
	}

	m.link = link
	m.peer = peer
	m.table = nil
	m.armReadyTimerLocked(epoch)
	m.setStateLocked(device.Connecting)

	m.logger.WithFields(logrus.Fields{
		"peer":  peer.String(),
		"epoch": epoch,
	}).Info("Connecting")
	return nil
}

// Send writes data to the write channel of the live link.
//
// Writes are fire-and-forget: a nil error means the radio accepted the
// request, not that the peer processed it. Nothing is queued or retried.
func (m *Manager) Send(data []byte) error {
	if len(data) == 0 {
		return device.ErrEmptyPayload
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.link == nil || (m.state != device.Connected && m.state != device.ServicesReady) {
		return device.NewError(device.NotConnected, "link is %s", m.state)
	}
	if _, err := m.table.Lookup(m.opts.WriteChannel); err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := m.link.Write(m.opts.WriteChannel, data, m.opts.WriteMode); err != nil {
		m.logger.WithFields(logrus.Fields{
			"peer":    m.peer.Address,
			"channel": m.opts.WriteChannel.String(),
			"bytes":   len(data),
			"error":   err,
		}).Warn("Write rejected")
		return asFailure(err, device.WriteRejected)
	}

	m.logger.WithFields(logrus.Fields{
		"channel": m.opts.WriteChannel.String(),
		"bytes":   len(data),
		"mode":    m.opts.WriteMode.String(),
	}).Debug("Write accepted")
	return nil
}

// Close forces the Disconnected state from any state and releases the link.
// Callbacks that arrive afterwards for the old link are ignored and a pending
// reconnect is cancelled. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	m.epoch++ // invalidate in-flight callbacks even when already disconnected
	m.cancelReconnectLocked()
	m.established = false
	if m.state == device.Disconnected {
		m.mu.Unlock()
		return
	}
	link := m.resetLocked()
	m.mu.Unlock()

	m.logger.Info("Link closed")
	m.release(link)
}

func (m *Manager) onConnected(epoch uint64) {
	m.mu.Lock()
	if !m.currentLocked(epoch, device.Connecting) {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(device.Connected)
	link := m.link
	m.mu.Unlock()

	m.logger.WithField("peer", m.peerAddress()).Info("Link connected, discovering services")
	if err := link.DiscoverServices(); err != nil {
		m.teardown(epoch, err, "Service discovery failed to start")
	}
}

func (m *Manager) onDisconnected(epoch uint64, err error) {
	m.mu.Lock()
	if epoch != m.epoch || m.state == device.Disconnected {
		m.mu.Unlock()
		m.logStale(epoch, "disconnected")
		return
	}
	peer := m.peer
	link := m.resetLocked()
	m.scheduleReconnectLocked()
	m.mu.Unlock()

	entry := m.logger.WithFields(logrus.Fields{
		"peer":  peer.Address,
		"error": device.ErrLinkDropped,
	})
	if err != nil {
		entry = entry.WithField("cause", err)
	}
	entry.Warn("Link dropped")
	m.release(link)
}

func (m *Manager) onServicesDiscovered(epoch uint64, table device.ServiceTable, err error) {
	if err != nil {
		m.teardown(epoch, err, "Service discovery failed")
		return
	}

	m.mu.Lock()
	if !m.currentLocked(epoch, device.Connected) {
		m.mu.Unlock()
		return
	}
	m.stopReadyTimerLocked()
	m.table = table
	m.setStateLocked(device.ServicesReady)
	m.established = true
	m.reconnecting = false
	m.retries = 0

	if _, lookupErr := table.Lookup(m.opts.WriteChannel); lookupErr != nil {
		m.missingChannelLocked(m.opts.WriteChannel, lookupErr)
	}

	notify := m.opts.NotifyChannel
	props, lookupErr := table.Lookup(notify)
	if lookupErr == nil && !props.CanNotify() {
		lookupErr = &device.NotFoundError{Resource: "notifiable characteristic", UUIDs: []string{notify.Service, notify.Characteristic}}
	}
	if lookupErr != nil {
		m.missingChannelLocked(notify, lookupErr)
		m.mu.Unlock()
		return
	}
	link := m.link
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"services": len(table),
		"channel":  notify.String(),
	}).Info("Services ready, subscribing")
	if subErr := link.Subscribe(notify); subErr != nil {
		m.logger.WithFields(logrus.Fields{
			"channel": notify.String(),
			"error":   subErr,
		}).Warn("Notification subscribe failed")
	}
}

func (m *Manager) onSubscribed(epoch uint64, ch device.Channel, err error) {
	m.mu.RLock()
	current := epoch == m.epoch
	m.mu.RUnlock()
	if !current {
		m.logStale(epoch, "subscribed")
		return
	}

	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"channel": ch.String(),
			"error":   err,
		}).Warn("Notifications unavailable")
		return
	}
	m.logger.WithField("channel", ch.String()).Debug("Notifications enabled")
}

func (m *Manager) onData(epoch uint64, ch device.Channel, data []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if epoch != m.epoch || (m.state != device.Connected && m.state != device.ServicesReady) {
		return
	}
	m.publish(events.NewDataReceived(m.peer, ch, data))
}

// teardown drops the link after a failure that affects connectivity
func (m *Manager) teardown(epoch uint64, cause error, msg string) {
	m.mu.Lock()
	if epoch != m.epoch || m.state == device.Disconnected {
		m.mu.Unlock()
		m.logStale(epoch, "teardown")
		return
	}
	state := m.state
	link := m.resetLocked()
	m.scheduleReconnectLocked()
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"from":  state.String(),
		"error": cause,
	}).Warn(msg)
	m.release(link)
}

func (m *Manager) armReadyTimerLocked(epoch uint64) {
	if m.opts.ReadyTimeout <= 0 {
		return
	}
	timeout := m.opts.ReadyTimeout
	m.readyTimer = time.AfterFunc(timeout, func() {
		m.teardown(epoch, device.NewError(device.LinkDropped, "services not ready within %s", timeout), "Link timed out")
	})
}

func (m *Manager) stopReadyTimerLocked() {
	if m.readyTimer != nil {
		m.readyTimer.Stop()
		m.readyTimer = nil
	}
}

// resetLocked moves to Disconnected and hands back the link for release outside the lock
func (m *Manager) resetLocked() device.Link {
	m.stopReadyTimerLocked()
	link := m.link
	m.link = nil
	m.table = nil
	m.setStateLocked(device.Disconnected)
	return link
}

func (m *Manager) setStateLocked(state device.ConnectionState) {
	if m.state == state {
		return
	}
	m.state = state
	m.publish(events.NewStateChanged(m.peer, state))
}

func (m *Manager) missingChannelLocked(ch device.Channel, err error) {
	m.logger.WithFields(logrus.Fields{
		"peer":    m.peer.Address,
		"channel": ch.String(),
		"error":   err,
	}).Warn("Expected channel not found on peer")
	m.publish(events.NewServiceNotFound(m.peer, ch, err))
}

func (m *Manager) currentLocked(epoch uint64, want device.ConnectionState) bool {
	if epoch == m.epoch && m.state == want {
		return true
	}
	m.logger.WithFields(logrus.Fields{
		"epoch":   epoch,
		"current": m.epoch,
		"state":   m.state.String(),
	}).Debug("Ignoring out-of-order callback")
	return false
}

func (m *Manager) release(link device.Link) {
	if link == nil {
		return
	}
	if err := link.Disconnect(); err != nil {
		m.logger.WithError(err).Debug("Link release failed")
	}
}

func (m *Manager) publish(env events.Envelope) {
	if m.queue != nil {
		m.queue.Publish(env)
	}
}

func (m *Manager) peerAddress() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peer.Address
}

func (m *Manager) logStale(epoch uint64, callback string) {
	m.logger.WithFields(logrus.Fields{
		"callback": callback,
		"epoch":    epoch,
	}).Debug("Ignoring stale callback")
}

// asFailure keeps classified errors intact and wraps anything else as kind
func asFailure(err error, kind device.FailureKind) error {
	var cerr *device.ConnectionError
	if errors.As(err, &cerr) {
		return err
	}
	return &device.ConnectionError{Kind: kind, Msg: err.Error()}
}

// session binds radio callbacks to the connect attempt that created them
type session struct {
	m     *Manager
	epoch uint64
}

func (s *session) OnConnected() { s.m.onConnected(s.epoch) }

func (s *session) OnDisconnected(err error) { s.m.onDisconnected(s.epoch, err) }

func (s *session) OnServicesDiscovered(table device.ServiceTable, err error) {
	s.m.onServicesDiscovered(s.epoch, table, err)
}

func (s *session) OnSubscribed(ch device.Channel, err error) { s.m.onSubscribed(s.epoch, ch, err) }

func (s *session) OnData(ch device.Channel, data []byte) { s.m.onData(s.epoch, ch, data) }
