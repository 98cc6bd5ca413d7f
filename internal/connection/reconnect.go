package connection

import (
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/wearlink/internal/device"
	"github.com/srg/wearlink/internal/events"
)

// Reconnect backoff defaults for the supported wearable family
const (
	DefaultReconnectInitial    = 3 * time.Second
	DefaultReconnectMax        = 60 * time.Second
	DefaultReconnectMultiplier = 2.0
	DefaultReconnectAttempts   = 5
)

// Reconnect is the policy for re-linking after an unsolicited drop.
// The zero value disables reconnection.
type Reconnect struct {
	Initial    time.Duration // delay before the first attempt
	Max        time.Duration // cap on any single delay; zero means uncapped
	Multiplier float64       // growth per attempt; values below 1 keep the delay constant
	Attempts   int           // attempts per drop before giving up
}

// DefaultReconnect returns the exponential backoff used by the wearable companion app
func DefaultReconnect() Reconnect {
	return Reconnect{
		Initial:    DefaultReconnectInitial,
		Max:        DefaultReconnectMax,
		Multiplier: DefaultReconnectMultiplier,
		Attempts:   DefaultReconnectAttempts,
	}
}

// Enabled reports whether the policy makes any attempt
func (r Reconnect) Enabled() bool {
	return r.Attempts > 0
}

// Delay returns the wait before the given attempt, counting from 1
func (r Reconnect) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := r.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(r.Initial) * math.Pow(multiplier, float64(attempt-1))
	if r.Max > 0 && delay > float64(r.Max) {
		return r.Max
	}
	return time.Duration(delay)
}

// Reconnecting reports whether a reconnect sequence is under way:
// an attempt is pending or in progress and the policy has not given up.
func (m *Manager) Reconnecting() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reconnecting
}

// scheduleReconnectLocked arms the next attempt after an unsolicited loss.
// Only links that reached ServicesReady are re-established.
func (m *Manager) scheduleReconnectLocked() {
	policy := m.opts.Reconnect
	if !policy.Enabled() || !m.established {
		return
	}
	if m.retries >= policy.Attempts {
		m.logger.WithFields(logrus.Fields{
			"peer":     m.peer.Address,
			"attempts": m.retries,
		}).Warn("Reconnect attempts exhausted")
		m.established = false
		m.reconnecting = false
		m.retries = 0
		return
	}

	m.retries++
	delay := policy.Delay(m.retries)
	epoch := m.epoch
	m.reconnecting = true
	m.retryTimer = time.AfterFunc(delay, func() { m.reconnect(epoch) })

	m.logger.WithFields(logrus.Fields{
		"peer":    m.peer.Address,
		"attempt": m.retries,
		"delay":   delay,
	}).Info("Reconnect scheduled")
}

func (m *Manager) reconnect(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch || m.state != device.Disconnected || !m.reconnecting {
		m.logStale(epoch, "reconnect")
		return
	}
	m.retryTimer = nil

	if err := m.connectLocked(m.peer); err != nil {
		m.logger.WithFields(logrus.Fields{
			"peer":    m.peer.Address,
			"attempt": m.retries,
			"error":   err,
		}).Warn("Reconnect attempt failed")
		m.scheduleReconnectLocked()
		if !m.reconnecting {
			// no transition happened; re-announce the settled state so observers see the end
			m.publish(events.NewStateChanged(m.peer, device.Disconnected))
		}
	}
}

// cancelReconnectLocked abandons any reconnect sequence
func (m *Manager) cancelReconnectLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.reconnecting = false
	m.retries = 0
}
