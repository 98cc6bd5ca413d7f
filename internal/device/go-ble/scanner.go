package goble

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/wearlink/internal/device"
	"github.com/srg/wearlink/internal/groutine"
)

// stopTimeout bounds how long StopScan waits for the backend to return
const stopTimeout = 5 * time.Second

// scanDevice is the part of ble.Device a scanner drives
type scanDevice interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
}

// Scanner implements device.Scanner on top of go-ble
type Scanner struct {
	logger  *logrus.Logger
	factory func() (scanDevice, error) // overridden in tests

	mu     sync.Mutex
	dev    scanDevice
	cancel context.CancelFunc
	done   <-chan struct{}
	busy   *atomic.Bool // set while the scan goroutine runs the handler
}

// NewScanner creates a Scanner. The ble.Device is created lazily through DeviceFactory.
func NewScanner(logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		logger: logger,
		factory: func() (scanDevice, error) {
			dev, err := DeviceFactory()
			if err != nil {
				return nil, err
			}
			return dev, nil
		},
	}
}

// Available reports whether the platform radio can be used
func (s *Scanner) Available() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.deviceLocked()
	return err
}

// StartScan runs a scan in the background. Duplicates are reported so RSSI stays fresh.
func (s *Scanner) StartScan(handler func(device.Advertisement)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return device.NewError(device.RadioUnavailable, "scan already running")
	}
	dev, err := s.deviceLocked()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	busy := new(atomic.Bool)
	s.cancel, s.busy = cancel, busy
	s.done = groutine.Go(ctx, "ble-scan", func(ctx context.Context) {
		err := dev.Scan(ctx, true, func(adv ble.Advertisement) {
			busy.Store(true)
			defer busy.Store(false)
			if ctx.Err() == nil {
				handler(NewBLEAdvertisement(adv))
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.WithError(NormalizeError(err)).Warn("BLE scan ended with error")
		}
	})

	s.logger.Debug("BLE scan started")
	return nil
}

// StopScan cancels the running scan and waits for the backend to return.
// No new handler call starts after StopScan returns. When a handler call is
// in flight, for instance when the handler itself stops the scan, StopScan
// returns without waiting and that call is the last one.
func (s *Scanner) StopScan() error {
	s.mu.Lock()
	cancel, done, busy := s.cancel, s.done, s.busy
	s.cancel, s.done, s.busy = nil, nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if busy.Load() {
		s.logger.Debug("BLE scan stopped while delivering an advertisement")
		return nil
	}

	select {
	case <-done:
		s.logger.Debug("BLE scan stopped")
		return nil
	case <-time.After(stopTimeout):
		return device.NewError(device.RadioUnavailable, "scan did not stop within %s", stopTimeout)
	}
}

func (s *Scanner) deviceLocked() (scanDevice, error) {
	if s.dev != nil {
		return s.dev, nil
	}
	dev, err := s.factory()
	if err != nil {
		s.logger.WithError(err).Error("Failed to create BLE device")
		return nil, NormalizeError(err)
	}
	s.dev = dev
	return dev, nil
}
