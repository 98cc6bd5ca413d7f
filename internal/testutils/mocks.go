package testutils

import (
	"sync"

	"github.com/srg/wearlink/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockRadio implements device.Radio and keeps the LinkEvents of every Connect
// call so tests can play the role of the radio stack.
type MockRadio struct {
	mock.Mock

	mu       sync.Mutex
	sessions []device.LinkEvents
}

func (m *MockRadio) Available() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockRadio) Connect(address string, events device.LinkEvents) (device.Link, error) {
	m.mu.Lock()
	m.sessions = append(m.sessions, events)
	m.mu.Unlock()

	args := m.Called(address, events)
	link, _ := args.Get(0).(device.Link)
	return link, args.Error(1)
}

// Session returns the LinkEvents passed to the i-th Connect call
func (m *MockRadio) Session(i int) device.LinkEvents {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.sessions) {
		return nil
	}
	return m.sessions[i]
}

// Sessions returns the number of Connect calls so far
func (m *MockRadio) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// LastSession returns the LinkEvents of the most recent Connect call
func (m *MockRadio) LastSession() device.LinkEvents {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) == 0 {
		return nil
	}
	return m.sessions[len(m.sessions)-1]
}

// MockLink implements device.Link
type MockLink struct {
	mock.Mock
}

func (m *MockLink) DiscoverServices() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockLink) Subscribe(ch device.Channel) error {
	args := m.Called(ch)
	return args.Error(0)
}

func (m *MockLink) Write(ch device.Channel, data []byte, mode device.WriteMode) error {
	args := m.Called(ch, data, mode)
	return args.Error(0)
}

func (m *MockLink) Disconnect() error {
	args := m.Called()
	return args.Error(0)
}

// MockScanner implements device.Scanner. Emit feeds advertisements to the
// handler of the running scan, like the radio's scan goroutine would.
type MockScanner struct {
	mock.Mock

	mu      sync.Mutex
	handler func(device.Advertisement)
}

func (m *MockScanner) Available() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockScanner) StartScan(handler func(device.Advertisement)) error {
	args := m.Called(handler)
	if err := args.Error(0); err != nil {
		return err
	}
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
	return nil
}

func (m *MockScanner) StopScan() error {
	m.mu.Lock()
	m.handler = nil
	m.mu.Unlock()

	args := m.Called()
	return args.Error(0)
}

// Emit delivers advertisements to the active scan handler, in order.
// Returns false when no scan is running.
func (m *MockScanner) Emit(advs ...device.Advertisement) bool {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h == nil {
		return false
	}
	for _, adv := range advs {
		h(adv)
	}
	return true
}

// Scanning reports whether a handler is installed
func (m *MockScanner) Scanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler != nil
}
