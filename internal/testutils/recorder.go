package testutils

import (
	"sync"
	"time"

	"github.com/srg/wearlink/internal/device"
	"github.com/srg/wearlink/internal/events"
)

// EventRecorder collects envelopes delivered by an events.Queue
type EventRecorder struct {
	mu      sync.Mutex
	got     []events.Envelope
	changed chan struct{}
}

// NewEventRecorder creates a recorder and subscribes it to q
func NewEventRecorder(q *events.Queue) *EventRecorder {
	r := &EventRecorder{changed: make(chan struct{}, 1)}
	q.Subscribe(r.Handle)
	return r
}

// Handle is the queue handler
func (r *EventRecorder) Handle(env events.Envelope) {
	r.mu.Lock()
	r.got = append(r.got, env)
	r.mu.Unlock()

	select {
	case r.changed <- struct{}{}:
	default:
	}
}

// Envelopes returns a snapshot of everything recorded so far
func (r *EventRecorder) Envelopes() []events.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Envelope(nil), r.got...)
}

// States returns the states carried by recorded StateChanged envelopes, in delivery order
func (r *EventRecorder) States() []device.ConnectionState {
	var states []device.ConnectionState
	for _, env := range r.Envelopes() {
		if env.Kind == events.StateChanged {
			states = append(states, env.State)
		}
	}
	return states
}

// OfKind returns recorded envelopes of one kind
func (r *EventRecorder) OfKind(kind events.Kind) []events.Envelope {
	var result []events.Envelope
	for _, env := range r.Envelopes() {
		if env.Kind == kind {
			result = append(result, env)
		}
	}
	return result
}

// WaitFor blocks until at least n envelopes were recorded or timeout elapses.
// Returns whether the count was reached.
func (r *EventRecorder) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		r.mu.Lock()
		count := len(r.got)
		r.mu.Unlock()
		if count >= n {
			return true
		}
		select {
		case <-r.changed:
		case <-deadline.C:
			return false
		}
	}
}
