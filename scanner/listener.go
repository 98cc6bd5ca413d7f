package scanner

import "github.com/srg/wearlink/internal/ringchan"

// FuncListener adapts a function to Listener. Use NewFuncListener:
// the registry needs a pointer to tell listeners apart.
type FuncListener struct {
	fn func(Discovery)
}

// NewFuncListener wraps fn as a Listener
func NewFuncListener(fn func(Discovery)) *FuncListener {
	return &FuncListener{fn: fn}
}

func (l *FuncListener) OnDiscovered(d Discovery) {
	l.fn(d)
}

// ChannelListener buffers discoveries for a consumer goroutine.
// It never blocks the scan: when the buffer is full the oldest discovery is dropped.
type ChannelListener struct {
	events *ringchan.RingChannel[Discovery]
}

// NewChannelListener creates a listener buffering up to capacity discoveries
func NewChannelListener(capacity int) *ChannelListener {
	return &ChannelListener{events: ringchan.New[Discovery](capacity)}
}

func (l *ChannelListener) OnDiscovered(d Discovery) {
	l.events.Send(d)
}

// Events returns a read-only channel of discoveries
func (l *ChannelListener) Events() <-chan Discovery {
	return l.events.C()
}

// Dropped returns how many discoveries were overwritten before being read
func (l *ChannelListener) Dropped() int64 {
	return l.events.GetMetrics().Overwritten
}

// Close ends the Events channel. Remove the listener from its registry first.
func (l *ChannelListener) Close() {
	l.events.Close()
}
