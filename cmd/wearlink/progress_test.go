package main

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// syncBuffer guards a bytes.Buffer written by the printer goroutine
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestProgressPrinterPhases(t *testing.T) {
	out := &syncBuffer{}
	p := NewProgressPrinter(out, "Connecting to AA", "connecting", "services_ready")
	p.Start()

	assert.Contains(t, out.String(), "Connecting to AA (connecting...)")

	update := p.Callback()
	update("connected")
	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "(connected")
	}, time.Second, 10*time.Millisecond)

	update("services_ready")
	assert.True(t, strings.HasSuffix(out.String(), clearLineSequence), "a stop phase MUST clear the line")

	assert.NotPanics(t, p.Stop, "Stop after a stop phase is a no-op")
}

func TestCountdownProgressPrinter(t *testing.T) {
	out := &syncBuffer{}
	p := NewCountdownProgressPrinter(out, "Scanning", "scanning", 3*time.Second)
	p.Start()

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Scanning (scanning 3s)")
	}, time.Second, 10*time.Millisecond)

	p.Stop()
	p.Stop()
	assert.Equal(t, 1, strings.Count(out.String(), clearLineSequence))
}

func TestProgressPrinterStartTwicePanics(t *testing.T) {
	p := NewProgressPrinter(&syncBuffer{}, "x", "y")
	p.Start()
	defer p.Stop()

	assert.Panics(t, p.Start)
}
