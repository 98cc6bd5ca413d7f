package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/wearlink/internal/events"
	"github.com/srg/wearlink/internal/groutine"
	"github.com/srg/wearlink/internal/ptyio"
)

const (
	// DefaultBufferSize is the default size, in bytes, of each PTY ring buffer
	DefaultBufferSize = 1000

	// DefaultChunkSize matches the payload of a single write on the default ATT MTU
	DefaultChunkSize = 20
)

// Sender writes one payload to the peer
type Sender interface {
	Send(data []byte) error
}

// Options configures a Bridge. Zero values select defaults.
type Options struct {
	ReadCap     int    // bytes buffered from the terminal side
	WriteCap    int    // bytes buffered towards the terminal side
	ChunkSize   int    // max payload per Send
	SymlinkPath string // optional stable path pointing at the slave, e.g. /tmp/wearable
}

// Stats provides runtime counters
type Stats struct {
	Forwarded  uint64 // bytes handed to the Sender
	SendErrors uint64
	Delivered  uint64 // bytes queued towards the terminal
	PTY        ptyio.Stats
}

// Bridge exposes a connected peer as a pseudo-terminal.
//
// Bytes written to the slave TTY are chunked and passed to Send.
// Payloads of DataReceived envelopes are written back to the slave.
type Bridge struct {
	sender Sender
	opts   Options
	logger *logrus.Logger

	mu      sync.Mutex
	pty     *ptyio.PTY
	symlink string
	cancel  context.CancelFunc

	forwarded  atomic.Uint64
	sendErrors atomic.Uint64
	delivered  atomic.Uint64
}

// New creates a bridge that is not yet started
func New(sender Sender, opts Options, logger *logrus.Logger) *Bridge {
	if opts.ReadCap <= 0 {
		opts.ReadCap = DefaultBufferSize
	}
	if opts.WriteCap <= 0 {
		opts.WriteCap = DefaultBufferSize
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Bridge{sender: sender, opts: opts, logger: logger}
}

// Start opens the PTY pair and begins forwarding. The bridge stops on its own
// when ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pty != nil {
		return fmt.Errorf("bridge already started on %s", b.pty.TTYName())
	}

	p, err := ptyio.Open(ptyio.Options{
		ReadCap:  b.opts.ReadCap,
		WriteCap: b.opts.WriteCap,
		Logger:   b.logger,
		OnError: func(err error) {
			b.logger.WithError(err).Error("PTY failed")
		},
	})
	if err != nil {
		return err
	}
	b.logger.WithField("tty", p.TTYName()).Info("Created PTY device")

	if b.opts.SymlinkPath != "" {
		if err := os.Symlink(p.TTYName(), b.opts.SymlinkPath); err != nil {
			_ = p.Close()
			return fmt.Errorf("failed to create tty symlink %s -> %s: %w", b.opts.SymlinkPath, p.TTYName(), err)
		}
		b.symlink = b.opts.SymlinkPath
		b.logger.WithFields(logrus.Fields{
			"ttySymlink": b.symlink,
			"target":     p.TTYName(),
		}).Info("Created PTY symlink")
	}

	p.SetReadCallback(b.forward)
	b.pty = p

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	groutine.Go(runCtx, "bridge-watch", func(ctx context.Context) {
		<-ctx.Done()
		if err := b.Stop(); err != nil {
			b.logger.WithError(err).Warn("Bridge stop failed")
		}
	})
	return nil
}

// Handle is an events.Handler that writes received payloads to the terminal
func (b *Bridge) Handle(env events.Envelope) {
	if env.Kind != events.DataReceived || len(env.Data) == 0 {
		return
	}

	b.mu.Lock()
	p := b.pty
	b.mu.Unlock()
	if p == nil {
		return
	}

	n, err := p.Write(env.Data)
	if err != nil {
		b.logger.WithError(err).Debug("Dropping payload for closed PTY")
		return
	}
	b.delivered.Add(uint64(n))
}

// TTYName returns the slave device path, or "" before Start
func (b *Bridge) TTYName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pty == nil {
		return ""
	}
	return b.pty.TTYName()
}

// TTYSymlink returns the symlink path, or "" if none was created
func (b *Bridge) TTYSymlink() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.symlink
}

// Stats returns a snapshot of the bridge counters
func (b *Bridge) Stats() Stats {
	s := Stats{
		Forwarded:  b.forwarded.Load(),
		SendErrors: b.sendErrors.Load(),
		Delivered:  b.delivered.Load(),
	}
	b.mu.Lock()
	if b.pty != nil {
		s.PTY = b.pty.Stats()
	}
	b.mu.Unlock()
	return s
}

// Stop removes the symlink and closes the PTY. Safe to call more than once.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	p, symlink, cancel := b.pty, b.symlink, b.cancel
	b.pty, b.symlink, b.cancel = nil, "", nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var errs []error
	// symlink goes first so nothing opens a dangling path
	if symlink != "" {
		if err := os.Remove(symlink); err != nil {
			b.logger.WithError(err).WithField("ttySymlink", symlink).Warn("Failed to remove tty symlink")
			errs = append(errs, err)
		} else {
			b.logger.WithField("ttySymlink", symlink).Debug("Removed tty symlink")
		}
	}
	if p != nil {
		p.SetReadCallback(nil)
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
		b.logger.WithField("tty", p.TTYName()).Info("Bridge stopped")
	}
	return errors.Join(errs...)
}

// forward splits terminal input into Send-sized chunks
func (b *Bridge) forward(data []byte) {
	for len(data) > 0 {
		n := min(len(data), b.opts.ChunkSize)
		chunk := data[:n]
		data = data[n:]

		if err := b.sender.Send(chunk); err != nil {
			b.sendErrors.Add(1)
			b.logger.WithFields(logrus.Fields{
				"bytes": n,
				"error": err,
			}).Warn("Failed to forward terminal input")
			continue
		}
		b.forwarded.Add(uint64(n))
	}
}
