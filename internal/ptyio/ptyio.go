// Package ptyio wraps a pseudo-terminal master with ring buffers so that
// neither side ever blocks the other. The pair is created with
// github.com/creack/pty and the slave is put into raw mode.
//
//	p, err := ptyio.Open(ptyio.Options{ReadCap: 4096, WriteCap: 4096})
//	p.SetReadCallback(func(b []byte) { ... }) // bytes written by the slave's user
//	p.Write([]byte("hello"))                  // bytes the slave's user will read
//	p.TTYName()                               // "/dev/pts/5"
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/wearlink/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// DefaultPollTimeout bounds how long the I/O loops wait before re-checking for shutdown
const DefaultPollTimeout = 50 * time.Millisecond

// DefaultBufferSize is the ring capacity used when Options leaves one unset
const DefaultBufferSize = 4096

// ReadCallback receives bytes written by the slave's user.
// It runs on a background goroutine and must not retain data.
type ReadCallback func(data []byte)

// Options configures Open. Zero values select defaults.
type Options struct {
	ReadCap     int // bytes buffered from the slave
	WriteCap    int // bytes buffered towards the slave
	PollTimeout time.Duration
	Logger      *logrus.Logger
	OnError     func(err error) // called at most once when an I/O loop dies
}

// Stats provides runtime counters
type Stats struct {
	ReadBytes    uint64
	WrittenBytes uint64
	DroppedRead  uint64
	DroppedWrite uint64
}

// PTY is a non-blocking master side of a pseudo-terminal pair
type PTY struct {
	logger      *logrus.Logger
	master      *os.File
	slave       *os.File // kept open for the PTY lifetime
	ttyName     string
	pollTimeout int // milliseconds, as unix.Poll wants it
	onError     func(error)
	errorOnce   sync.Once

	writeBuf *ringbuffer.RingBuffer // towards the slave
	readBuf  *ringbuffer.RingBuffer // from the slave

	readCb     atomic.Pointer[ReadCallback]
	readNotify chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	stats Stats
}

// Open creates a PTY pair and starts its I/O loops
func Open(opts Options) (*PTY, error) {
	if opts.ReadCap <= 0 {
		opts.ReadCap = DefaultBufferSize
	}
	if opts.WriteCap <= 0 {
		opts.WriteCap = DefaultBufferSize
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}

	master, slave, err := createPTY()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PTY{
		logger:      opts.Logger,
		master:      master,
		slave:       slave,
		ttyName:     slave.Name(),
		pollTimeout: int(opts.PollTimeout / time.Millisecond),
		onError:     opts.OnError,
		writeBuf:    ringbuffer.New(opts.WriteCap),
		readBuf:     ringbuffer.New(opts.ReadCap),
		readNotify:  make(chan struct{}, 1),
		cancel:      cancel,
	}

	p.wg.Add(3)
	groutine.Go(ctx, "pty-read-loop", func(ctx context.Context) {
		defer p.wg.Done()
		p.readLoop(ctx)
	})
	groutine.Go(ctx, "pty-write-loop", func(ctx context.Context) {
		defer p.wg.Done()
		p.writeLoop(ctx)
	})
	groutine.Go(ctx, "pty-read-dispatcher", func(ctx context.Context) {
		defer p.wg.Done()
		p.dispatch(ctx)
	})
	return p, nil
}

// TTYName returns the slave device path, e.g. "/dev/pts/5"
func (p *PTY) TTYName() string {
	return p.ttyName
}

// Write queues data for the slave without blocking. Bytes that do not fit
// are dropped and counted; n reports how many were queued.
func (p *PTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	n, err := p.writeBuf.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return n, err
	}
	if n < len(data) {
		dropped := len(data) - n
		atomic.AddUint64(&p.stats.DroppedWrite, uint64(dropped))
		p.logger.WithFields(logrus.Fields{
			"dropped": dropped,
			"queued":  n,
		}).Warn("PTY write buffer overflow")
	}
	return n, nil
}

// SetReadCallback installs cb for bytes arriving from the slave; nil unregisters.
func (p *PTY) SetReadCallback(cb ReadCallback) {
	if cb == nil {
		p.readCb.Store(nil)
		return
	}
	p.readCb.Store(&cb)
	p.notifyReader()
}

// Stats returns a snapshot of the counters
func (p *PTY) Stats() Stats {
	return Stats{
		ReadBytes:    atomic.LoadUint64(&p.stats.ReadBytes),
		WrittenBytes: atomic.LoadUint64(&p.stats.WrittenBytes),
		DroppedRead:  atomic.LoadUint64(&p.stats.DroppedRead),
		DroppedWrite: atomic.LoadUint64(&p.stats.DroppedWrite),
	}
}

// Close stops the I/O loops and closes both ends. Idempotent.
func (p *PTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()

	// closing the descriptors unblocks the loops with EBADF
	var errs []error
	if err := p.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY master: %w", err))
	}
	if err := p.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY slave: %w", err))
	}

	done := make(chan struct{})
	groutine.Go(context.Background(), "pty-wait-close", func(context.Context) {
		p.wg.Wait()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		p.logger.WithField("tty", p.ttyName).Error("PTY loops did not exit in time")
	}
	return errors.Join(errs...)
}

func (p *PTY) readLoop(ctx context.Context) {
	master := p.master
	pollFd := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for ctx.Err() == nil {
		ready, err := unix.Poll(pollFd, p.pollTimeout)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.WithError(err).Debug("PTY read poll failed")
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := master.Read(buf)
		if n > 0 {
			written, _ := p.readBuf.Write(buf[:n])
			if written < n {
				atomic.AddUint64(&p.stats.DroppedRead, uint64(n-written))
			}
			atomic.AddUint64(&p.stats.ReadBytes, uint64(written))
			p.notifyReader()
		}
		if err != nil && !p.transient(err) {
			p.fail("read", err)
			return
		}
	}
}

func (p *PTY) writeLoop(ctx context.Context) {
	master := p.master
	pollFd := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for ctx.Err() == nil {
		if p.writeBuf.IsEmpty() {
			// nothing queued: sleep on poll so shutdown stays responsive
			time.Sleep(time.Duration(p.pollTimeout) * time.Millisecond / 5)
			continue
		}

		n, err := p.writeBuf.TryRead(buf)
		if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
			continue
		}

		for offset := 0; offset < n; {
			written, err := master.Write(buf[offset:n])
			offset += written
			atomic.AddUint64(&p.stats.WrittenBytes, uint64(written))
			if err == nil {
				continue
			}
			if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
				_, _ = unix.Poll(pollFd, p.pollTimeout)
				continue
			}
			if !p.transient(err) {
				p.fail("write", err)
				return
			}
		}
	}
}

// dispatch hands buffered slave bytes to the read callback
func (p *PTY) dispatch(ctx context.Context) {
	tmp := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.readNotify:
		}

		for {
			cb := p.readCb.Load()
			if cb == nil {
				break
			}
			n, err := p.readBuf.TryRead(tmp)
			if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
				break
			}
			chunk := make([]byte, n)
			copy(chunk, tmp[:n])

			if err := groutine.Recover(ctx, func() { (*cb)(chunk) }); err != nil {
				p.logger.WithError(err).Error("PTY read callback panicked, unregistering")
				p.readCb.CompareAndSwap(cb, nil)
				break
			}
		}
	}
}

func (p *PTY) notifyReader() {
	select {
	case p.readNotify <- struct{}{}:
	default:
	}
}

// transient reports errors the loops retry on; EBADF and EOF mean the PTY is closing
func (p *PTY) transient(err error) bool {
	switch {
	case errors.Is(err, syscall.EINTR), errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK):
		return true
	case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed), errors.Is(err, io.EOF):
		return false
	default:
		return false
	}
}

func (p *PTY) fail(loop string, err error) {
	if p.closed.Load() || errors.Is(err, syscall.EBADF) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF) {
		p.logger.WithField("loop", loop).Debug("PTY loop exiting")
		return
	}
	p.logger.WithFields(logrus.Fields{
		"loop":  loop,
		"error": err,
	}).Warn("PTY loop exiting on error")
	if p.onError != nil {
		p.errorOnce.Do(func() { p.onError(fmt.Errorf("pty %s loop: %w", loop, err)) })
	}
}

// createPTY opens a pair, puts the slave into raw mode and the master into non-blocking mode
func createPTY() (*os.File, *os.File, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	cleanup := func(step string, cause error) (*os.File, *os.File, error) {
		return nil, nil, errors.Join(
			fmt.Errorf("failed to %s for %s: %w", step, slave.Name(), cause),
			master.Close(),
			slave.Close(),
		)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return cleanup("set raw mode", err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return cleanup("set non-blocking mode", err)
	}
	return master, slave, nil
}
