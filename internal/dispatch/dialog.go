package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/wearlink/internal/groutine"
)

// DefaultInterval is the pause after each send, sized to the peripheral's processing latency
const DefaultInterval = 500 * time.Millisecond

// Sender accepts one opaque command buffer. *connection.Manager satisfies it.
type Sender interface {
	Send(data []byte) error
}

// Report summarizes a finished burst
type Report struct {
	Sent   int
	Failed int
	// Err is the first send error, or the context error if the burst was cancelled
	Err error
}

func (r Report) String() string {
	if r.Err != nil {
		return fmt.Sprintf("sent %d, failed %d: %v", r.Sent, r.Failed, r.Err)
	}
	return fmt.Sprintf("sent %d, failed %d", r.Sent, r.Failed)
}

// Dialog transmits an ordered burst of command buffers with a fixed pause after each one.
//
// Writes are fire-and-forget: a buffer is never acknowledged or retried, so
// this suits configuration commands, not transfers that need integrity.
type Dialog struct {
	sender   Sender
	interval time.Duration
	logger   *logrus.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a Dialog. A non-positive interval selects DefaultInterval.
func New(sender Sender, interval time.Duration, logger *logrus.Logger) *Dialog {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Dialog{
		sender:   sender,
		interval: interval,
		logger:   logger,
		sleep:    sleepContext,
	}
}

// Start sends buffers in order on a background goroutine and returns a channel
// that yields exactly one Report once the sequence is exhausted, then closes.
func (d *Dialog) Start(ctx context.Context, buffers [][]byte) <-chan Report {
	if ctx == nil {
		ctx = context.Background()
	}
	queued := make([][]byte, len(buffers))
	copy(queued, buffers)

	out := make(chan Report, 1)
	groutine.Go(ctx, "dispatch-dialog", func(ctx context.Context) {
		defer close(out)
		out <- d.run(ctx, queued)
	})
	return out
}

// Run is the blocking form of Start
func (d *Dialog) Run(ctx context.Context, buffers [][]byte) Report {
	return <-d.Start(ctx, buffers)
}

func (d *Dialog) run(ctx context.Context, buffers [][]byte) Report {
	var report Report
	for i, buf := range buffers {
		if err := ctx.Err(); err != nil {
			return d.finish(report, err, len(buffers))
		}

		if err := d.sender.Send(buf); err != nil {
			report.Failed++
			if report.Err == nil {
				report.Err = err
			}
			d.logger.WithFields(logrus.Fields{
				"index": i,
				"bytes": len(buf),
				"error": err,
			}).Warn("Dispatch send failed")
		} else {
			report.Sent++
			d.logger.WithFields(logrus.Fields{
				"index": i,
				"bytes": len(buf),
			}).Debug("Dispatch send accepted")
		}

		if err := d.sleep(ctx, d.interval); err != nil {
			return d.finish(report, err, len(buffers))
		}
	}
	return d.finish(report, nil, len(buffers))
}

func (d *Dialog) finish(report Report, cancelErr error, total int) Report {
	if cancelErr != nil {
		report.Err = cancelErr
	}
	d.logger.WithFields(logrus.Fields{
		"sent":   report.Sent,
		"failed": report.Failed,
		"total":  total,
	}).Info("Dispatch complete")
	return report
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
