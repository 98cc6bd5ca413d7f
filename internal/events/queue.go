package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/wearlink/internal/groutine"
)

// DefaultCapacity is the default number of envelopes buffered between producers and the dispatch loop
const DefaultCapacity = 256

// Handler consumes delivered envelopes on the dispatch goroutine
type Handler func(Envelope)

// Tee combines handlers into one that calls each in order. Nil entries are skipped.
func Tee(handlers ...Handler) Handler {
	return func(env Envelope) {
		for _, h := range handlers {
			if h != nil {
				h(env)
			}
		}
	}
}

// Queue is a multi-producer, single-consumer FIFO of envelopes.
//
// Publish never blocks: radio callbacks hand the envelope off and return.
// Delivery happens on one dedicated dispatch goroutine, in publish order,
// to the single handler registered with Subscribe.
type Queue struct {
	ch      chan Envelope
	handler atomic.Pointer[Handler]
	logger  *logrus.Logger

	publishMu sync.Mutex // orders Seq assignment with the channel send
	seq       uint64

	closed    atomic.Bool
	closeOnce sync.Once
	quit      chan struct{}
	done      <-chan struct{}

	stats Stats
}

// Stats provides lock-free counters for a Queue
type Stats struct {
	Published int64
	Delivered int64
	Dropped   int64
	Panics    int64
}

// NewQueue creates a queue and starts its dispatch loop.
// A non-positive capacity selects DefaultCapacity.
func NewQueue(capacity int, logger *logrus.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = logrus.New()
	}

	q := &Queue{
		ch:     make(chan Envelope, capacity),
		logger: logger,
		quit:   make(chan struct{}),
	}
	q.done = groutine.Go(context.Background(), "event-dispatch", q.loop)
	return q
}

// Subscribe registers the single active handler, replacing any previous one.
// Passing nil unsubscribes.
func (q *Queue) Subscribe(h Handler) {
	if h == nil {
		q.handler.Store(nil)
		return
	}
	q.handler.Store(&h)
}

// Publish enqueues an envelope for delivery. It never blocks.
// Envelopes published with no subscriber, or after Close, are discarded.
func (q *Queue) Publish(env Envelope) {
	if q.closed.Load() || q.handler.Load() == nil {
		return
	}

	q.publishMu.Lock()
	defer q.publishMu.Unlock()

	q.seq++
	env.Seq = q.seq
	if env.Time.IsZero() {
		env.Time = time.Now()
	}

	select {
	case q.ch <- env:
		atomic.AddInt64(&q.stats.Published, 1)
	default:
		atomic.AddInt64(&q.stats.Dropped, 1)
		q.logger.WithFields(logrus.Fields{
			"kind":     env.Kind,
			"seq":      env.Seq,
			"capacity": cap(q.ch),
		}).Warn("Event queue full, dropping envelope")
	}
}

// Close stops the dispatch loop after delivering the envelopes already queued.
// Safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		close(q.quit)
	})
	<-q.done
}

// Len returns the number of envelopes waiting for delivery
func (q *Queue) Len() int {
	return len(q.ch)
}

// Stats returns a snapshot of the queue counters
func (q *Queue) Stats() Stats {
	return Stats{
		Published: atomic.LoadInt64(&q.stats.Published),
		Delivered: atomic.LoadInt64(&q.stats.Delivered),
		Dropped:   atomic.LoadInt64(&q.stats.Dropped),
		Panics:    atomic.LoadInt64(&q.stats.Panics),
	}
}

func (q *Queue) loop(ctx context.Context) {
	for {
		select {
		case env := <-q.ch:
			q.deliver(ctx, env)
		case <-q.quit:
			for {
				select {
				case env := <-q.ch:
					q.deliver(ctx, env)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) deliver(ctx context.Context, env Envelope) {
	h := q.handler.Load()
	if h == nil {
		return
	}
	if err := groutine.Recover(ctx, func() { (*h)(env) }); err != nil {
		atomic.AddInt64(&q.stats.Panics, 1)
		q.logger.WithFields(logrus.Fields{
			"kind":  env.Kind,
			"seq":   env.Seq,
			"error": err,
		}).Error("Event handler panicked")
		return
	}
	atomic.AddInt64(&q.stats.Delivered, 1)
}
