package journal

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/srg/wearlink/internal/events"
)

// MaxCapacity guards against accidental misconfiguration
const MaxCapacity uint32 = 64 * 1024

// Entry is the journaled form of an envelope
type Entry struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	Peer    string    `json:"peer"`
	State   string    `json:"state,omitempty"`
	Channel string    `json:"channel,omitempty"`
	Data    string    `json:"data,omitempty"`
	Error   string    `json:"error,omitempty"`
}

func (e Entry) String() string {
	ts := e.Time.Format("15:04:05.000")
	switch {
	case e.State != "":
		return fmt.Sprintf("%s #%d %s %s", ts, e.Seq, e.Kind, e.State)
	case e.Error != "":
		return fmt.Sprintf("%s #%d %s %s: %s", ts, e.Seq, e.Kind, e.Channel, e.Error)
	default:
		return fmt.Sprintf("%s #%d %s %s %s", ts, e.Seq, e.Kind, e.Channel, e.Data)
	}
}

// Stats provides lock-free counters for a Journal
type Stats struct {
	Recorded    int64
	Overwritten int64
	Errors      int64
}

// Journal keeps a bounded history of envelopes for diagnostics.
// When full, the oldest entries are overwritten. Safe for concurrent use.
type Journal struct {
	buffer mpmc.RichOverlappedRingBuffer[Entry]
	stats  Stats
}

// New creates a journal holding about capacity entries
func New(capacity uint32) (*Journal, error) {
	if capacity == 0 {
		return nil, fmt.Errorf("journal capacity must be > 0")
	}
	if capacity > MaxCapacity {
		return nil, fmt.Errorf("journal capacity %d exceeds maximum %d", capacity, MaxCapacity)
	}
	return &Journal{buffer: mpmc.NewOverlappedRingBuffer[Entry](capacity)}, nil
}

// Record journals env. It never blocks.
func (j *Journal) Record(env events.Envelope) {
	overwrites, err := j.buffer.EnqueueM(toEntry(env))
	if err != nil {
		atomic.AddInt64(&j.stats.Errors, 1)
		return
	}
	atomic.AddInt64(&j.stats.Recorded, 1)
	atomic.AddInt64(&j.stats.Overwritten, int64(overwrites))
}

// Handler returns Record as a queue handler
func (j *Journal) Handler() events.Handler {
	return j.Record
}

// Drain removes and returns the buffered entries, oldest first
func (j *Journal) Drain() []Entry {
	var entries []Entry
	for !j.buffer.IsEmpty() {
		e, err := j.buffer.Dequeue()
		if err != nil {
			break
		}
		entries = append(entries, e)
	}
	return entries
}

// Stats returns a snapshot of the journal counters
func (j *Journal) Stats() Stats {
	return Stats{
		Recorded:    atomic.LoadInt64(&j.stats.Recorded),
		Overwritten: atomic.LoadInt64(&j.stats.Overwritten),
		Errors:      atomic.LoadInt64(&j.stats.Errors),
	}
}

func toEntry(env events.Envelope) Entry {
	e := Entry{
		Seq:  env.Seq,
		Time: env.Time,
		Kind: env.Kind.String(),
		Peer: env.Peer.Address,
	}
	switch env.Kind {
	case events.StateChanged:
		e.State = env.State.String()
	case events.DataReceived:
		e.Channel = env.Channel.String()
		e.Data = env.HexData()
	case events.ServiceNotFound:
		e.Channel = env.Channel.String()
		if env.Err != nil {
			e.Error = env.Err.Error()
		}
	}
	return e
}
