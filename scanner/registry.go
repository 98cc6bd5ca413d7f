package scanner

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/wearlink/internal/device"
	"github.com/srg/wearlink/internal/groutine"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DefaultTimeout stops a scan of the supported wearable family
const DefaultTimeout = 10 * time.Second

// DefaultNamePrefixes are the advertised name prefixes of the supported wearable family
var DefaultNamePrefixes = []string{"WISH_RING", "WishRing", "MRD"}

// EventType marks if the peer was newly discovered or updated
type EventType int

const (
	EventNew EventType = iota
	EventUpdated
)

func (t EventType) String() string {
	if t == EventUpdated {
		return "updated"
	}
	return "new"
}

// Discovery is one observation of a named peer
type Discovery struct {
	Peer        device.Peer `json:"peer"`
	RSSI        int         `json:"rssi"`
	Connectable bool        `json:"connectable"`
	Services    []string    `json:"services,omitempty"`
	Type        EventType   `json:"-"`
	LastSeen    time.Time   `json:"last_seen"`
}

// Listener observes discoveries. Registries hold listeners by reference,
// so implementations must be comparable (pointer receivers are).
type Listener interface {
	OnDiscovered(d Discovery)
}

// Options configures a Registry
type Options struct {
	// NamePrefixes drops peers whose advertised name starts with none of them, ignoring case.
	// Empty accepts every named peer.
	NamePrefixes []string
	// Timeout stops the scan automatically. Zero scans until StopScan.
	Timeout time.Duration
}

// DefaultOptions returns options for the supported wearable family
func DefaultOptions() Options {
	return Options{
		NamePrefixes: append([]string(nil), DefaultNamePrefixes...),
		Timeout:      DefaultTimeout,
	}
}

// Registry owns the single scan session of a radio and fans discoveries out
// to every registered listener.
//
// The listener set and the scanning flag are consistent at rest: scanning
// implies at least one listener. Removing the last listener stops the scan.
type Registry struct {
	scanner device.Scanner
	opts    Options
	logger  *logrus.Logger

	mu       sync.Mutex // scan lifecycle
	scanning bool
	timer    *time.Timer
	session  atomic.Uint64

	lmu       sync.RWMutex // listener set; never held while calling the scanner
	listeners *orderedmap.OrderedMap[Listener, struct{}]

	peers atomic.Pointer[hashmap.Map[string, Discovery]] // replaced on every StartScan
}

// NewRegistry creates a registry over sc
func NewRegistry(sc device.Scanner, opts Options, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	r := &Registry{
		scanner:   sc,
		opts:      opts,
		logger:    logger,
		listeners: orderedmap.New[Listener, struct{}](),
	}
	r.peers.Store(hashmap.New[string, Discovery]())
	return r
}

// AddListener registers l. It is a no-op if l is already present and never starts scanning.
func (r *Registry) AddListener(l Listener) {
	if l == nil {
		return
	}
	r.lmu.Lock()
	_, present := r.listeners.Set(l, struct{}{})
	count := r.listeners.Len()
	r.lmu.Unlock()

	if !present {
		r.logger.WithField("listeners", count).Debug("Scan listener added")
	}
}

// RemoveListener unregisters l and stops scanning when no listener remains.
func (r *Registry) RemoveListener(l Listener) {
	if l == nil {
		return
	}
	r.lmu.Lock()
	_, present := r.listeners.Delete(l)
	count := r.listeners.Len()
	r.lmu.Unlock()

	if !present {
		return
	}
	r.logger.WithField("listeners", count).Debug("Scan listener removed")
	if count == 0 {
		r.mu.Lock()
		if r.listenerCount() == 0 {
			r.stopLocked("no listeners")
		}
		r.mu.Unlock()
	}
}

// StartScan (re)starts scanning, stopping any running session first.
// Fails with ErrNoTarget when no listener is registered and with
// ErrRadioUnavailable when the radio cannot scan.
func (r *Registry) StartScan() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.listenerCount() == 0 {
		return device.NewError(device.NoTarget, "no scan listeners registered")
	}
	if err := r.scanner.Available(); err != nil {
		r.stopLocked("radio unavailable")
		r.logger.WithError(err).Warn("Radio unavailable, scan not started")
		return asFailure(err)
	}

	r.stopLocked("restart")

	session := r.session.Add(1)
	r.peers.Store(hashmap.New[string, Discovery]())
	if err := r.scanner.StartScan(func(adv device.Advertisement) {
		r.handleAdvertisement(session, adv)
	}); err != nil {
		r.session.Add(1)
		r.logger.WithError(err).Warn("Scan failed to start")
		return asFailure(err)
	}
	r.scanning = true

	if r.opts.Timeout > 0 {
		timeout := r.opts.Timeout
		r.timer = time.AfterFunc(timeout, func() { r.expire(session) })
	}

	r.logger.WithFields(logrus.Fields{
		"prefixes": r.opts.NamePrefixes,
		"timeout":  r.opts.Timeout,
		"session":  session,
	}).Info("Scan started")
	return nil
}

// StopScan stops the running scan. Idempotent; radio errors are logged and swallowed.
func (r *Registry) StopScan() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked("requested")
}

// Scanning reports whether a scan session is active
func (r *Registry) Scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanning
}

// Peers returns the peers seen by the current (or last) session, sorted by address
func (r *Registry) Peers() []Discovery {
	peers := r.peers.Load()
	result := make([]Discovery, 0, peers.Len())
	peers.Range(func(_ string, d Discovery) bool {
		result = append(result, d)
		return true
	})
	sort.Slice(result, func(i, j int) bool {
		return result[i].Peer.Address < result[j].Peer.Address
	})
	return result
}

// Listeners returns the number of registered listeners
func (r *Registry) Listeners() int {
	return r.listenerCount()
}

func (r *Registry) stopLocked(reason string) {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if !r.scanning {
		return
	}
	r.scanning = false
	r.session.Add(1) // late advertisements from the old session are dropped

	if err := r.scanner.StopScan(); err != nil {
		r.logger.WithError(err).Debug("Ignoring scan stop error")
	}
	r.logger.WithFields(logrus.Fields{
		"reason": reason,
		"peers":  r.peers.Load().Len(),
	}).Info("Scan stopped")
}

func (r *Registry) expire(session uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session.Load() != session {
		return
	}
	r.stopLocked("timeout")
}

func (r *Registry) handleAdvertisement(session uint64, adv device.Advertisement) {
	if r.session.Load() != session {
		return
	}

	name := adv.LocalName()
	if name == "" {
		return
	}
	if !MatchesPrefix(name, r.opts.NamePrefixes) {
		return
	}
	addr := adv.Addr()
	if addr == "" {
		return
	}

	d := Discovery{
		Peer:        device.Peer{Address: addr, Name: name},
		RSSI:        adv.RSSI(),
		Connectable: adv.Connectable(),
		Services:    device.NormalizeUUIDs(adv.Services()),
		Type:        EventNew,
		LastSeen:    time.Now(),
	}

	// r.mu is not taken here: StopScan may wait on this goroutine while holding it
	peers := r.peers.Load()
	if _, existing := peers.Get(addr); existing {
		d.Type = EventUpdated
	} else {
		r.logger.WithFields(logrus.Fields{
			"device":  name,
			"address": addr,
			"rssi":    d.RSSI,
		}).Info("Discovered new device")
	}
	peers.Set(addr, d)

	r.fanOut(d)
}

// fanOut delivers d to a snapshot of the listener set, isolating listener panics
func (r *Registry) fanOut(d Discovery) {
	r.lmu.RLock()
	snapshot := make([]Listener, 0, r.listeners.Len())
	for pair := r.listeners.Oldest(); pair != nil; pair = pair.Next() {
		snapshot = append(snapshot, pair.Key)
	}
	r.lmu.RUnlock()

	for _, l := range snapshot {
		if err := groutine.Recover(context.Background(), func() { l.OnDiscovered(d) }); err != nil {
			r.logger.WithFields(logrus.Fields{
				"address": d.Peer.Address,
				"error":   err,
			}).Error("Scan listener failed")
		}
	}
}

// MatchesPrefix reports whether name starts with any of prefixes, ignoring case.
// An empty prefix list matches every name.
func MatchesPrefix(name string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if len(name) >= len(p) && strings.EqualFold(name[:len(p)], p) {
			return true
		}
	}
	return false
}

func (r *Registry) listenerCount() int {
	r.lmu.RLock()
	defer r.lmu.RUnlock()
	return r.listeners.Len()
}

func asFailure(err error) error {
	if device.IsFailure(err, device.RadioUnavailable) || device.IsFailure(err, device.NoTarget) {
		return err
	}
	return device.NewError(device.RadioUnavailable, "%v", err)
}
