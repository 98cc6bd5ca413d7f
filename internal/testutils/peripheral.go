package testutils

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/srg/wearlink/internal/device"
	"github.com/srg/wearlink/internal/groutine"
)

// CharacteristicConfig represents a characteristic exposed by a simulated peripheral
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g. "write,notify"
}

// ServiceConfig represents a service exposed by a simulated peripheral
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceProfileConfig represents the complete GATT profile of a simulated peripheral
type DeviceProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

// Responder computes the notification a peripheral sends back for a written command.
// Returning nil sends nothing.
type Responder func(cmd []byte) []byte

// PeripheralBuilder builds a SimulatedPeripheral with a fluent API
type PeripheralBuilder struct {
	profile   DeviceProfileConfig
	advs      []device.Advertisement
	responder Responder
	radioErr  error
	writeErr  error
}

// NewPeripheralBuilder creates a builder with an empty profile
func NewPeripheralBuilder() *PeripheralBuilder {
	return &PeripheralBuilder{}
}

// WithWearableProfile adds the default write and notify channels plus a battery service
func (b *PeripheralBuilder) WithWearableProfile() *PeripheralBuilder {
	return b.
		WithService(device.DefaultWriteChannel.Service).
		WithCharacteristic(device.DefaultWriteChannel.Characteristic, "write,write-without-response").
		WithCharacteristic(device.DefaultNotifyChannel.Characteristic, "notify").
		WithService("180f").
		WithCharacteristic("2a19", "read,notify")
}

// WithService adds a service to the profile
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralBuilder) WithCharacteristic(uuid, properties string) *PeripheralBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := &b.profile.Services[len(b.profile.Services)-1]
	last.Characteristics = append(last.Characteristics, CharacteristicConfig{UUID: uuid, Properties: properties})
	return b
}

// FromJSON replaces the profile with one described in JSON
func (b *PeripheralBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralBuilder {
	var cfg DeviceProfileConfig
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &cfg); err != nil {
		panic(fmt.Sprintf("PeripheralBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	b.profile = cfg
	return b
}

// WithAdvertisements sets what the peripheral's scanner reports
func (b *PeripheralBuilder) WithAdvertisements(advs ...device.Advertisement) *PeripheralBuilder {
	b.advs = append(b.advs, advs...)
	return b
}

// WithResponder makes every accepted write produce a notification
func (b *PeripheralBuilder) WithResponder(r Responder) *PeripheralBuilder {
	b.responder = r
	return b
}

// WithRadioError makes Available, Connect and StartScan fail with err
func (b *PeripheralBuilder) WithRadioError(err error) *PeripheralBuilder {
	b.radioErr = err
	return b
}

// WithWriteError makes every write fail with err
func (b *PeripheralBuilder) WithWriteError(err error) *PeripheralBuilder {
	b.writeErr = err
	return b
}

// Build creates the peripheral
func (b *PeripheralBuilder) Build() *SimulatedPeripheral {
	table := device.ServiceTable{}
	for _, svc := range b.profile.Services {
		for _, c := range svc.Characteristics {
			table.Add(svc.UUID, c.UUID, parseCharacteristicProperties(c.Properties))
		}
	}
	return &SimulatedPeripheral{
		table:     table,
		advs:      append([]device.Advertisement(nil), b.advs...),
		responder: b.responder,
		radioErr:  b.radioErr,
		writeErr:  b.writeErr,
	}
}

// parseCharacteristicProperties converts a comma separated property list to flags.
// Properties the link layer does not act on, such as read, are ignored.
func parseCharacteristicProperties(props string) device.CharProperty {
	if props == "" {
		return device.PropWrite | device.PropNotify
	}

	var property device.CharProperty
	for _, p := range strings.Split(props, ",") {
		switch strings.TrimSpace(p) {
		case "write":
			property |= device.PropWrite
		case "write-without-response":
			property |= device.PropWriteWithoutResponse
		case "notify":
			property |= device.PropNotify
		case "indicate":
			property |= device.PropIndicate
		}
	}
	return property
}

// Write is one command accepted by a simulated peripheral
type Write struct {
	Channel device.Channel
	Data    []byte
	Mode    device.WriteMode
}

// SimulatedPeripheral is an in-memory wearable that implements both
// device.Radio and device.Scanner. It honors the radio contract: Connect
// returns before any callback fires, and callbacks of one link are delivered
// in order from a single goroutine.
type SimulatedPeripheral struct {
	table     device.ServiceTable
	advs      []device.Advertisement
	responder Responder
	radioErr  error
	writeErr  error

	mu       sync.Mutex
	link     *simLink
	connects []string
	writes   []Write

	scanMu     sync.Mutex
	scanCancel context.CancelFunc
	scanDone   <-chan struct{}
	scanBusy   *atomic.Bool
}

// Available implements device.Radio and device.Scanner
func (p *SimulatedPeripheral) Available() error {
	return p.radioErr
}

// Connect implements device.Radio
func (p *SimulatedPeripheral) Connect(address string, events device.LinkEvents) (device.Link, error) {
	if p.radioErr != nil {
		return nil, p.radioErr
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &simLink{
		peripheral: p,
		events:     events,
		ctx:        ctx,
		cancel:     cancel,
		posts:      make(chan func(), 64),
	}

	p.mu.Lock()
	p.link = l
	p.connects = append(p.connects, address)
	p.mu.Unlock()

	started := make(chan struct{})
	groutine.Go(ctx, "sim-link", func(ctx context.Context) {
		<-started
		l.loop(ctx)
	})
	defer close(started)

	l.post(events.OnConnected)
	return l, nil
}

// StartScan implements device.Scanner. Configured advertisements are
// replayed once, then the scan idles until StopScan.
func (p *SimulatedPeripheral) StartScan(handler func(device.Advertisement)) error {
	if p.radioErr != nil {
		return p.radioErr
	}

	p.scanMu.Lock()
	defer p.scanMu.Unlock()
	if p.scanCancel != nil {
		return device.NewError(device.RadioUnavailable, "scan already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	busy := new(atomic.Bool)
	p.scanCancel, p.scanBusy = cancel, busy
	p.scanDone = groutine.Go(ctx, "sim-scan", func(ctx context.Context) {
		for _, adv := range p.advs {
			busy.Store(true)
			if ctx.Err() != nil {
				busy.Store(false)
				return
			}
			handler(adv)
			busy.Store(false)
		}
		<-ctx.Done()
	})
	return nil
}

// StopScan implements device.Scanner. Like the radio scanner it does not
// wait when called while an advertisement is being delivered.
func (p *SimulatedPeripheral) StopScan() error {
	p.scanMu.Lock()
	cancel, done, busy := p.scanCancel, p.scanDone, p.scanBusy
	p.scanCancel, p.scanDone, p.scanBusy = nil, nil, nil
	p.scanMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if !busy.Load() {
		<-done
	}
	return nil
}

// Connects returns the addresses passed to Connect, in call order
func (p *SimulatedPeripheral) Connects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.connects...)
}

// Writes returns every write the peripheral accepted
func (p *SimulatedPeripheral) Writes() []Write {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Write(nil), p.writes...)
}

// Notify pushes data on the subscribed channel of the live link.
// Returns false when nothing is subscribed.
func (p *SimulatedPeripheral) Notify(data []byte) bool {
	l := p.current()
	if l == nil {
		return false
	}
	return l.notify(data)
}

// Drop simulates the peer going away
func (p *SimulatedPeripheral) Drop() {
	if l := p.current(); l != nil {
		l.drop()
	}
}

func (p *SimulatedPeripheral) current() *simLink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.link
}

func (p *SimulatedPeripheral) record(w Write) {
	p.mu.Lock()
	p.writes = append(p.writes, w)
	p.mu.Unlock()
}

// simLink is one connection to a SimulatedPeripheral
type simLink struct {
	peripheral *SimulatedPeripheral
	events     device.LinkEvents

	ctx    context.Context
	cancel context.CancelFunc
	posts  chan func()

	mu         sync.Mutex
	closed     bool
	subscribed device.Channel
}

func (l *simLink) loop(ctx context.Context) {
	for {
		select {
		case fn := <-l.posts:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

func (l *simLink) post(fn func()) {
	select {
	case l.posts <- fn:
	case <-l.ctx.Done():
	}
}

func (l *simLink) DiscoverServices() error {
	if l.isClosed() {
		return device.NewError(device.NotConnected, "link closed")
	}
	table := device.ServiceTable{}
	for svc, chars := range l.peripheral.table {
		for c, props := range chars {
			table.Add(svc, c, props)
		}
	}
	l.post(func() { l.events.OnServicesDiscovered(table, nil) })
	return nil
}

func (l *simLink) Subscribe(ch device.Channel) error {
	if l.isClosed() {
		return device.NewError(device.NotConnected, "link closed")
	}
	props, err := l.peripheral.table.Lookup(ch)
	if err != nil {
		return err
	}
	if !props.CanNotify() {
		l.post(func() { l.events.OnSubscribed(ch, fmt.Errorf("characteristic %s cannot notify", ch)) })
		return nil
	}

	l.mu.Lock()
	l.subscribed = ch
	l.mu.Unlock()
	l.post(func() { l.events.OnSubscribed(ch, nil) })
	return nil
}

func (l *simLink) Write(ch device.Channel, data []byte, mode device.WriteMode) error {
	if l.isClosed() {
		return device.NewError(device.NotConnected, "link closed")
	}
	if _, err := l.peripheral.table.Lookup(ch); err != nil {
		return err
	}
	if l.peripheral.writeErr != nil {
		return l.peripheral.writeErr
	}

	buf := append([]byte(nil), data...)
	l.peripheral.record(Write{Channel: ch, Data: buf, Mode: mode})

	if l.peripheral.responder != nil {
		if reply := l.peripheral.responder(buf); reply != nil {
			l.notify(reply)
		}
	}
	return nil
}

func (l *simLink) Disconnect() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cancel()
	return nil
}

func (l *simLink) notify(data []byte) bool {
	l.mu.Lock()
	ch, closed := l.subscribed, l.closed
	l.mu.Unlock()
	if closed || ch.IsZero() {
		return false
	}

	buf := append([]byte(nil), data...)
	l.post(func() { l.events.OnData(ch, buf) })
	return true
}

func (l *simLink) drop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	l.post(func() { l.events.OnDisconnected(device.NewError(device.LinkDropped, "peer went away")) })
}

func (l *simLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
