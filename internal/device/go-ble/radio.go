package goble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/wearlink/internal/device"
	"github.com/srg/wearlink/internal/groutine"
)

// DefaultDialTimeout bounds a single connection attempt
const DefaultDialTimeout = 30 * time.Second

// gattClient is the part of ble.Client a link drives
type gattClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ExchangeMTU(rxMTU int) (txMTU int, err error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	CancelConnection() error
}

type dialFunc func(ctx context.Context, address string) (gattClient, error)

// RadioOptions configures a Radio. Zero values select defaults.
type RadioOptions struct {
	DialTimeout time.Duration
	MTU         int // requested ATT MTU; 0 skips the exchange
}

// Radio implements device.Radio on top of go-ble
type Radio struct {
	logger *logrus.Logger
	opts   RadioOptions

	mu   sync.Mutex
	dev  ble.Device
	dial dialFunc // overridden in tests
}

// NewRadio creates a Radio. The ble.Device is created lazily through DeviceFactory.
func NewRadio(logger *logrus.Logger, opts RadioOptions) *Radio {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	r := &Radio{logger: logger, opts: opts}
	r.dial = r.dialDevice
	return r
}

// Available reports whether the platform radio can be used
func (r *Radio) Available() error {
	_, err := r.device()
	return err
}

// Connect starts dialing address in the background and returns immediately.
// Every result, including a failed dial, arrives through events.
func (r *Radio) Connect(address string, events device.LinkEvents) (device.Link, error) {
	if address == "" {
		return nil, device.NewError(device.NoTarget, "device address is empty")
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &link{
		address: address,
		events:  events,
		logger:  r.logger,
		ctx:     ctx,
		cancel:  cancel,
		chars:   make(map[device.Channel]*ble.Characteristic),
	}

	started := make(chan struct{})
	groutine.Go(ctx, "ble-dial", func(ctx context.Context) {
		<-started
		l.run(ctx, r)
	})

	defer close(started)
	return l, nil
}

func (r *Radio) device() (ble.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dev != nil {
		return r.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		r.logger.WithError(err).Error("Failed to create BLE device")
		return nil, NormalizeError(fmt.Errorf("failed to create BLE device: %w", err))
	}
	r.dev = dev
	return dev, nil
}

func (r *Radio) dialDevice(ctx context.Context, address string) (gattClient, error) {
	dev, err := r.device()
	if err != nil {
		return nil, err
	}
	client, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, err
	}
	return client, nil
}

// link is one connection attempt. It never reconnects.
type link struct {
	address string
	events  device.LinkEvents
	logger  *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	client gattClient
	chars  map[device.Channel]*ble.Characteristic
	closed bool
}

func (l *link) run(ctx context.Context, r *Radio) {
	l.logger.WithFields(logrus.Fields{
		"address": l.address,
		"timeout": r.opts.DialTimeout,
	}).Info("Connecting to BLE device...")

	dialCtx, cancel := context.WithTimeout(ctx, r.opts.DialTimeout)
	client, err := r.dial(dialCtx, l.address)
	cancel()

	if ctx.Err() != nil {
		// Disconnect won the race
		if client != nil {
			_ = client.CancelConnection()
		}
		return
	}
	if err != nil {
		l.logger.WithFields(logrus.Fields{
			"address": l.address,
			"error":   err,
		}).Error("Failed to dial BLE device")
		l.events.OnDisconnected(NormalizeError(fmt.Errorf("failed to connect to device with address %q: %w", l.address, err)))
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = client.CancelConnection()
		return
	}
	l.client = client
	l.mu.Unlock()

	if r.opts.MTU > 0 {
		if txMTU, err := client.ExchangeMTU(r.opts.MTU); err != nil {
			l.logger.WithError(err).Debug("MTU exchange failed, keeping the default")
		} else {
			l.logger.WithField("mtu", txMTU).Debug("MTU exchanged")
		}
	}

	l.logger.WithField("address", l.address).Info("BLE device connected")
	l.events.OnConnected()

	// Darwin-style clients expose a channel closed when the peer drops
	if watcher, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		select {
		case <-watcher.Disconnected():
			if ctx.Err() == nil {
				l.logger.WithField("address", l.address).Warn("Peer reported disconnection")
				l.markClosed()
				l.events.OnDisconnected(device.NewError(device.LinkDropped, "peer %s disconnected", l.address))
			}
		case <-ctx.Done():
		}
	} else {
		l.logger.Debug("Client does not expose Disconnected(); drops surface as write failures")
	}
}

// DiscoverServices resolves the GATT profile in the background
func (l *link) DiscoverServices() error {
	client, err := l.connected()
	if err != nil {
		return err
	}

	groutine.Go(l.ctx, "ble-discover", func(ctx context.Context) {
		profile, err := client.DiscoverProfile(true)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.events.OnServicesDiscovered(nil, NormalizeError(fmt.Errorf("failed to discover profile: %w", err)))
			return
		}

		table := device.ServiceTable{}
		chars := make(map[device.Channel]*ble.Characteristic)
		for _, svc := range profile.Services {
			for _, c := range svc.Characteristics {
				table.Add(svc.UUID.String(), c.UUID.String(), toCharProperty(c.Property))
				chars[device.NewChannel(svc.UUID.String(), c.UUID.String())] = c
			}
		}

		l.mu.Lock()
		l.chars = chars
		l.mu.Unlock()

		l.logger.WithFields(logrus.Fields{
			"address":  l.address,
			"services": len(table),
		}).Debug("Profile discovered successfully")
		l.events.OnServicesDiscovered(table, nil)
	})
	return nil
}

// Subscribe enables notifications, or indications when that is all the characteristic offers
func (l *link) Subscribe(ch device.Channel) error {
	client, c, err := l.resolve(ch)
	if err != nil {
		return err
	}
	indicate := c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0

	groutine.Go(l.ctx, "ble-subscribe", func(ctx context.Context) {
		err := client.Subscribe(c, indicate, func(data []byte) {
			if ctx.Err() == nil {
				l.events.OnData(ch, data)
			}
		})
		if ctx.Err() != nil {
			return
		}
		l.events.OnSubscribed(ch, NormalizeError(err))
	})
	return nil
}

// Write hands one payload to the radio
func (l *link) Write(ch device.Channel, data []byte, mode device.WriteMode) error {
	client, c, err := l.resolve(ch)
	if err != nil {
		return err
	}
	if err := client.WriteCharacteristic(c, data, mode == device.WriteWithoutResponse); err != nil {
		return NormalizeError(fmt.Errorf("failed to write to characteristic %s: %w", ch, err))
	}
	return nil
}

// Disconnect cancels pending work and drops the connection. Safe to call more than once.
func (l *link) Disconnect() error {
	client := l.markClosed()
	if client == nil {
		return nil
	}
	l.logger.WithField("address", l.address).Info("Disconnecting BLE device...")
	return NormalizeError(client.CancelConnection())
}

// markClosed cancels the link and returns the client if this call released it
func (l *link) markClosed() gattClient {
	l.cancel()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	client := l.client
	l.client = nil
	return client
}

func (l *link) connected() (gattClient, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client == nil {
		return nil, device.NewError(device.NotConnected, "link to %s is not established", l.address)
	}
	return l.client, nil
}

func (l *link) resolve(ch device.Channel) (gattClient, *ble.Characteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client == nil {
		return nil, nil, device.NewError(device.NotConnected, "link to %s is not established", l.address)
	}
	c, ok := l.chars[ch]
	if !ok {
		return nil, nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{ch.Service, ch.Characteristic}}
	}
	return l.client, c, nil
}
