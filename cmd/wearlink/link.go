package main

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/srg/wearlink/internal/bledb"
	"github.com/srg/wearlink/internal/connection"
	"github.com/srg/wearlink/internal/device"
	goble "github.com/srg/wearlink/internal/device/go-ble"
	"github.com/srg/wearlink/internal/events"
	"github.com/srg/wearlink/pkg/config"
)

// Radio constructors; tests swap them for a simulated peripheral
var (
	newRadio = func(cfg *config.Config, logger *logrus.Logger) device.Radio {
		return goble.NewRadio(logger, goble.RadioOptions{MTU: cfg.MTU})
	}
	newScanner = func(logger *logrus.Logger) device.Scanner {
		return goble.NewScanner(logger)
	}
)

// linkSession owns the manager and event queue of one command run
type linkSession struct {
	manager *connection.Manager
	queue   *events.Queue
	states  chan device.ConnectionState
	logger  *logrus.Logger
}

func openLink(cfg *config.Config, logger *logrus.Logger) *linkSession {
	queue := events.NewQueue(cfg.QueueCapacity, logger)
	manager := connection.New(newRadio(cfg, logger), queue, connection.Options{
		ReadyTimeout:  cfg.ReadyTimeout,
		WriteMode:     cfg.WriteMode(),
		WriteChannel:  cfg.WriteChannel(),
		NotifyChannel: cfg.NotifyChannel(),
		Reconnect:     cfg.Reconnect(),
	}, logger)

	return &linkSession{
		manager: manager,
		queue:   queue,
		states:  make(chan device.ConnectionState, 64),
		logger:  logger,
	}
}

// listen installs the queue handler; call once, before connect
func (s *linkSession) listen(handlers ...events.Handler) {
	s.queue.Subscribe(events.Tee(append([]events.Handler{s.track}, handlers...)...))
}

func (s *linkSession) track(env events.Envelope) {
	if env.Kind != events.StateChanged {
		return
	}
	select {
	case s.states <- env.State:
	default:
		s.logger.WithField("state", env.State).Warn("State backlog full, dropping transition")
	}
}

// connect initiates the link and waits until services are ready.
// progress receives every state name along the way.
func (s *linkSession) connect(ctx context.Context, peer device.Peer, progress func(string)) error {
	if err := s.manager.Connect(peer); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", peer.Address, err)
	}

	for {
		select {
		case state := <-s.states:
			progress(state.String())
			switch state {
			case device.ServicesReady:
				return nil
			case device.Disconnected:
				return fmt.Errorf("%w: link to %s closed before services were ready", ErrConnectionLost, peer.Address)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitDisconnected blocks until the link drops for good or ctx is done.
// Drops followed by a reconnect attempt do not end the wait.
func (s *linkSession) waitDisconnected(ctx context.Context) error {
	for {
		select {
		case state := <-s.states:
			if state != device.Disconnected {
				continue
			}
			if s.manager.Reconnecting() {
				s.logger.Debug("Link dropped, waiting for reconnect")
				continue
			}
			return ErrConnectionLost
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// close releases the link and flushes the queue; idempotent
func (s *linkSession) close() {
	s.manager.Close()
	s.queue.Close()
}

// eventPrinter renders envelopes as one line each. It runs on the queue goroutine.
type eventPrinter struct {
	out    io.Writer
	states bool // also print state transitions
}

func (p *eventPrinter) handle(env events.Envelope) {
	ts := env.Time.Format("15:04:05.000")

	switch env.Kind {
	case events.StateChanged:
		if p.states {
			fmt.Fprintf(p.out, "%s %s %s\n", ts, env.Peer.Address, stateColor(env.State).Sprint(env.State))
		}
	case events.DataReceived:
		fmt.Fprintf(p.out, "%s %s %s %s\n", ts, env.Peer.Address,
			bledb.Describe(env.Channel.Characteristic, bledb.LookupCharacteristic), env.HexData())
	case events.ServiceNotFound:
		fmt.Fprintf(p.out, "%s %s %s\n", ts, env.Peer.Address, color.YellowString("missing %s: %v", env.Channel, env.Err))
	}
}

func stateColor(state device.ConnectionState) *color.Color {
	switch state {
	case device.ServicesReady:
		return color.New(color.FgGreen)
	case device.Connected, device.Connecting:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgRed)
	}
}
