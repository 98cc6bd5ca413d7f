package events

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/srg/wearlink/internal/device"
)

// Kind tags the variant carried by an Envelope
type Kind int

const (
	StateChanged Kind = iota
	DataReceived
	ServiceNotFound
)

func (k Kind) String() string {
	switch k {
	case StateChanged:
		return "state_changed"
	case DataReceived:
		return "data_received"
	case ServiceNotFound:
		return "service_not_found"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Envelope is a single typed event moving through the delivery pipeline.
// Only the fields relevant to Kind are set.
type Envelope struct {
	Kind    Kind
	Peer    device.Peer
	State   device.ConnectionState // StateChanged
	Channel device.Channel         // DataReceived, ServiceNotFound
	Data    []byte                 // DataReceived
	Err     error                  // ServiceNotFound

	Seq  uint64    // assigned by Queue.Publish
	Time time.Time // assigned by Queue.Publish when zero
}

// NewStateChanged builds a StateChanged envelope
func NewStateChanged(peer device.Peer, state device.ConnectionState) Envelope {
	return Envelope{Kind: StateChanged, Peer: peer, State: state}
}

// NewDataReceived builds a DataReceived envelope; data is copied.
func NewDataReceived(peer device.Peer, ch device.Channel, data []byte) Envelope {
	buf := make([]byte, len(data))
	copy(buf, data)
	return Envelope{Kind: DataReceived, Peer: peer, Channel: ch, Data: buf}
}

// NewServiceNotFound builds a ServiceNotFound envelope
func NewServiceNotFound(peer device.Peer, ch device.Channel, err error) Envelope {
	return Envelope{Kind: ServiceNotFound, Peer: peer, Channel: ch, Err: err}
}

func (e Envelope) String() string {
	switch e.Kind {
	case StateChanged:
		return fmt.Sprintf("#%d %s %s", e.Seq, e.Peer.Address, e.State)
	case DataReceived:
		return fmt.Sprintf("#%d %s %s [% X]", e.Seq, e.Peer.Address, e.Channel, e.Data)
	case ServiceNotFound:
		return fmt.Sprintf("#%d %s %s missing: %v", e.Seq, e.Peer.Address, e.Channel, e.Err)
	default:
		return fmt.Sprintf("#%d %s %s", e.Seq, e.Peer.Address, e.Kind)
	}
}

// HexData returns the payload as a compact lowercase hex string
func (e Envelope) HexData() string {
	return hex.EncodeToString(e.Data)
}
