package device

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when an expected GATT resource is absent on the peer
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // [serviceUUID] or [serviceUUID, charUUID]
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// Is makes every NotFoundError match ErrServiceNotFound
func (e *NotFoundError) Is(target error) bool {
	return target == ErrServiceNotFound
}

// FailureKind classifies radio-level failures
type FailureKind string

const (
	RadioUnavailable FailureKind = "radio_unavailable"
	NoTarget         FailureKind = "no_target"
	WriteRejected    FailureKind = "write_rejected"
	LinkDropped      FailureKind = "link_dropped"
	NotConnected     FailureKind = "not_connected"
	AlreadyConnected FailureKind = "already_connected"
)

// ConnectionError represents any recoverable radio or link problem
type ConnectionError struct {
	Kind FailureKind
	Msg  string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by Kind
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors, one per failure kind
var (
	ErrRadioUnavailable = &ConnectionError{Kind: RadioUnavailable}
	ErrNoTarget         = &ConnectionError{Kind: NoTarget}
	ErrWriteRejected    = &ConnectionError{Kind: WriteRejected}
	ErrLinkDropped      = &ConnectionError{Kind: LinkDropped}
	ErrNotConnected     = &ConnectionError{Kind: NotConnected}
	ErrAlreadyConnected = &ConnectionError{Kind: AlreadyConnected}
)

var (
	ErrServiceNotFound = errors.New("service not found")
	ErrEmptyPayload    = errors.New("empty payload")
)

// NewError builds a ConnectionError of the given kind with a formatted message
func NewError(kind FailureKind, format string, args ...any) error {
	return &ConnectionError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// IsFailure reports whether err is a ConnectionError of the given kind
func IsFailure(err error, kind FailureKind) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.Kind == kind
	}
	return false
}

// Peer identifies a remote wearable. Immutable once observed.
type Peer struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Equal compares peers by address only
func (p Peer) Equal(other Peer) bool {
	return strings.EqualFold(p.Address, other.Address)
}

func (p Peer) String() string {
	if p.Name == "" {
		return p.Address
	}
	return fmt.Sprintf("%s (%s)", p.Name, p.Address)
}

// ConnectionState is the lifecycle state of a single peripheral link
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	ServicesReady
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ServicesReady:
		return "services_ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// WriteMode selects the GATT write procedure
type WriteMode int

const (
	WriteWithoutResponse WriteMode = iota
	WriteWithResponse
)

func (m WriteMode) String() string {
	if m == WriteWithResponse {
		return "with_response"
	}
	return "without_response"
}
