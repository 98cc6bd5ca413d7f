package device

// LinkEvents receives asynchronous link-layer results.
// Implementations must tolerate calls from any goroutine.
type LinkEvents interface {
	OnConnected()
	OnDisconnected(err error)
	OnServicesDiscovered(table ServiceTable, err error)
	OnSubscribed(ch Channel, err error)
	OnData(ch Channel, data []byte)
}

// Link is a live (or pending) connection handle to one peripheral.
// Discovery and subscription complete through LinkEvents, never synchronously
// from within a Link method. Disconnect releases the handle and is idempotent.
type Link interface {
	DiscoverServices() error
	Subscribe(ch Channel) error
	// Write reports whether the radio accepted the request, not whether the peer processed it.
	Write(ch Channel, data []byte, mode WriteMode) error
	Disconnect() error
}

// Radio is the platform radio capability.
//
// Connect only initiates the link: it must return before any LinkEvents
// callback fires, and all callbacks for the returned Link go to events.
type Radio interface {
	Available() error
	Connect(address string, events LinkEvents) (Link, error)
}

// Advertisement is the subset of advertising data the core consumes
type Advertisement interface {
	LocalName() string
	RSSI() int
	Addr() string
	Connectable() bool
	Services() []string
}

// Scanner is the discovery capability of the radio.
// The handler is invoked sequentially from a scan goroutine until StopScan.
type Scanner interface {
	Available() error
	StartScan(handler func(Advertisement)) error
	StopScan() error
}
