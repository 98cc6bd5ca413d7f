// Package device defines the radio boundary of the wearable link core.
//
// It holds the value types shared by every layer (Peer, ConnectionState,
// Channel, ServiceTable), the error taxonomy, and the interfaces a concrete
// radio stack implements:
//   - Radio / Link / LinkEvents for the connection lifecycle
//   - Scanner / Advertisement for discovery
//
// The go-ble backed implementation lives in the go-ble subpackage.
package device
