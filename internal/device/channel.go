package device

import (
	"fmt"
	"sort"
)

// Channel addresses one GATT characteristic inside one service.
// UUIDs are stored normalized; use NewChannel to build one.
type Channel struct {
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
}

// NewChannel builds a Channel from raw (possibly dashed, mixed-case) UUIDs
func NewChannel(service, characteristic string) Channel {
	return Channel{
		Service:        NormalizeUUID(service),
		Characteristic: NormalizeUUID(characteristic),
	}
}

// IsZero reports whether the channel is unset
func (c Channel) IsZero() bool {
	return c.Service == "" && c.Characteristic == ""
}

func (c Channel) String() string {
	return fmt.Sprintf("%s/%s", ShortenUUID(c.Service), ShortenUUID(c.Characteristic))
}

// Channels of the supported wearable family
var (
	DefaultWriteChannel  = NewChannel("f000efe0-0451-4000-0000-00000000b000", "f000efe1-0451-4000-0000-00000000b000")
	DefaultNotifyChannel = NewChannel("f000efe0-0451-4000-0000-00000000b000", "f000efe3-0451-4000-0000-00000000b000")
)

// CharProperty is a bitmask of the characteristic capabilities the core cares about
type CharProperty uint8

const (
	PropWrite CharProperty = 1 << iota
	PropWriteWithoutResponse
	PropNotify
	PropIndicate
)

// CanNotify reports whether the characteristic supports notifications or indications
func (p CharProperty) CanNotify() bool {
	return p&(PropNotify|PropIndicate) != 0
}

// CanWrite reports whether the characteristic accepts either write procedure
func (p CharProperty) CanWrite() bool {
	return p&(PropWrite|PropWriteWithoutResponse) != 0
}

// ServiceTable is the discovered GATT layout: service UUID -> characteristic UUID -> properties
type ServiceTable map[string]map[string]CharProperty

// Add records a characteristic, normalizing both UUIDs
func (t ServiceTable) Add(service, characteristic string, props CharProperty) {
	svc := NormalizeUUID(service)
	chars, ok := t[svc]
	if !ok {
		chars = make(map[string]CharProperty)
		t[svc] = chars
	}
	chars[NormalizeUUID(characteristic)] = props
}

// Lookup resolves a channel against the table.
// Returns a NotFoundError if the service or characteristic is missing.
func (t ServiceTable) Lookup(ch Channel) (CharProperty, error) {
	chars, ok := t[ch.Service]
	if !ok {
		return 0, &NotFoundError{Resource: "service", UUIDs: []string{ch.Service}}
	}
	props, ok := chars[ch.Characteristic]
	if !ok {
		return 0, &NotFoundError{Resource: "characteristic", UUIDs: []string{ch.Service, ch.Characteristic}}
	}
	return props, nil
}

// Services returns the service UUIDs sorted for consistent ordering
func (t ServiceTable) Services() []string {
	result := make([]string, 0, len(t))
	for uuid := range t {
		result = append(result, uuid)
	}
	sort.Strings(result)
	return result
}
