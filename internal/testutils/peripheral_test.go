package testutils

import (
	"errors"
	"testing"
	"time"

	"github.com/srg/wearlink/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type linkCall struct {
	name string
	ch   device.Channel
	data []byte
	err  error
}

type callLog chan linkCall

func (c callLog) OnConnected()             { c <- linkCall{name: "connected"} }
func (c callLog) OnDisconnected(err error) { c <- linkCall{name: "disconnected", err: err} }
func (c callLog) OnServicesDiscovered(_ device.ServiceTable, err error) {
	c <- linkCall{name: "discovered", err: err}
}
func (c callLog) OnSubscribed(ch device.Channel, err error) {
	c <- linkCall{name: "subscribed", ch: ch, err: err}
}
func (c callLog) OnData(ch device.Channel, data []byte) {
	c <- linkCall{name: "data", ch: ch, data: data}
}

func (c callLog) next(t *testing.T) linkCall {
	t.Helper()
	select {
	case call := <-c:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a link callback")
		return linkCall{}
	}
}

func TestPeripheralBuilderProperties(t *testing.T) {
	tests := []struct {
		props    string
		expected device.CharProperty
	}{
		{props: "", expected: device.PropWrite | device.PropNotify},
		{props: "read", expected: 0},
		{props: "write, notify", expected: device.PropWrite | device.PropNotify},
		{props: "write-without-response,indicate", expected: device.PropWriteWithoutResponse | device.PropIndicate},
	}

	for _, tt := range tests {
		t.Run(tt.props, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseCharacteristicProperties(tt.props))
		})
	}
}

func TestPeripheralBuilderFromJSON(t *testing.T) {
	p := NewPeripheralBuilder().FromJSON(`{
		"services": [
			{"uuid": "%s", "characteristics": [{"uuid": "2A19", "properties": "read,notify"}]}
		]
	}`, "180F").Build()

	props, err := p.table.Lookup(device.NewChannel("180f", "2a19"))
	require.NoError(t, err)
	assert.Equal(t, device.PropNotify, props)

	assert.Panics(t, func() { NewPeripheralBuilder().FromJSON(`{`) })
	assert.Panics(t, func() { NewPeripheralBuilder().WithCharacteristic("2a19", "notify") })
}

func TestSimulatedPeripheralLinkLifecycle(t *testing.T) {
	p := NewPeripheralBuilder().
		WithWearableProfile().
		WithResponder(func(cmd []byte) []byte { return append([]byte{0xAA}, cmd...) }).
		Build()
	calls := make(callLog, 16)

	l, err := p.Connect("AA:BB:CC:DD:EE:FF", calls)
	require.NoError(t, err)
	assert.Equal(t, []string{"AA:BB:CC:DD:EE:FF"}, p.Connects())
	assert.Equal(t, "connected", calls.next(t).name)

	require.NoError(t, l.DiscoverServices())
	assert.Equal(t, "discovered", calls.next(t).name)

	assert.False(t, p.Notify([]byte{0x01}), "nothing subscribed yet")
	require.NoError(t, l.Subscribe(device.DefaultNotifyChannel))
	call := calls.next(t)
	assert.Equal(t, "subscribed", call.name)
	assert.NoError(t, call.err)

	require.NoError(t, l.Write(device.DefaultWriteChannel, []byte{0x10}, device.WriteWithoutResponse))
	call = calls.next(t)
	assert.Equal(t, "data", call.name)
	assert.Equal(t, device.DefaultNotifyChannel, call.ch)
	assert.Equal(t, []byte{0xAA, 0x10}, call.data)
	assert.Equal(t, []Write{{Channel: device.DefaultWriteChannel, Data: []byte{0x10}, Mode: device.WriteWithoutResponse}}, p.Writes())

	err = l.Write(device.NewChannel("180f", "2a1a"), []byte{0x01}, device.WriteWithoutResponse)
	assert.ErrorIs(t, err, device.ErrServiceNotFound)

	p.Drop()
	call = calls.next(t)
	assert.Equal(t, "disconnected", call.name)
	assert.ErrorIs(t, call.err, device.ErrLinkDropped)
	assert.ErrorIs(t, l.Write(device.DefaultWriteChannel, []byte{0x10}, device.WriteWithoutResponse), device.ErrNotConnected)
	assert.NoError(t, l.Disconnect())
}

func TestSimulatedPeripheralSubscribeWithoutNotify(t *testing.T) {
	p := NewPeripheralBuilder().
		WithService("180f").
		WithCharacteristic("2a19", "read").
		Build()
	calls := make(callLog, 4)

	l, err := p.Connect("AA", calls)
	require.NoError(t, err)
	defer l.Disconnect()
	calls.next(t)

	require.NoError(t, l.Subscribe(device.NewChannel("180f", "2a19")))
	assert.Error(t, calls.next(t).err)
}

func TestSimulatedPeripheralErrors(t *testing.T) {
	radioErr := device.NewError(device.RadioUnavailable, "off")
	p := NewPeripheralBuilder().WithRadioError(radioErr).Build()

	assert.ErrorIs(t, p.Available(), device.ErrRadioUnavailable)
	_, err := p.Connect("AA", make(callLog, 1))
	assert.ErrorIs(t, err, device.ErrRadioUnavailable)
	assert.ErrorIs(t, p.StartScan(func(device.Advertisement) {}), device.ErrRadioUnavailable)

	writeErr := errors.New("busy")
	p = NewPeripheralBuilder().WithWearableProfile().WithWriteError(writeErr).Build()
	l, err := p.Connect("AA", make(callLog, 4))
	require.NoError(t, err)
	defer l.Disconnect()
	assert.ErrorIs(t, l.Write(device.DefaultWriteChannel, []byte{0x01}, device.WriteWithResponse), writeErr)
	assert.Empty(t, p.Writes())
}

func TestSimulatedPeripheralScan(t *testing.T) {
	p := NewPeripheralBuilder().
		WithAdvertisements(
			CreateMockAdvertisement("WISH-01", "AA:01", -40).Build(),
			CreateMockAdvertisement("WISH-02", "AA:02", -60).Build(),
		).
		Build()

	got := make(chan string, 4)
	require.NoError(t, p.StartScan(func(adv device.Advertisement) { got <- adv.LocalName() }))
	assert.ErrorIs(t, p.StartScan(func(device.Advertisement) {}), device.ErrRadioUnavailable)

	assert.Equal(t, "WISH-01", <-got)
	assert.Equal(t, "WISH-02", <-got)

	require.NoError(t, p.StopScan())
	require.NoError(t, p.StopScan())
	require.NoError(t, p.StartScan(func(device.Advertisement) {}), "scan MUST restart after stop")
	require.NoError(t, p.StopScan())
}
