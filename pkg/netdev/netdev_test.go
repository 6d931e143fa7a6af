package netdev

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/canflux/cancore/pkg/can"
	"github.com/canflux/cancore/pkg/registry"
)

type fakeBus struct {
	connected  bool
	sent       []can.Frame
	sendErr    error
	subscribed can.FrameListener
}

func (b *fakeBus) Connect(...any) error { b.connected = true; return nil }
func (b *fakeBus) Disconnect() error    { b.connected = false; return nil }
func (b *fakeBus) Send(f can.Frame) error {
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, f)
	return nil
}
func (b *fakeBus) Subscribe(l can.FrameListener) error {
	b.subscribed = l
	return nil
}

func TestStartRegistersAndConnects(t *testing.T) {
	reg := registry.New()
	bus := &fakeBus{}
	dev := New("vcan0", 0, bus, reg, false)

	assert.NoError(t, dev.Start())
	assert.True(t, dev.IsUp())
	assert.True(t, bus.connected)
	assert.NotNil(t, bus.subscribed)

	got, ok := reg.DeviceByIndex(0)
	assert.True(t, ok)
	assert.Equal(t, dev, got)
}

func TestHandleDeliversThroughRegistry(t *testing.T) {
	reg := registry.New()
	bus := &fakeBus{}
	dev := New("vcan0", 0, bus, reg, false)
	assert.NoError(t, dev.Start())

	var got can.Frame
	_, err := reg.Register(dev, 0x123, can.SFFMask, func(frame can.Frame, d registry.Device, data, origin any) {
		got = frame
	}, nil, "test")
	assert.NoError(t, err)

	dev.Handle(can.NewFrame(0x123, 1, []byte{7}))
	assert.Equal(t, uint32(0x123), got.ID)
}

func TestSendForwardsToBus(t *testing.T) {
	reg := registry.New()
	bus := &fakeBus{}
	dev := New("vcan0", 0, bus, reg, false)
	frame := can.NewFrame(0x1, 1, []byte{1})
	assert.NoError(t, dev.Send(frame))
	assert.Equal(t, []can.Frame{frame}, bus.sent)
}

func TestSendPropagatesBusError(t *testing.T) {
	reg := registry.New()
	bus := &fakeBus{sendErr: errors.New("boom")}
	dev := New("vcan0", 0, bus, reg, false)
	assert.Error(t, dev.Send(can.NewFrame(0x1, 0, nil)))
}

func TestStopMarksDownAndUnregisters(t *testing.T) {
	reg := registry.New()
	bus := &fakeBus{}
	dev := New("vcan0", 0, bus, reg, false)
	assert.NoError(t, dev.Start())
	assert.NoError(t, dev.Stop())

	assert.False(t, dev.IsUp())
	assert.False(t, bus.connected)
	_, ok := reg.DeviceByIndex(0)
	assert.False(t, ok)
}
