package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/canflux/cancore/pkg/can"
)

type fakeDevice struct {
	name         string
	index        int
	up           bool
	selfLoopback bool
	sent         []can.Frame
	sendErr      error
}

func (d *fakeDevice) Name() string         { return d.name }
func (d *fakeDevice) Index() int           { return d.index }
func (d *fakeDevice) IsUp() bool           { return d.up }
func (d *fakeDevice) SelfLoopback() bool   { return d.selfLoopback }
func (d *fakeDevice) Send(f can.Frame) error {
	if d.sendErr != nil {
		return d.sendErr
	}
	d.sent = append(d.sent, f)
	return nil
}

func newUpDevice(name string, index int) *fakeDevice {
	return &fakeDevice{name: name, index: index, up: true}
}

func collector() (HandlerFunc, func() []can.Frame) {
	var got []can.Frame
	return func(frame can.Frame, dev Device, data, origin any) {
		got = append(got, frame)
	}, func() []can.Frame { return got }
}

func TestRegisterDeliverExactMatch(t *testing.T) {
	r := New()
	dev := newUpDevice("can0", 0)
	r.AddDevice(dev)

	handle, get := collector()
	_, err := r.Register(dev, 0x123, can.SFFMask, handle, nil, "test")
	assert.NoError(t, err)

	f := can.NewFrame(0x123, 2, []byte{0xAB, 0xCD})
	matches := r.Deliver(dev, f, nil)
	assert.Equal(t, 1, matches)
	assert.Len(t, get(), 1)
}

func TestUnregisterThenDeliverDoesNotInvoke(t *testing.T) {
	r := New()
	dev := newUpDevice("can0", 0)
	r.AddDevice(dev)

	handle, get := collector()
	sub, err := r.Register(dev, 0x123, can.SFFMask, handle, nil, "test")
	assert.NoError(t, err)
	assert.NoError(t, r.Unregister(sub))

	r.Deliver(dev, can.NewFrame(0x123, 0, nil), nil)
	assert.Len(t, get(), 0)
}

func TestUnregisterUnknownIsNotFound(t *testing.T) {
	r := New()
	dev := newUpDevice("can0", 0)
	r.AddDevice(dev)
	handle, _ := collector()
	sub, err := r.Register(dev, 0x1, can.SFFMask, handle, nil, "x")
	assert.NoError(t, err)
	assert.NoError(t, r.Unregister(sub))
	assert.ErrorIs(t, r.Unregister(sub), ErrNotFound)
}

func TestMaskZeroReceivesEveryNonErrorFrame(t *testing.T) {
	r := New()
	dev := newUpDevice("can0", 0)
	r.AddDevice(dev)
	handle, get := collector()
	_, err := r.Register(dev, 0, 0, handle, nil, "wildcard")
	assert.NoError(t, err)

	r.Deliver(dev, can.NewFrame(0x1, 0, nil), nil)
	r.Deliver(dev, can.NewFrame(0x7FF|can.EFFFlag, 0, nil), nil)
	assert.Len(t, get(), 2)
}

func TestErrMaskReceivesOnlyErrorFrames(t *testing.T) {
	r := New()
	dev := newUpDevice("can0", 0)
	r.AddDevice(dev)
	handle, get := collector()
	_, err := r.Register(dev, 0, can.ERRFlag|uint32(can.ErrTxBusOff), handle, nil, "err")
	assert.NoError(t, err)

	r.Deliver(dev, can.NewFrame(can.ERRFlag|uint32(can.ErrTxBusOff), 0, nil), nil)
	r.Deliver(dev, can.NewFrame(0x123, 0, nil), nil)
	assert.Len(t, get(), 1)
}

func TestSFFBoundaryIDs(t *testing.T) {
	r := New()
	dev := newUpDevice("can0", 0)
	r.AddDevice(dev)
	handleLow, getLow := collector()
	handleHigh, getHigh := collector()
	_, err := r.Register(dev, 0, can.SFFMask, handleLow, nil, "low")
	assert.NoError(t, err)
	_, err = r.Register(dev, 0x7FF, can.SFFMask, handleHigh, nil, "high")
	assert.NoError(t, err)

	r.Deliver(dev, can.NewFrame(0, 0, nil), nil)
	r.Deliver(dev, can.NewFrame(0x7FF, 0, nil), nil)
	assert.Len(t, getLow(), 1)
	assert.Len(t, getHigh(), 1)
}

func TestEFFExactIDGoesToEffBucket(t *testing.T) {
	r := New()
	dev := newUpDevice("can0", 0)
	r.AddDevice(dev)
	handle, get := collector()
	_, err := r.Register(dev, 0x1ABCDEF|can.EFFFlag, can.EFFMask|can.EFFFlag, handle, nil, "eff")
	assert.NoError(t, err)

	r.Deliver(dev, can.NewFrame(0x1ABCDEF|can.EFFFlag, 0, nil), nil)
	assert.Len(t, get(), 1)
}

func TestMultiListenerFanOut(t *testing.T) {
	r := New()
	dev := newUpDevice("can0", 0)
	r.AddDevice(dev)
	handleExact, getExact := collector()
	handleWild, getWild := collector()
	_, err := r.Register(dev, 0x123, can.SFFMask, handleExact, nil, "exact")
	assert.NoError(t, err)
	_, err = r.Register(dev, 0, 0, handleWild, nil, "wild")
	assert.NoError(t, err)

	matches := r.Deliver(dev, can.NewFrame(0x123, 0, nil), nil)
	assert.Equal(t, 2, matches)
	assert.Len(t, getExact(), 1)
	assert.Len(t, getWild(), 1)
}

func TestAllDevicesIndexAndDeviceIndexBothFire(t *testing.T) {
	r := New()
	dev := newUpDevice("can0", 0)
	r.AddDevice(dev)
	handleAny, getAny := collector()
	handleDev, getDev := collector()
	_, err := r.Register(nil, 0x123, can.SFFMask, handleAny, nil, "any")
	assert.NoError(t, err)
	_, err = r.Register(dev, 0x123, can.SFFMask, handleDev, nil, "dev")
	assert.NoError(t, err)

	matches := r.Deliver(dev, can.NewFrame(0x123, 0, nil), nil)
	assert.Equal(t, 2, matches)
	assert.Len(t, getAny(), 1)
	assert.Len(t, getDev(), 1)
}

func TestRemoveDeviceDropsItsSubscriptions(t *testing.T) {
	r := New()
	dev := newUpDevice("can0", 0)
	r.AddDevice(dev)
	handle, get := collector()
	_, err := r.Register(dev, 0x123, can.SFFMask, handle, nil, "x")
	assert.NoError(t, err)

	r.RemoveDevice(dev)
	matches := r.Deliver(dev, can.NewFrame(0x123, 0, nil), nil)
	assert.Equal(t, 0, matches)
	assert.Len(t, get(), 0)
}

func TestSendLoopbackInvokesLocalListenerBeforeUpCheck(t *testing.T) {
	r := New()
	dev := &fakeDevice{name: "can0", index: 0, up: false}
	r.AddDevice(dev)
	handle, get := collector()
	_, err := r.Register(dev, 0x123, can.SFFMask, handle, nil, "x")
	assert.NoError(t, err)

	err = r.Send(dev, can.NewFrame(0x123, 0, nil), true, "socket-A")
	assert.ErrorIs(t, err, ErrDeviceDown)
	assert.Len(t, get(), 1)
}

func TestSendDeviceDown(t *testing.T) {
	r := New()
	dev := &fakeDevice{name: "can0", index: 0, up: false}
	r.AddDevice(dev)
	err := r.Send(dev, can.NewFrame(0x1, 0, nil), false, nil)
	assert.ErrorIs(t, err, ErrDeviceDown)
}

func TestSendQueueFull(t *testing.T) {
	r := New()
	dev := &fakeDevice{name: "can0", index: 0, up: true, sendErr: assert.AnError}
	r.AddDevice(dev)
	err := r.Send(dev, can.NewFrame(0x1, 0, nil), false, nil)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestNotifierFiresOnDeviceEvents(t *testing.T) {
	r := New()
	dev := newUpDevice("can0", 0)
	var events []Event
	r.Notify(dev, func(event Event, d Device) { events = append(events, event) })
	r.AddDevice(dev)
	r.DeviceDown(dev)
	r.DeviceUp(dev)
	r.RemoveDevice(dev)
	assert.Equal(t, []Event{EventRegister, EventDown, EventUp, EventUnregister}, events)
}

func TestRegisterUnregisterRoundTripRestoresBucketState(t *testing.T) {
	r := New()
	dev := newUpDevice("can0", 0)
	r.AddDevice(dev)
	d := r.devices[dev]
	assert.Equal(t, 0, d.entries)

	handle, _ := collector()
	subs := make([]*Subscription, 0, 10)
	for i := 0; i < 10; i++ {
		sub, err := r.Register(dev, uint32(i), can.SFFMask, handle, nil, "x")
		assert.NoError(t, err)
		subs = append(subs, sub)
	}
	assert.Equal(t, 10, d.entries)
	for _, sub := range subs {
		assert.NoError(t, r.Unregister(sub))
	}
	assert.Equal(t, 0, d.entries)
}
