// Package netdev adapts a pkg/can.Bus into a pkg/registry.Device: the glue
// between a transport (real or virtual CAN interface) and the subscription
// registry, grounded on the teacher's BusManager (a Bus wrapper that
// implements FrameListener and fans received frames out to subscribers).
package netdev

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/canflux/cancore/pkg/can"
	"github.com/canflux/cancore/pkg/registry"
)

// NetDevice is one named, indexed CAN interface: a Bus plus the registry it
// delivers inbound frames into and reports status transitions to.
type NetDevice struct {
	mu     sync.Mutex
	logger *slog.Logger

	name         string
	index        int
	selfLoopback bool

	bus can.Bus
	reg *registry.Registry
	up  bool
}

// New builds a NetDevice named name with the given ifindex, wrapping bus.
// selfLoopback should be true only for a transport (like pkg/can/virtual's
// receive-own mode) that already echoes local transmissions back through
// Handle on its own; any other transport gets its loopback re-injected by
// the registry's Send helper instead.
func New(name string, index int, bus can.Bus, reg *registry.Registry, selfLoopback bool) *NetDevice {
	return &NetDevice{
		logger:       slog.Default().With("service", "[NETDEV]", "name", name),
		name:         name,
		index:        index,
		bus:          bus,
		reg:          reg,
		selfLoopback: selfLoopback,
	}
}

func (d *NetDevice) Name() string       { return d.name }
func (d *NetDevice) Index() int         { return d.index }
func (d *NetDevice) SelfLoopback() bool { return d.selfLoopback }

func (d *NetDevice) IsUp() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.up
}

// Send forwards frame to the underlying bus, matching BusManager.Send's
// thin pass-through plus a warning log on failure.
func (d *NetDevice) Send(frame can.Frame) error {
	if err := d.bus.Send(frame); err != nil {
		d.logger.Warn("error sending frame", "err", err)
		return err
	}
	return nil
}

// Handle implements can.FrameListener: every frame the bus delivers is
// fanned out through the registry under this device's identity.
func (d *NetDevice) Handle(frame can.Frame) {
	d.reg.Deliver(d, frame, nil)
}

// Start registers the device, subscribes to its bus, connects, and fires
// the up transition, mirroring NETDEV_REGISTER followed immediately by
// NETDEV_UP for an interface that's already configured.
func (d *NetDevice) Start() error {
	d.reg.AddDevice(d)
	if err := d.bus.Subscribe(d); err != nil {
		d.reg.RemoveDevice(d)
		return fmt.Errorf("netdev %s: subscribe: %w", d.name, err)
	}
	if err := d.bus.Connect(); err != nil {
		d.reg.RemoveDevice(d)
		return fmt.Errorf("netdev %s: connect: %w", d.name, err)
	}
	d.mu.Lock()
	d.up = true
	d.mu.Unlock()
	d.reg.DeviceUp(d)
	return nil
}

// Stop fires the down transition, disconnects the bus, and unregisters the
// device, mirroring NETDEV_DOWN followed by NETDEV_UNREGISTER.
func (d *NetDevice) Stop() error {
	d.mu.Lock()
	d.up = false
	d.mu.Unlock()
	d.reg.DeviceDown(d)
	err := d.bus.Disconnect()
	d.reg.RemoveDevice(d)
	if err != nil {
		return fmt.Errorf("netdev %s: disconnect: %w", d.name, err)
	}
	return nil
}
