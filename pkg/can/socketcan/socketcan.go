// Package socketcan wires the canflux/cancore transports to a real Linux CAN
// interface through github.com/brutella/can.
package socketcan

import (
	sockcan "github.com/brutella/can"

	"github.com/canflux/cancore/pkg/can"
)

func init() {
	can.RegisterInterface("socketcan", NewSocketCanBus)
}

// Bus wraps a brutella/can socket. brutella keeps the EFF/RTR/ERR flags in a
// separate byte (ID carries only the 11/29-bit identifier); cancore folds
// those flags into the top byte of Frame.ID, so every Send/Handle splits or
// reassembles the id accordingly.
type Bus struct {
	bus        *sockcan.Bus
	rxCallback can.FrameListener
}

func (b *Bus) Connect(...any) error {
	go b.bus.ConnectAndPublish()
	return nil
}

func (b *Bus) Disconnect() error {
	return b.bus.Disconnect()
}

func (b *Bus) Send(frame can.Frame) error {
	return b.bus.Publish(sockcan.Frame{
		ID:     frame.RawID(),
		Length: frame.DLC,
		Flags:  uint8(frame.ID >> 24),
		Data:   frame.Data,
	})
}

func (b *Bus) Subscribe(rxCallback can.FrameListener) error {
	b.rxCallback = rxCallback
	b.bus.Subscribe(b)
	return nil
}

// Handle implements brutella/can's receive callback interface.
func (b *Bus) Handle(frame sockcan.Frame) {
	b.rxCallback.Handle(can.Frame{
		ID:   frame.ID | uint32(frame.Flags)<<24,
		DLC:  frame.Length,
		Data: frame.Data,
	})
}

func NewSocketCanBus(channel string) (can.Bus, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(channel)
	if err != nil {
		return nil, err
	}
	return &Bus{bus: bus}, nil
}
