package registry

import (
	"fmt"

	"github.com/canflux/cancore/pkg/can"
)

// Send hands frame to dev's driver. When loopback is true and dev does not
// self-loop, the frame is delivered to local listeners before the actual
// transmit is attempted — mirroring can_send, which clones for loopback
// ahead of the administrative-up check. origin is the sending socket's
// cookie, threaded through to every handler invoked by the loopback Deliver
// so the originator can recognize and suppress its own echo.
func (r *Registry) Send(dev Device, frame can.Frame, loopback bool, origin any) error {
	if dev == nil {
		return fmt.Errorf("%w: nil device", ErrNoDevice)
	}

	if loopback && !dev.SelfLoopback() {
		r.Deliver(dev, frame, origin)
	}

	if !dev.IsUp() {
		return ErrDeviceDown
	}

	if err := dev.Send(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueFull, err)
	}
	return nil
}
