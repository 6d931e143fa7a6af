package registry

import "github.com/canflux/cancore/pkg/can"

// Device is the external NetDevice collaborator the registry dispatches
// frames through. A real implementation wraps a pkg/can.Bus; tests use a
// fake that never goes down.
type Device interface {
	Name() string
	Index() int
	IsUp() bool
	// SelfLoopback reports whether the device echoes its own transmissions
	// back to local listeners itself, so the registry's transmit helper
	// doesn't need to re-inject a clone.
	SelfLoopback() bool
	Send(frame can.Frame) error
}

// Event is a device status transition delivered to notifiers.
type Event int

const (
	EventRegister Event = iota
	EventUnregister
	EventUp
	EventDown
)

func (e Event) String() string {
	switch e {
	case EventRegister:
		return "register"
	case EventUnregister:
		return "unregister"
	case EventUp:
		return "up"
	case EventDown:
		return "down"
	default:
		return "unknown"
	}
}

// NotifierFunc is invoked on every status transition of the device it was
// registered against.
type NotifierFunc func(event Event, dev Device)

type notifierEntry struct {
	dev Device
	fn  NotifierFunc
}
