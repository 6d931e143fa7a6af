package registry

import "errors"

// Sentinel errors returned by the subscription registry, named after the
// condition rather than the call site that detected it.
var (
	ErrInvalidArgument = errors.New("registry: invalid argument")
	ErrNotFound        = errors.New("registry: subscription not found")
	ErrNoDevice        = errors.New("registry: unknown device")
	ErrOutOfMemory     = errors.New("registry: out of memory")
	ErrDeviceDown      = errors.New("registry: device is down")
	ErrQueueFull       = errors.New("registry: transmit queue full")
)
