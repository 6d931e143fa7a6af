// Package registry implements the AF_CAN subscription registry and receive
// dispatcher: a process-wide index of (device, can_id, mask) -> handler
// subscriptions, a device status notifier registry, and the frame transmit
// helper with optional local loopback.
package registry

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/canflux/cancore/pkg/can"
)

// Registry owns every per-device subscription index plus the pseudo "all
// devices" index. One mutex guards every index: many concurrent Deliver
// calls hold the read side, Register/Unregister/device lifecycle calls hold
// the write side. The notifier list has its own reader-writer mutex.
type Registry struct {
	mu     sync.RWMutex
	logger *slog.Logger

	alldev  *deviceIndex
	devices map[Device]*deviceIndex
	byIndex map[int]Device

	notifierMu sync.RWMutex
	notifiers  []*notifierEntry

	dropped uint64 // async-path failures, never surfaced to a caller
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{
		logger:  slog.Default().With("service", "[REGISTRY]"),
		alldev:  newDeviceIndex(),
		devices: make(map[Device]*deviceIndex),
		byIndex: make(map[int]Device),
	}
}

// AddDevice links a fresh per-device index, mirroring NETDEV_REGISTER. It
// must be called before any Register/Deliver call names this device.
func (r *Registry) AddDevice(dev Device) {
	r.mu.Lock()
	r.devices[dev] = newDeviceIndex()
	r.byIndex[dev.Index()] = dev
	r.mu.Unlock()
	r.notify(EventRegister, dev)
}

// RemoveDevice unlinks a device's index and frees every subscription still
// present, mirroring NETDEV_UNREGISTER. No handler is invoked for the
// subscriptions dropped this way; consumers are expected to unregister on
// their own teardown.
func (r *Registry) RemoveDevice(dev Device) {
	r.mu.Lock()
	if d, ok := r.devices[dev]; ok {
		d.deleteAll()
		delete(r.devices, dev)
	}
	delete(r.byIndex, dev.Index())
	r.mu.Unlock()
	r.notify(EventUnregister, dev)
}

// DeviceUp / DeviceDown fire the corresponding notifier event without
// touching the subscription index; the device's own IsUp() is the source of
// truth the transmit helper consults.
func (r *Registry) DeviceUp(dev Device)   { r.notify(EventUp, dev) }
func (r *Registry) DeviceDown(dev Device) { r.notify(EventDown, dev) }

// DeviceByIndex looks up a registered device by its ifindex.
func (r *Registry) DeviceByIndex(index int) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.byIndex[index]
	return dev, ok
}

// Notify registers a callback invoked on every status transition of dev.
// Passing a nil dev is invalid; there is no process-wide wildcard notifier.
func (r *Registry) Notify(dev Device, fn NotifierFunc) {
	r.notifierMu.Lock()
	r.notifiers = append(r.notifiers, &notifierEntry{dev: dev, fn: fn})
	r.notifierMu.Unlock()
}

// StopNotify removes every notifier entry registered for dev. Go func values
// cannot be compared, so entries are not told apart by callback: all of
// dev's notifiers are removed at once.
func (r *Registry) StopNotify(dev Device) {
	r.notifierMu.Lock()
	defer r.notifierMu.Unlock()
	kept := r.notifiers[:0]
	for _, n := range r.notifiers {
		if n.dev != dev {
			kept = append(kept, n)
		}
	}
	r.notifiers = kept
}

func (r *Registry) notify(event Event, dev Device) {
	r.notifierMu.RLock()
	defer r.notifierMu.RUnlock()
	for _, n := range r.notifiers {
		if n.dev == dev {
			n.fn(event, dev)
		}
	}
}

// Register subscribes handler to frames matching (can_id, mask) arriving on
// dev, or on every device when dev is nil. (can_id, mask) are normalized
// before bucket selection, exactly as find_rcv_list does.
func (r *Registry) Register(dev Device, canID, mask uint32, handler HandlerFunc, data any, ident string) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: nil handler", ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.findDeviceIndexLocked(dev)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{dev: dev, canID: canID, mask: mask, handler: handler, data: data, ident: ident}
	bucket := d.bucketFor(&sub.canID, &sub.mask)
	appendSub(bucket, sub)
	d.entries++
	return sub, nil
}

// Unregister removes sub from its bucket. Removing a subscription twice, or
// one whose device has already been torn down, is ErrNotFound.
func (r *Registry) Unregister(sub *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.findDeviceIndexLocked(sub.dev)
	if err != nil {
		return ErrNotFound
	}

	canID, mask := sub.canID, sub.mask
	bucket := d.bucketFor(&canID, &mask)
	if !removeSub(bucket, sub) {
		return ErrNotFound
	}
	d.entries--
	return nil
}

func (r *Registry) findDeviceIndexLocked(dev Device) (*deviceIndex, error) {
	if dev == nil {
		return r.alldev, nil
	}
	d, ok := r.devices[dev]
	if !ok {
		return nil, ErrNoDevice
	}
	return d, nil
}

// Deliver fans frame out to every subscription matching dev, first against
// the "all devices" index, then against dev's own index. origin identifies
// the sending socket for loopback suppression and is passed through to every
// invoked handler unchanged; it carries no meaning to the registry itself.
// It returns the total number of handlers invoked.
func (r *Registry) Deliver(dev Device, frame can.Frame, origin any) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matches := deliverIndex(r.alldev, frame, dev, origin)
	if dev != nil {
		if d, ok := r.devices[dev]; ok {
			matches += deliverIndex(d, frame, dev, origin)
		}
	}
	return matches
}

// deliverIndex runs the matching algorithm from §4.1 against one index.
// sourceDev is the device the frame actually arrived on, passed through to
// handlers even when d is the "all devices" pseudo-index.
func deliverIndex(d *deviceIndex, frame can.Frame, sourceDev Device, origin any) int {
	if d.entries == 0 {
		return 0
	}

	matches := 0
	deliverTo := func(sub *Subscription) {
		sub.handler(frame, sourceDev, sub.data, origin)
		sub.matches.Add(1)
		matches++
	}

	if frame.IsERR() {
		for _, sub := range d.rxErr {
			if frame.ID&sub.mask != 0 {
				deliverTo(sub)
			}
		}
		return matches
	}

	for _, sub := range d.rxAll {
		deliverTo(sub)
	}
	for _, sub := range d.rxFil {
		if (frame.ID & sub.mask) == sub.canID {
			deliverTo(sub)
		}
	}
	for _, sub := range d.rxInv {
		if (frame.ID & sub.mask) != sub.canID {
			deliverTo(sub)
		}
	}
	if frame.IsEFF() {
		for _, sub := range d.rxEff {
			if sub.canID == frame.ID {
				deliverTo(sub)
			}
		}
	} else {
		for _, sub := range d.rxSFF[frame.ID&can.SFFMask] {
			deliverTo(sub)
		}
	}
	return matches
}
