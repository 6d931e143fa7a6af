// Package raw implements the RAW protocol: a thin per-socket layer over
// pkg/registry that registers one subscription per user filter (or a single
// wildcard filter when none are configured) and delivers matched frames as
// datagrams on a receive queue.
package raw

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/canflux/cancore/pkg/can"
	"github.com/canflux/cancore/pkg/registry"
)

var (
	ErrAlreadyBound = errors.New("raw: socket already bound")
	ErrNotBound     = errors.New("raw: socket not bound")
	ErrNoDevice     = errors.New("raw: no device")
)

// Filter is one entry of a RAW socket's filter vector, matching
// (can_id, can_mask) as accepted by the registry's Register.
type Filter struct {
	CanID uint32
	Mask  uint32
}

// Received is one frame handed to a RAW socket's receive queue, tagged with
// the device it actually arrived on so the caller can recover it the way
// recvfrom() recovers a sockaddr_can.
type Received struct {
	Frame  can.Frame
	Device registry.Device
}

// recvQueueDepth bounds the socket's receive queue; a client that falls
// behind drops frames rather than stalling delivery to other sockets.
const recvQueueDepth = 64

// Socket is one RAW socket: a bind to exactly one device, a filter vector,
// and the subscriptions it currently holds against the registry.
type Socket struct {
	mu     sync.Mutex
	reg    *registry.Registry
	logger *slog.Logger

	bound   bool
	ifindex int
	dev     registry.Device

	filters []Filter
	subs    []*registry.Subscription

	recv    chan Received
	dropped uint64
}

// NewSocket builds an unbound RAW socket against reg.
func NewSocket(reg *registry.Registry) *Socket {
	return &Socket{
		reg:    reg,
		logger: slog.Default().With("service", "[RAW]"),
		recv:   make(chan Received, recvQueueDepth),
	}
}

// Recv returns the channel matched frames are delivered on.
func (s *Socket) Recv() <-chan Received { return s.recv }

// DroppedFrames returns the count of frames dropped because Recv's queue
// was full.
func (s *Socket) DroppedFrames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Bind attaches the socket to ifindex and installs its current filter
// vector (a single (0,0) wildcard if SetFilters has never been called). A
// socket may only be bound once.
func (s *Socket) Bind(ifindex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound {
		return ErrAlreadyBound
	}
	dev, ok := s.reg.DeviceByIndex(ifindex)
	if !ok {
		return fmt.Errorf("%w: ifindex %d", ErrNoDevice, ifindex)
	}
	s.bound = true
	s.ifindex = ifindex
	s.dev = dev
	return s.installFiltersLocked()
}

// SetFilters replaces the socket's filter vector. If the socket is already
// bound, the old subscriptions are unregistered and the new ones installed
// atomically under the socket's lock, mirroring raw_setsockopt's
// remove-then-add sequence under the device list lock.
func (s *Socket) SetFilters(filters []Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = append([]Filter(nil), filters...)
	if !s.bound {
		return nil
	}
	s.removeFiltersLocked()
	return s.installFiltersLocked()
}

func (s *Socket) installFiltersLocked() error {
	filters := s.filters
	if len(filters) == 0 {
		filters = []Filter{{CanID: 0, Mask: 0}}
	}
	for _, f := range filters {
		sub, err := s.reg.Register(s.dev, f.CanID, f.Mask, s.rcv, nil, "raw")
		if err != nil {
			s.removeFiltersLocked()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Socket) removeFiltersLocked() {
	for _, sub := range s.subs {
		s.reg.Unregister(sub)
	}
	s.subs = nil
}

// rcv is the registry.HandlerFunc installed for every filter; it enqueues
// the frame without blocking, dropping it and counting the drop if the
// receive queue is full.
func (s *Socket) rcv(frame can.Frame, dev registry.Device, _ any, _ any) {
	select {
	case s.recv <- Received{Frame: frame, Device: dev}:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.logger.Warn("dropping frame, receiver not keeping up", "can_id", frame.ID)
	}
}

// Send transmits frame on the bound device with loopback requested, exactly
// as raw_sendmsg forwards a single frame through can_send.
func (s *Socket) Send(frame can.Frame) error {
	s.mu.Lock()
	dev := s.dev
	bound := s.bound
	s.mu.Unlock()
	if !bound {
		return ErrNotBound
	}
	return s.reg.Send(dev, frame, true, s)
}

// Close unregisters every filter subscription, mirroring raw_release.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeFiltersLocked()
	s.bound = false
	return nil
}
