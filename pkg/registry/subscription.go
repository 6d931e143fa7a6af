package registry

import (
	"sync/atomic"

	"github.com/canflux/cancore/pkg/can"
)

// HandlerFunc receives a matched frame, the device it arrived on, the opaque
// cookie it was registered with, and the origin cookie of the sending socket
// (nil for frames that arrived off the wire). Handle must not call back into
// Register or Unregister on the registry that invoked it.
type HandlerFunc func(frame can.Frame, dev Device, data any, origin any)

// Subscription is the handle returned by Register. It identifies exactly one
// entry in exactly one bucket of exactly one device index; Unregister takes
// it back out with a linear scan of that one bucket.
type Subscription struct {
	dev     Device // nil means the "all devices" index
	canID   uint32
	mask    uint32
	handler HandlerFunc
	data    any
	ident   string
	matches atomic.Uint64
}

// CanID and Mask return the normalized filter this subscription matches on.
func (s *Subscription) CanID() uint32 { return s.canID }
func (s *Subscription) Mask() uint32  { return s.mask }
func (s *Subscription) Ident() string { return s.ident }
func (s *Subscription) Matches() uint64 { return s.matches.Load() }

// deviceIndex is the per-device (or pseudo-"all devices") set of six
// receive buckets, mirroring dev_rcv_lists.
type deviceIndex struct {
	rxErr   []*Subscription
	rxAll   []*Subscription
	rxInv   []*Subscription
	rxEff   []*Subscription
	rxSFF   [2048][]*Subscription
	rxFil   []*Subscription
	entries int
}

func newDeviceIndex() *deviceIndex {
	return &deviceIndex{}
}

// bucketFor normalizes (canID, mask) in place and returns the bucket that
// owns the normalized subscription, exactly as find_rcv_list does.
func (d *deviceIndex) bucketFor(canID, mask *uint32) *[]*Subscription {
	inv := *canID & can.InvFilter

	if *mask&can.ERRFlag != 0 {
		*mask &= can.ERRMask
		return &d.rxErr
	}

	if *mask&can.EFFFlag != 0 {
		*mask &= can.EFFMask | can.EFFFlag | can.RTRFlag
	} else {
		*mask &= can.SFFMask | can.RTRFlag
	}

	*canID &= *mask

	if inv != 0 {
		return &d.rxInv
	}
	if *mask == 0 {
		return &d.rxAll
	}
	if *canID&can.EFFFlag != 0 {
		if *mask == can.EFFMask|can.EFFFlag {
			return &d.rxEff
		}
	} else if *mask == can.SFFMask {
		return &d.rxSFF[*canID]
	}
	return &d.rxFil
}

func appendSub(bucket *[]*Subscription, sub *Subscription) {
	*bucket = append(*bucket, sub)
}

// removeSub removes sub from bucket, preserving the order of the rest.
// Reports whether it was found.
func removeSub(bucket *[]*Subscription, sub *Subscription) bool {
	for i, s := range *bucket {
		if s == sub {
			*bucket = append((*bucket)[:i], (*bucket)[i+1:]...)
			return true
		}
	}
	return false
}

// deleteAll clears every bucket, used on device teardown.
func (d *deviceIndex) deleteAll() {
	d.rxErr = nil
	d.rxAll = nil
	d.rxInv = nil
	d.rxEff = nil
	d.rxFil = nil
	for i := range d.rxSFF {
		d.rxSFF[i] = nil
	}
	d.entries = 0
}
