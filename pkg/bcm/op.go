package bcm

import (
	"encoding/binary"
	"time"

	"github.com/canflux/cancore/pkg/can"
	"github.com/canflux/cancore/pkg/registry"
)

// DLC private bits, stashed in the high nibble of a stored frame's DLC
// field the way the kernel overloads can_dlc. Length() already masks these
// off, so they never leak onto the wire.
const (
	dlcRecv     uint8 = 0x40 // this slot has received data at least once
	dlcThrottle uint8 = 0x80 // this slot's RX_CHANGED is pending a throttle release
	dlcMask     uint8 = 0x0F
)

// Direction distinguishes a TX bcm_op from an RX one.
type Direction int

const (
	TX Direction = iota
	RX
)

// Op is one bcm_op: a single periodic-TX or change-detecting-RX rule owned
// by exactly one Socket. Every field is guarded by the owning Socket's mutex,
// including from timer callbacks; Op has no lock of its own.
type Op struct {
	dir     Direction
	canID   uint32
	ifindex int
	flags   Flags

	nframes    int
	currFrame  int
	frames     []can.Frame
	lastFrames []can.Frame // RX only

	ival1, ival2   time.Duration
	count          int32
	jLastMsg       time.Time
	rxStamp        time.Time
	rxIfindex      int
	framesAbs      uint64
	framesFiltered uint64

	timer    *time.Timer
	thrTimer *time.Timer

	sub *registry.Subscription // RX only, once registered
}

// data64 reads a frame's 8 data bytes as a single comparable value. Byte
// order only needs to be internally consistent since it never appears on
// the wire this way.
func data64(f can.Frame) uint64 { return binary.BigEndian.Uint64(f.Data[:]) }

func stopTimer(t *time.Timer) {
	if t == nil {
		return
	}
	t.Stop()
}

// regMask returns the narrowest registry mask for a single can_id
// subscription, exactly as the REGMASK macro does.
func regMask(canID uint32) uint32 {
	mask := canID & can.RTRFlag
	if canID&can.EFFFlag != 0 {
		mask |= can.EFFMask | can.EFFFlag
	} else {
		mask |= can.SFFMask
	}
	return mask
}
