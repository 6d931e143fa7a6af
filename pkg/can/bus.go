// Package can defines the CAN frame shape and the transport interfaces that
// the protocol family core (pkg/registry, pkg/bcm, pkg/raw) is built on top
// of. It never imports anything under pkg/registry, pkg/bcm or pkg/raw.
package can

import "fmt"

// Special address description flags, carried in the top bits of a Frame's
// ID, exactly as CAN_EFF_FLAG / CAN_RTR_FLAG / CAN_ERR_FLAG.
const (
	EFFFlag uint32 = 0x80000000 // EFF (29-bit) id in use, otherwise SFF (11-bit)
	RTRFlag uint32 = 0x40000000 // remote transmission request
	ERRFlag uint32 = 0x20000000 // error frame
)

// Valid id-bit masks for the two frame formats, and the mask that strips the
// three flag bits off an id for error classification.
const (
	SFFMask uint32 = 0x000007FF
	EFFMask uint32 = 0x1FFFFFFF
	ERRMask uint32 = 0x1FFFFFFF
)

// InvFilter is set in a subscription's can_id (never in a Frame's id) to
// request inverted matching. It shares CAN_ERR_FLAG's bit value because the
// kernel reuses the same bit on two different fields (filter id vs.
// frame/mask); the two names are kept distinct so call sites read correctly.
const InvFilter uint32 = 0x20000000

// CAN bus controller errors, reported by a Device's error frames.
const (
	ErrTxWarning   = 0x0001
	ErrTxPassive   = 0x0002
	ErrTxBusOff    = 0x0004
	ErrTxOverflow  = 0x0008
	ErrPdoLate     = 0x0080
	ErrRxWarning   = 0x0100
	ErrRxPassive   = 0x0200
	ErrRxOverflow  = 0x0800
	ErrWarnPassive = 0x0303
)

// Frame is a CAN data, remote or error frame. DLC's low nibble is the real
// 0..8 length; the high nibble is reserved for pkg/bcm's internal
// bookkeeping and must be zero on the wire.
type Frame struct {
	ID   uint32
	DLC  uint8
	Data [8]byte
}

// NewFrame builds a Frame with the given id (flags already folded in), DLC
// and payload. A payload longer than 8 bytes is truncated.
func NewFrame(id uint32, dlc uint8, data []byte) Frame {
	f := Frame{ID: id, DLC: dlc}
	copy(f.Data[:], data)
	return f
}

func (f Frame) IsEFF() bool { return f.ID&EFFFlag != 0 }
func (f Frame) IsRTR() bool { return f.ID&RTRFlag != 0 }
func (f Frame) IsERR() bool { return f.ID&ERRFlag != 0 }

// RawID returns the identifier with the EFF/RTR/ERR flags masked off,
// respecting the frame's format (11 vs 29 bits).
func (f Frame) RawID() uint32 {
	if f.IsEFF() {
		return f.ID & EFFMask
	}
	return f.ID & SFFMask
}

// Length returns the real 0..8 data length, masking off any BCM private
// bits riding in the high nibble of DLC.
func (f Frame) Length() int { return int(f.DLC & 0x0F) }

func (f Frame) String() string {
	kind := "sff"
	if f.IsEFF() {
		kind = "eff"
	}
	switch {
	case f.IsRTR():
		return fmt.Sprintf("%s id=%08X RTR", kind, f.RawID())
	case f.IsERR():
		return fmt.Sprintf("%s id=%08X ERR", kind, f.RawID())
	default:
		return fmt.Sprintf("%s id=%08X dlc=%d data=% 02X", kind, f.RawID(), f.Length(), f.Data[:f.Length()])
	}
}

// FrameListener receives inbound frames from a Bus. Handle must not block.
type FrameListener interface {
	Handle(frame Frame)
}

// Bus is the transport a NetDevice is built on: a connection to a CAN
// controller (real or virtual) capable of sending and of delivering
// received frames to a single subscriber.
type Bus interface {
	Connect(...any) error
	Disconnect() error
	Send(frame Frame) error
	Subscribe(listener FrameListener) error
}

// NewBusFunc constructs a Bus for a given channel (e.g. "can0",
// "localhost:18000").
type NewBusFunc func(channel string) (Bus, error)

var interfaceRegistry = make(map[string]NewBusFunc)

// RegisterInterface registers a new Bus constructor under interfaceType.
// Called from the init() function of a transport package
// (pkg/can/socketcan, pkg/can/virtual, pkg/can/rawsock).
func RegisterInterface(interfaceType string, newBus NewBusFunc) {
	interfaceRegistry[interfaceType] = newBus
}

// ImplementedInterfaces lists every interface type this module ships a
// transport for, regardless of build tags.
var ImplementedInterfaces = []string{"socketcan", "virtual", "rawsocketcan"}

// NewBus creates a Bus for the given registered interface type and channel.
func NewBus(interfaceType, channel string) (Bus, error) {
	newBus, ok := interfaceRegistry[interfaceType]
	if !ok {
		return nil, fmt.Errorf("can: unsupported interface %q", interfaceType)
	}
	return newBus(channel)
}
