// Package rawsock talks to a Linux CAN interface directly through
// golang.org/x/sys/unix, bypassing brutella/can. It registers as the
// "rawsocketcan" transport, which cmd/candump and cmd/cancat use when run
// with -t rawsocketcan; it needs no extra library to parse the raw struct
// can_frame off the wire.
package rawsock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/canflux/cancore/pkg/can"
)

// wireFrame mirrors struct can_frame: a 32-bit id (flags folded in, matching
// cancore's own Frame.ID layout), a length byte, 3 padding bytes and 8 data
// bytes, 16 bytes total.
type wireFrame struct {
	id   uint32
	dlc  uint8
	pad  uint8
	res0 uint8
	res1 uint8
	data [8]uint8
}

const wireFrameSize = 16

func init() {
	can.RegisterInterface("rawsocketcan", NewBus)
}

// Bus is a raw AF_CAN/SOCK_RAW/CAN_RAW socket bound to a single interface.
// The interface must already be up (`ip link set canX up`).
type Bus struct {
	f          *os.File
	fd         int
	rxCallback can.FrameListener
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *slog.Logger
}

// NewBus opens and binds a raw CAN socket on the named interface.
func NewBus(channel string) (can.Bus, error) {
	iface, err := net.InterfaceByName(channel)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("rawsock: create socket: %w", err)
	}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &DefaultTimeVal); err != nil {
		return nil, fmt.Errorf("rawsock: set read timeout: %w", err)
	}
	addr := &unix.SockaddrCAN{Ifindex: iface.Index}
	if err := unix.Bind(fd, addr); err != nil {
		return nil, fmt.Errorf("rawsock: bind %s: %w", channel, err)
	}
	return &Bus{fd: fd, logger: slog.Default().With("service", "[RAWSOCK]", "channel", channel)}, nil
}

func (b *Bus) Connect(...any) error {
	var ctx context.Context
	ctx, b.cancel = context.WithCancel(context.Background())
	b.f = os.NewFile(uintptr(b.fd), fmt.Sprintf("fd %d", b.fd))
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.processIncoming(ctx)
	}()
	return nil
}

func (b *Bus) Disconnect() error {
	if b.cancel == nil {
		return nil
	}
	b.cancel()
	b.wg.Wait()
	return b.f.Close()
}

func (b *Bus) Send(frame can.Frame) error {
	wire := wireFrame{id: frame.ID, dlc: frame.DLC, data: frame.Data}
	raw := (*(*[wireFrameSize]byte)(unsafe.Pointer(&wire)))[:]
	n, err := b.f.Write(raw)
	if err != nil {
		return fmt.Errorf("rawsock: write: %w", err)
	}
	if n != wireFrameSize {
		return fmt.Errorf("rawsock: short write: %d of %d bytes", n, wireFrameSize)
	}
	return nil
}

func (b *Bus) processIncoming(ctx context.Context) {
	rx := make([]byte, wireFrameSize)
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("exiting CAN bus reception, closed")
			return
		default:
			n, err := b.f.Read(rx)
			if errors.Is(err, syscall.EAGAIN) {
				continue
			}
			if n != wireFrameSize || err != nil {
				b.logger.Info("exiting CAN bus reception", "error", err)
				return
			}
			wire := (*wireFrame)(unsafe.Pointer(&rx[0]))
			if b.rxCallback != nil {
				b.rxCallback.Handle(can.Frame{ID: wire.id, DLC: wire.dlc, Data: wire.data})
			}
		}
	}
}

func (b *Bus) Subscribe(rxCallback can.FrameListener) error {
	b.rxCallback = rxCallback
	return nil
}

// SetReceiveOwn enables CAN_RAW_RECV_OWN_MSGS, useful for loopback testing.
func (b *Bus) SetReceiveOwn(enabled bool) error {
	enabledInt := 0
	if enabled {
		enabledInt = 1
	}
	b.logger.Info("setting option 'CAN_RAW_RECV_OWN_MSGS'", "enabled", enabled)
	return unix.SetsockoptInt(b.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, enabledInt)
}

// SetFilters installs the socket-level CAN_RAW_FILTER array, the same filter
// acceptance logic pkg/registry applies in software for in-process
// subscribers, pushed down to the kernel for this one socket.
func (b *Bus) SetFilters(filters []unix.CanFilter) error {
	b.logger.Info("setting option 'CAN_RAW_FILTER'", "filters", filters)
	return unix.SetsockoptCanRawFilter(b.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filters)
}
