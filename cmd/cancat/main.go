// Command cancat sends one CAN frame on an interface, in the spirit of the
// SocketCAN cansend utility: cancat -i can0 123#AABBCCDD
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/canflux/cancore/pkg/can"
	_ "github.com/canflux/cancore/pkg/can/rawsock"
	_ "github.com/canflux/cancore/pkg/can/socketcan"
	_ "github.com/canflux/cancore/pkg/can/virtual"
	"github.com/canflux/cancore/pkg/netdev"
	"github.com/canflux/cancore/pkg/raw"
	"github.com/canflux/cancore/pkg/registry"
)

func main() {
	interfaceType := flag.String("t", "socketcan", "transport: socketcan, virtual, rawsocketcan")
	channel := flag.String("i", "can0", "channel, e.g. can0 or host:port for virtual")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: cancat -i can0 <id>#<hex-data>")
		os.Exit(2)
	}

	frame, err := parseFrame(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "cancat: %v\n", err)
		os.Exit(1)
	}

	bus, err := can.NewBus(*interfaceType, *channel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cancat: %v\n", err)
		os.Exit(1)
	}

	reg := registry.New()
	dev := netdev.New(*channel, 0, bus, reg, false)
	if err := dev.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "cancat: %v\n", err)
		os.Exit(1)
	}
	defer dev.Stop()

	sock := raw.NewSocket(reg)
	if err := sock.Bind(dev.Index()); err != nil {
		fmt.Fprintf(os.Stderr, "cancat: %v\n", err)
		os.Exit(1)
	}
	defer sock.Close()

	if err := sock.Send(frame); err != nil {
		fmt.Fprintf(os.Stderr, "cancat: %v\n", err)
		os.Exit(1)
	}
}

// parseFrame parses "id#data" (e.g. "123#AABBCCDD", "1A2#R" for an RTR
// frame with no payload), matching cansend's wire syntax. An id above
// 0x7FF is encoded as an extended (29-bit) frame.
func parseFrame(s string) (can.Frame, error) {
	fields := strings.SplitN(s, "#", 2)
	if len(fields) != 2 {
		return can.Frame{}, fmt.Errorf("invalid frame %q, want id#data", s)
	}
	id, err := strconv.ParseUint(fields[0], 16, 32)
	if err != nil {
		return can.Frame{}, fmt.Errorf("invalid id %q: %w", fields[0], err)
	}

	canID := uint32(id)
	if canID > can.SFFMask {
		canID |= can.EFFFlag
	}

	if fields[1] == "R" || fields[1] == "r" {
		return can.NewFrame(canID|can.RTRFlag, 0, nil), nil
	}

	if len(fields[1])%2 != 0 {
		return can.Frame{}, fmt.Errorf("odd-length data %q", fields[1])
	}
	data := make([]byte, len(fields[1])/2)
	for i := range data {
		b, err := strconv.ParseUint(fields[1][i*2:i*2+2], 16, 8)
		if err != nil {
			return can.Frame{}, fmt.Errorf("invalid data byte in %q: %w", fields[1], err)
		}
		data[i] = byte(b)
	}
	if len(data) > 8 {
		return can.Frame{}, fmt.Errorf("data %q longer than 8 bytes", fields[1])
	}
	return can.NewFrame(canID, uint8(len(data)), data), nil
}
