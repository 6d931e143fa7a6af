// Command candump binds a RAW socket to a CAN interface and prints every
// frame it receives, in the spirit of the SocketCAN candump utility.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

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
	filterArg := flag.String("f", "", "comma-separated id:mask hex filters, e.g. 123:7FF,200:700")
	flag.Parse()

	bus, err := can.NewBus(*interfaceType, *channel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "candump: %v\n", err)
		os.Exit(1)
	}

	reg := registry.New()
	dev := netdev.New(*channel, 0, bus, reg, false)
	if err := dev.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "candump: %v\n", err)
		os.Exit(1)
	}
	defer dev.Stop()

	sock := raw.NewSocket(reg)
	filters, err := parseFilters(*filterArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "candump: %v\n", err)
		os.Exit(1)
	}
	if err := sock.SetFilters(filters); err != nil {
		fmt.Fprintf(os.Stderr, "candump: %v\n", err)
		os.Exit(1)
	}
	if err := sock.Bind(dev.Index()); err != nil {
		fmt.Fprintf(os.Stderr, "candump: %v\n", err)
		os.Exit(1)
	}
	defer sock.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("candump listening", "interface", *interfaceType, "channel", *channel)
	for {
		select {
		case r := <-sock.Recv():
			fmt.Printf("%-8s %s\n", r.Device.Name(), r.Frame.String())
		case <-sig:
			return
		}
	}
}

// parseFilters parses "id:mask,id:mask,..." into raw.Filters. An empty
// string yields no filters, which raw.Socket installs as the (0,0)
// wildcard.
func parseFilters(s string) ([]raw.Filter, error) {
	if s == "" {
		return nil, nil
	}
	var filters []raw.Filter
	for _, part := range strings.Split(s, ",") {
		fields := strings.SplitN(part, ":", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("invalid filter %q, want id:mask", part)
		}
		id, err := strconv.ParseUint(fields[0], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid filter id %q: %w", fields[0], err)
		}
		mask, err := strconv.ParseUint(fields[1], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid filter mask %q: %w", fields[1], err)
		}
		filters = append(filters, raw.Filter{CanID: uint32(id), Mask: uint32(mask)})
	}
	return filters, nil
}
