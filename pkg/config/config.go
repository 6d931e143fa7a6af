// Package config loads the daemon-level configuration for a cancore
// process: which buses to bring up, the log level, and the resource bounds
// handed to pkg/bcm sockets. Configuration lives in a static INI file rather
// than an object dictionary, but follows the teacher's EDS-parsing style of
// reading typed values out of gopkg.in/ini.v1 sections.
package config

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// BusConfig describes one CAN interface to bring up at startup, naming the
// pkg/can transport ("socketcan", "virtual", "rawsocketcan") and the
// channel string passed to can.NewBus.
type BusConfig struct {
	Name      string
	Interface string
	Channel   string
}

// BCMLimits holds the configured resource bounds for a single BCM socket.
// pkg/bcm does not read them, and nothing in this module enforces them.
type BCMLimits struct {
	MaxOpsPerSocket int
	MaxFramesPerOp  int
}

const (
	defaultMaxOpsPerSocket = 256
	defaultMaxFramesPerOp  = 256
)

// Config is the parsed content of a daemon configuration file.
type Config struct {
	LogLevel string
	Buses    []BusConfig
	BCM      BCMLimits
}

// Load parses file (a path, []byte, or io.Reader, per ini.Load) into a
// Config. Every "bus.*" section becomes one BusConfig; a [log] section sets
// LogLevel; a [bcm] section overrides the default resource bounds.
func Load(file any) (*Config, error) {
	f, err := ini.Load(file)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg := &Config{
		LogLevel: "info",
		BCM:      BCMLimits{MaxOpsPerSocket: defaultMaxOpsPerSocket, MaxFramesPerOp: defaultMaxFramesPerOp},
	}

	if f.HasSection("log") {
		cfg.LogLevel = f.Section("log").Key("level").MustString("info")
	}

	if f.HasSection("bcm") {
		section := f.Section("bcm")
		cfg.BCM.MaxOpsPerSocket = section.Key("max_ops_per_socket").MustInt(defaultMaxOpsPerSocket)
		cfg.BCM.MaxFramesPerOp = section.Key("max_frames_per_op").MustInt(defaultMaxFramesPerOp)
	}

	for _, section := range f.Sections() {
		name := section.Name()
		const prefix = "bus."
		if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		bus := BusConfig{
			Name:      name[len(prefix):],
			Interface: section.Key("interface").String(),
			Channel:   section.Key("channel").String(),
		}
		if bus.Interface == "" {
			return nil, fmt.Errorf("config: section %q missing interface", name)
		}
		cfg.Buses = append(cfg.Buses, bus)
	}

	return cfg, nil
}
