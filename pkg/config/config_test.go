package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const sample = `
[log]
level = debug

[bcm]
max_ops_per_socket = 16
max_frames_per_op = 8

[bus.can0]
interface = socketcan
channel = can0

[bus.vcan0]
interface = virtual
channel = localhost:18000
`

func TestLoadParsesAllSections(t *testing.T) {
	cfg, err := Load([]byte(sample))
	assert.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 16, cfg.BCM.MaxOpsPerSocket)
	assert.Equal(t, 8, cfg.BCM.MaxFramesPerOp)
	assert.Len(t, cfg.Buses, 2)
	assert.Contains(t, cfg.Buses, BusConfig{Name: "can0", Interface: "socketcan", Channel: "can0"})
	assert.Contains(t, cfg.Buses, BusConfig{Name: "vcan0", Interface: "virtual", Channel: "localhost:18000"})
}

func TestLoadDefaultsWithoutOptionalSections(t *testing.T) {
	cfg, err := Load([]byte(`[bus.can0]
interface = socketcan
channel = can0
`))
	assert.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, defaultMaxOpsPerSocket, cfg.BCM.MaxOpsPerSocket)
	assert.Equal(t, defaultMaxFramesPerOp, cfg.BCM.MaxFramesPerOp)
}

func TestLoadBusSectionMissingInterfaceErrors(t *testing.T) {
	_, err := Load([]byte(`[bus.can0]
channel = can0
`))
	assert.Error(t, err)
}

func TestLoadInvalidIniErrors(t *testing.T) {
	_, err := Load([]byte("[unterminated"))
	assert.Error(t, err)
}
