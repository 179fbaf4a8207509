package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleServerConfig = `
name: test server
port: 8080
devices:
  - name: sat0
    backend: LinuxDVB
    adapter: 1
    tuning:
      scansource: Astra-19.2E
      configuration: usals
      latitude: 48.1
      longitude: 11.6
  - name: sim0
    backend: sim
    source: capture.ts
    types: [T, T2]
channelmaps:
  dvbt:
    name: Terrestrial
    provider: local
    channels:
      1:
        name: Das Erste
        transponder: T 506000000 8MHz AUTO AUTO AUTO AUTO AUTO NONE
        serviceid: 28106
        pids: [0, 256, 257]
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	name := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(name, []byte(content), 0666))
	return name
}

func TestServerConfig_Read(t *testing.T) {
	var config ServerConfig
	require.NoError(t, config.ReadConfig(writeTemp(t, sampleServerConfig)))

	assert.Equal(t, 8080, config.ServerPort)
	assert.Equal(t, 8, config.LeaseTimeout)
	require.Len(t, config.Devices, 2)

	sat := config.Devices[0]
	assert.Equal(t, BackendLinuxDVB, sat.Backend)
	assert.Equal(t, 1, sat.Adapter)
	assert.Equal(t, "sat0", sat.Tuning.Name)
	assert.Equal(t, UsalsRotor, sat.Tuning.Configuration)
	assert.Equal(t, DefaultTimeout, sat.Tuning.Timeout)
	assert.InDelta(t, 48.1, sat.Tuning.Latitude, 1e-9)

	sim := config.Devices[1]
	assert.Equal(t, []string{"T", "T2"}, sim.Types)
	assert.Equal(t, DiseqcSwitch, sim.Tuning.Configuration)

	channel := config.ChannelMaps["dvbt"].Channels[1]
	assert.Equal(t, 28106, channel.ServiceID)
	assert.Equal(t, []int{0, 256, 257}, channel.Pids)
}

func TestServerConfig_Invalid(t *testing.T) {
	for name, content := range map[string]string{
		"unknown backend":   "devices: [{name: a, backend: usb}]",
		"missing name":      "devices: [{backend: sim}]",
		"duplicate":         "devices: [{name: a, backend: sim}, {name: a, backend: sim}]",
		"bad configuration": "devices: [{name: a, backend: sim, tuning: {configuration: magic}}]",
		"bad latitude":      "devices: [{name: a, backend: sim, tuning: {latitude: 100}}]",
		"not yaml":          "devices: [",
	} {
		t.Run(name, func(t *testing.T) {
			var config ServerConfig
			assert.Error(t, config.ReadConfig(writeTemp(t, content)))
		})
	}

	var config ServerConfig
	assert.Error(t, config.ReadConfig(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestDeviceConfig_WriteRead(t *testing.T) {
	config := NewDeviceConfig("dish")
	config.Configuration = PositionsRotor
	config.LnbNumber = 3
	config.HigherVoltage = true

	name := filepath.Join(t.TempDir(), "device.yaml")
	require.NoError(t, config.WriteConfig(name))

	var read DeviceConfig
	require.NoError(t, read.ReadConfig(name))
	assert.Equal(t, *config, read)
}
