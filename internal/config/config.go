// Package config holds the YAML configuration of the tuner server and of the
// satellite equipment attached to each device.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Configuration is the kind of satellite equipment between dish and tuner
type Configuration string

const (
	// committed DiSEqC switch, LnbNumber selects the input
	DiseqcSwitch Configuration = "diseqc-switch"
	// USALS rotor, position computed from latitude/longitude
	UsalsRotor Configuration = "usals"
	// DiSEqC 1.2 rotor with stored positions, LnbNumber is the preset
	PositionsRotor Configuration = "positions"
)

// DeviceConfig is the tuning setup of one device
type DeviceConfig struct {
	Name string `yaml:"name"`
	// scan source, satellite sources end with the orbital position ("Astra-19.2E")
	ScanSource string `yaml:"scansource"`
	// lock time out in ms
	Timeout       int           `yaml:"timeout"`
	Configuration Configuration `yaml:"configuration"`
	LnbNumber     int           `yaml:"lnbnumber"`
	// LNB local oscillator frequencies in kHz
	LowBand    uint32 `yaml:"lowband"`
	SwitchBand uint32 `yaml:"switchband"`
	HighBand   uint32 `yaml:"highband"`
	// observer position in degrees, east and north positive
	Latitude      float64 `yaml:"latitude"`
	Longitude     float64 `yaml:"longitude"`
	HigherVoltage bool    `yaml:"highervoltage"`
}

// default universal LNB
const (
	DefaultTimeout    = 1500
	DefaultLowBand    = 9750000
	DefaultSwitchBand = 11700000
	DefaultHighBand   = 10600000
)

// NewDeviceConfig returns a config for a universal LNB behind a DiSEqC switch
func NewDeviceConfig(name string) *DeviceConfig {
	config := new(DeviceConfig)
	config.Name = name
	config.Timeout = DefaultTimeout
	config.Configuration = DiseqcSwitch
	config.LowBand = DefaultLowBand
	config.SwitchBand = DefaultSwitchBand
	config.HighBand = DefaultHighBand
	return config
}

// Validate checks the fields the tuning engine relies on
func (config *DeviceConfig) Validate() error {
	switch config.Configuration {
	case DiseqcSwitch, UsalsRotor, PositionsRotor:
	case "":
		config.Configuration = DiseqcSwitch
	default:
		return fmt.Errorf("config: unknown configuration %q", config.Configuration)
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.LnbNumber < 0 || config.LnbNumber > 255 {
		return fmt.Errorf("config: lnb number %d out of range", config.LnbNumber)
	}
	if config.Latitude < -90 || config.Latitude > 90 || config.Longitude < -180 || config.Longitude > 180 {
		return fmt.Errorf("config: observer position %.2f/%.2f out of range", config.Latitude, config.Longitude)
	}
	return nil
}

// HelperTool launches an external process fed with the TS of some PIDs
type HelperTool struct {
	// command to execute for the tool
	Command string `yaml:"command"`
	// arguments to the command
	Args string `yaml:"args"`
	// working directory
	WorkDir string `yaml:"workdir"`
	// send data to tool using UDP socket instead of stdin (leave to 0 to use stdin)
	PortIn uint16 `yaml:"portin"`
	// port where to send control command to
	PortCommand uint16 `yaml:"portcommand"`
	// value to add to port for this specific instance
	PortOffset uint16 `yaml:"portoffset"`
	// how to exit tool send this string to stdin to exit, if empty exits by killing process
	ExitCommand string `yaml:"exitcommand"`
	// don't print stdout
	MuteStdOut bool `yaml:"mutestdout"`
	// push some dummy data on exit
	DummyDataOnExit bool `yaml:"dummydataonexit"`
	// tuner feeding the tool
	Tuner string `yaml:"tuner"`
	// transponder to tune before starting, empty keeps the current one
	Transponder string `yaml:"transponder"`
	// PIDs piped into the tool
	Pids []int `yaml:"pids"`
}

// Backend kinds
const (
	BackendLinuxDVB = "linuxdvb"
	BackendSim      = "sim"
)

// Device declares one tuner
type Device struct {
	Name    string `yaml:"name"`
	Backend string `yaml:"backend"`
	// linuxdvb: /dev/dvb/adapterN/frontendM
	Adapter  int `yaml:"adapter"`
	Frontend int `yaml:"frontend"`
	// sim: TS file replayed once tuned
	Source string `yaml:"source"`
	// sim: transponder types ("S", "S2", "T"...)
	Types []string `yaml:"types"`
	// sim: emulated CA module
	CamMenu     string       `yaml:"cammenu"`
	CaSystemIDs []int        `yaml:"casystemids"`
	Tuning      DeviceConfig `yaml:"tuning"`
}

// Channel is one entry of a channel map
type Channel struct {
	Name string `yaml:"name"`
	// transponder in text form
	Transponder string `yaml:"transponder"`
	ServiceID   int    `yaml:"serviceid"`
	// PIDs streamed to clients
	Pids []int `yaml:"pids"`
}

// ChannelMap is a provider's list of channels by number
type ChannelMap struct {
	Description string          `yaml:"name"`
	Provider    string          `yaml:"provider"`
	ProviderURL string          `yaml:"providerurl"`
	Channels    map[int]Channel `yaml:"channels"`
}

// ServerConfig is the top level configuration file
type ServerConfig struct {
	Name       string `yaml:"name"`
	ServerPort int    `yaml:"port"`
	UPnP       bool   `yaml:"upnp"`
	// seconds without stream client before a leased tuner is released
	LeaseTimeout int                   `yaml:"leasetimeout"`
	Devices      []Device              `yaml:"devices"`
	ChannelMaps  map[string]ChannelMap `yaml:"channelmaps"`
	HelperTools  []HelperTool          `yaml:"helpertools"`
}

// Validate fills defaults and checks the device list
func (config *ServerConfig) Validate() error {
	if config.ServerPort == 0 {
		config.ServerPort = 80
	}
	if config.LeaseTimeout <= 0 {
		config.LeaseTimeout = 8
	}

	names := make(map[string]bool)
	for i := range config.Devices {
		device := &config.Devices[i]
		if device.Name == "" {
			return fmt.Errorf("config: device %d has no name", i)
		}
		if names[device.Name] {
			return fmt.Errorf("config: duplicate device %s", device.Name)
		}
		names[device.Name] = true

		device.Backend = strings.ToLower(device.Backend)
		switch device.Backend {
		case BackendLinuxDVB, BackendSim:
		default:
			return fmt.Errorf("config: device %s has unknown backend %q", device.Name, device.Backend)
		}
		if device.Tuning.Name == "" {
			device.Tuning.Name = device.Name
		}
		if err := device.Tuning.Validate(); err != nil {
			return fmt.Errorf("config: device %s: %w", device.Name, err)
		}
	}
	return nil
}

func readYaml(fileName string, out interface{}) error {
	source, err := os.ReadFile(fileName)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(source, out)
}

func writeYaml(fileName string, in interface{}) error {
	out, err := yaml.Marshal(in)
	if err != nil {
		return err
	}
	return os.WriteFile(fileName, out, 0666)
}

func (config *DeviceConfig) ReadConfig(configFileName string) error {
	if err := readYaml(configFileName, config); err != nil {
		return err
	}
	return config.Validate()
}

func (config *DeviceConfig) WriteConfig(configFileName string) error {
	return writeYaml(configFileName, config)
}

func (config *ServerConfig) ReadConfig(configFileName string) error {
	if err := readYaml(configFileName, config); err != nil {
		return err
	}
	return config.Validate()
}

func (config *ServerConfig) WriteConfig(configFileName string) error {
	return writeYaml(configFileName, config)
}
