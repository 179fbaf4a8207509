// Package backend defines the capabilities a tuner device offers to the
// tuning engine and the demultiplexer.
package backend

import (
	"dvbserver/internal/transponder"
)

// Capabilities is a bit set of the frontend's automatic parameter detection
type Capabilities uint32

const (
	CanFecAuto          Capabilities = 0x200
	CanQamAuto          Capabilities = 0x10000
	CanTransmissionAuto Capabilities = 0x20000
	CanBandwidthAuto    Capabilities = 0x40000
	CanGuardAuto        Capabilities = 0x80000
	CanHierarchyAuto    Capabilities = 0x100000
	Can2GModulation     Capabilities = 0x10000000
)

// Has is true when all flags in c2 are set
func (c Capabilities) Has(c2 Capabilities) bool {
	return c&c2 == c2
}

// TransmissionTypes is a bit set of the transponder types a frontend receives
type TransmissionTypes uint32

// TypeMask returns the bit of one transponder type
func TypeMask(t transponder.Type) TransmissionTypes {
	return 1 << uint(t)
}

// Supports is true when a transponder of type t can be received
func (tt TransmissionTypes) Supports(t transponder.Type) bool {
	return tt&TypeMask(t) != 0
}

// Voltage selects the LNB supply voltage
type Voltage int

const (
	Voltage13 Voltage = iota
	Voltage18
	VoltageOff
)

func (v Voltage) String() string {
	switch v {
	case Voltage13:
		return "13V"
	case Voltage18:
		return "18V"
	}
	return "off"
}

// Tone is the 22kHz continuous tone
type Tone int

const (
	ToneOn Tone = iota
	ToneOff
)

// Burst is the DiSEqC mini command
type Burst int

const (
	BurstA Burst = iota
	BurstB
)

// Frontend is the owner side a device delivers data to. GetBuffer and
// WriteBuffer are called from the device I/O goroutine, Post from anywhere.
type Frontend interface {
	// get an empty buffer to fill with TS packets
	GetBuffer() []byte
	// hand a filled buffer back, size <= 0 recycles it
	WriteBuffer(buf []byte, size int)
	// run fn on the control goroutine
	Post(fn func())
}

// Device is a tuner device. All calls except SetFrontend happen on the
// control goroutine; boolean results are true if OK.
type Device interface {
	DeviceID() string
	FrontendName() string
	TransmissionTypes() TransmissionTypes
	Capabilities() Capabilities

	// start tuning, the result is checked with IsTuned
	Tune(t transponder.Transponder) bool
	// parameters the frontend actually locked on, nil if unknown
	Props() transponder.Transponder
	IsTuned() bool
	// signal strength and quality in percent, -1 when not available
	Signal() int
	SNR() int

	AddPidFilter(pid int) bool
	RemovePidFilter(pid int)

	// hand a PMT section to the CA module
	StartDescrambling(pmt []byte) bool
	StopDescrambling(serviceID int)

	// satellite equipment control
	SetHighVoltage(high bool) bool
	SetVoltage(v Voltage) bool
	SetTone(t Tone) bool
	SendMessage(msg []byte) bool
	SendBurst(b Burst) bool

	// open the device and start streaming into the frontend
	Acquire() bool
	// stop streaming and close the device
	Release()
	SetFrontend(f Frontend)
}
