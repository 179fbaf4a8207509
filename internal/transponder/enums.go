package transponder

import (
	"fmt"
	"strconv"
)

// table of textual names, index is the enum value
type names []string

func (n names) name(v int) string {
	if v < 0 || v >= len(n) {
		return "INVALID"
	}
	return n[v]
}

func (n names) parse(kind string, s string) (int, error) {
	for i := range n {
		if n[i] == s {
			return i, nil
		}
	}
	return 0, fmt.Errorf("transponder: unknown %s %q", kind, s)
}

// FecRate is the forward error correction code rate
type FecRate int

const (
	FecNone FecRate = iota
	Fec1_2
	Fec2_3
	Fec3_4
	Fec4_5
	Fec5_6
	Fec6_7
	Fec7_8
	Fec8_9
	FecAuto
	Fec1_3
	Fec1_4
	Fec2_5
	Fec3_5
	Fec9_10
)

var fecNames = names{"NONE", "1/2", "2/3", "3/4", "4/5", "5/6", "6/7", "7/8", "8/9", "AUTO", "1/3", "1/4", "2/5", "3/5", "9/10"}

func (f FecRate) String() string { return fecNames.name(int(f)) }

// Modulation of the carrier
type Modulation int

const (
	Qpsk Modulation = iota
	Psk8
	Apsk16
	Apsk32
	Qam16
	Qam32
	Qam64
	Qam128
	Qam256
	Vsb8
	Vsb16
	Dqpsk
	ModulationAuto
)

var modulationNames = names{"QPSK", "8PSK", "16APSK", "32APSK", "QAM16", "QAM32", "QAM64", "QAM128", "QAM256", "8VSB", "16VSB", "DQPSK", "AUTO"}

func (m Modulation) String() string { return modulationNames.name(int(m)) }

// Polarization of a satellite transponder
type Polarization int

const (
	Horizontal Polarization = iota
	Vertical
	CircularLeft
	CircularRight
)

var polarizationNames = names{"H", "V", "L", "R"}

func (p Polarization) String() string { return polarizationNames.name(int(p)) }

// IsHorizontal is true for the polarizations selected with 18V
func (p Polarization) IsHorizontal() bool {
	return p == Horizontal || p == CircularLeft
}

// RollOff of a DVB-S2 carrier
type RollOff int

const (
	RollOff20 RollOff = iota
	RollOff25
	RollOff35
	RollOffAuto
)

var rollOffNames = names{"0.20", "0.25", "0.35", "AUTO"}

func (r RollOff) String() string { return rollOffNames.name(int(r)) }

// Bandwidth of a terrestrial channel
type Bandwidth int

const (
	Bandwidth1_7MHz Bandwidth = iota
	Bandwidth5MHz
	Bandwidth6MHz
	Bandwidth7MHz
	Bandwidth8MHz
	Bandwidth10MHz
	BandwidthAuto
)

var bandwidthNames = names{"1.7MHz", "5MHz", "6MHz", "7MHz", "8MHz", "10MHz", "AUTO"}

func (b Bandwidth) String() string { return bandwidthNames.name(int(b)) }

// Hz returns the bandwidth in Hz, 0 for AUTO
func (b Bandwidth) Hz() uint32 {
	switch b {
	case Bandwidth1_7MHz:
		return 1712000
	case Bandwidth5MHz:
		return 5000000
	case Bandwidth6MHz:
		return 6000000
	case Bandwidth7MHz:
		return 7000000
	case Bandwidth8MHz:
		return 8000000
	case Bandwidth10MHz:
		return 10000000
	}
	return 0
}

// TransmissionMode is the OFDM carrier count
type TransmissionMode int

const (
	TransmissionMode1k TransmissionMode = iota
	TransmissionMode2k
	TransmissionMode4k
	TransmissionMode8k
	TransmissionMode16k
	TransmissionMode32k
	TransmissionModeAuto
)

var transmissionModeNames = names{"1k", "2k", "4k", "8k", "16k", "32k", "AUTO"}

func (m TransmissionMode) String() string { return transmissionModeNames.name(int(m)) }

// GuardInterval of an OFDM symbol
type GuardInterval int

const (
	GuardInterval1_4 GuardInterval = iota
	GuardInterval1_8
	GuardInterval1_16
	GuardInterval1_32
	GuardInterval1_128
	GuardInterval19_128
	GuardInterval19_256
	GuardIntervalAuto
)

var guardIntervalNames = names{"1/4", "1/8", "1/16", "1/32", "1/128", "19/128", "19/256", "AUTO"}

func (g GuardInterval) String() string { return guardIntervalNames.name(int(g)) }

// Hierarchy of a DVB-T signal
type Hierarchy int

const (
	HierarchyNone Hierarchy = iota
	Hierarchy1
	Hierarchy2
	Hierarchy4
	HierarchyAuto
)

var hierarchyNames = names{"NONE", "1", "2", "4", "AUTO"}

func (h Hierarchy) String() string { return hierarchyNames.name(int(h)) }

// PartialReception flag of ISDB-T
type PartialReception int

const (
	PartialReceptionOff PartialReception = iota
	PartialReceptionOn
	PartialReceptionAuto
)

var partialReceptionNames = names{"OFF", "ON", "AUTO"}

func (p PartialReception) String() string { return partialReceptionNames.name(int(p)) }

// Auto is the sentinel for numeric fields resolved by the frontend
const Auto = -1

func formatAutoInt(v int) string {
	if v == Auto {
		return "AUTO"
	}
	return strconv.Itoa(v)
}

func parseAutoInt(kind string, s string, max int) (int, error) {
	if s == "AUTO" {
		return Auto, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 || v > max {
		return 0, fmt.Errorf("transponder: invalid %s %q", kind, s)
	}
	return v, nil
}
