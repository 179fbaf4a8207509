// Package transponder describes the physical channels a tuner can lock to.
// Each transmission standard has its own parameter set; a Transponder value
// always carries exactly one of them.
package transponder

import "fmt"

// Type is the transmission standard of a transponder
type Type int

const (
	TypeDvbC Type = iota
	TypeDvbS
	TypeDvbS2
	TypeDvbT
	TypeDvbT2
	TypeAtsc
	TypeIsdbT
)

var typeNames = names{"C", "S", "S2", "T", "T2", "A", "I"}

func (t Type) String() string { return typeNames.name(int(t)) }

// IsSatellite is true for the standards that need LNB / DiSEqC handling
func (t Type) IsSatellite() bool {
	return t == TypeDvbS || t == TypeDvbS2
}

// Transponder is implemented by DvbC, DvbS, DvbS2, DvbT, DvbT2, Atsc and IsdbT
type Transponder interface {
	// transmission standard of this variant
	Type() Type
	// frequency in Hz (kHz for satellite)
	Freq() uint32
	// serialize to the textual form accepted by Parse
	String() string
	// true if both describe the same physical transponder
	Corresponds(other Transponder) bool
	// check that every field holds a value allowed by the standard
	Validate() error
}

// tolerances used by Corresponds
const (
	frequencyTolerance          = 2000000 // Hz
	satelliteFrequencyTolerance = 2000    // kHz
)

func within(a, b uint32, tolerance uint32) bool {
	if a > b {
		return a-b <= tolerance
	}
	return b-a <= tolerance
}

func oneOf[T comparable](v T, allowed ...T) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func invalid(t Type, field string, v fmt.Stringer) error {
	return fmt.Errorf("transponder: %s does not allow %s %s", t, field, v)
}

// DvbC is a cable transponder
type DvbC struct {
	Frequency  uint32 // Hz
	SymbolRate uint32 // symbols per second
	FecRate    FecRate
	Modulation Modulation
}

func (t DvbC) Type() Type     { return TypeDvbC }
func (t DvbC) Freq() uint32   { return t.Frequency }
func (t DvbC) String() string { return format(t) }

func (t DvbC) Corresponds(other Transponder) bool {
	o, ok := other.(DvbC)
	return ok && within(t.Frequency, o.Frequency, frequencyTolerance)
}

func (t DvbC) Validate() error {
	if !oneOf(t.Modulation, Qam16, Qam32, Qam64, Qam128, Qam256, ModulationAuto) {
		return invalid(t.Type(), "modulation", t.Modulation)
	}
	if !oneOf(t.FecRate, FecNone, Fec1_2, Fec2_3, Fec3_4, Fec5_6, Fec7_8, Fec8_9, FecAuto) {
		return invalid(t.Type(), "fec", t.FecRate)
	}
	return nil
}

// DvbS is a satellite transponder, frequency in kHz
type DvbS struct {
	Polarization Polarization
	Frequency    uint32 // kHz
	SymbolRate   uint32
	FecRate      FecRate
}

func (t DvbS) Type() Type     { return TypeDvbS }
func (t DvbS) Freq() uint32   { return t.Frequency }
func (t DvbS) String() string { return format(t) }

func (t DvbS) Corresponds(other Transponder) bool {
	switch o := other.(type) {
	case DvbS:
		return satelliteCorresponds(t.Polarization, t.Frequency, o.Polarization, o.Frequency)
	case DvbS2:
		return satelliteCorresponds(t.Polarization, t.Frequency, o.Polarization, o.Frequency)
	}
	return false
}

func (t DvbS) Validate() error {
	if !oneOf(t.FecRate, FecNone, Fec1_2, Fec2_3, Fec3_4, Fec5_6, Fec7_8, FecAuto) {
		return invalid(t.Type(), "fec", t.FecRate)
	}
	if t.Polarization < Horizontal || t.Polarization > CircularRight {
		return invalid(t.Type(), "polarization", t.Polarization)
	}
	return nil
}

// DvbS2 is a second generation satellite transponder
type DvbS2 struct {
	Polarization Polarization
	Frequency    uint32 // kHz
	SymbolRate   uint32
	FecRate      FecRate
	RollOff      RollOff
	Modulation   Modulation
	StreamID     int
}

func (t DvbS2) Type() Type     { return TypeDvbS2 }
func (t DvbS2) Freq() uint32   { return t.Frequency }
func (t DvbS2) String() string { return format(t) }

func (t DvbS2) Corresponds(other Transponder) bool {
	switch o := other.(type) {
	case DvbS:
		return satelliteCorresponds(t.Polarization, t.Frequency, o.Polarization, o.Frequency)
	case DvbS2:
		return t.StreamID == o.StreamID &&
			satelliteCorresponds(t.Polarization, t.Frequency, o.Polarization, o.Frequency)
	}
	return false
}

func (t DvbS2) Validate() error {
	if !oneOf(t.Modulation, Qpsk, Psk8, Apsk16, Apsk32, ModulationAuto) {
		return invalid(t.Type(), "modulation", t.Modulation)
	}
	if !oneOf(t.FecRate, Fec1_2, Fec2_3, Fec3_4, Fec3_5, Fec4_5, Fec5_6, Fec8_9, Fec9_10, Fec1_4, Fec1_3, Fec2_5, FecAuto) {
		return invalid(t.Type(), "fec", t.FecRate)
	}
	if t.RollOff < RollOff20 || t.RollOff > RollOffAuto {
		return invalid(t.Type(), "roll-off", t.RollOff)
	}
	if t.Polarization < Horizontal || t.Polarization > CircularRight {
		return invalid(t.Type(), "polarization", t.Polarization)
	}
	if t.StreamID < 0 || t.StreamID > 255 {
		return fmt.Errorf("transponder: S2 stream id %d out of range", t.StreamID)
	}
	return nil
}

// H and L (resp. V and R) select the same LNB voltage
func satelliteCorresponds(p1 Polarization, f1 uint32, p2 Polarization, f2 uint32) bool {
	return p1.IsHorizontal() == p2.IsHorizontal() && within(f1, f2, satelliteFrequencyTolerance)
}

// DvbT is a terrestrial transponder
type DvbT struct {
	Frequency        uint32 // Hz
	Bandwidth        Bandwidth
	FecRateHigh      FecRate
	FecRateLow       FecRate
	Modulation       Modulation
	TransmissionMode TransmissionMode
	GuardInterval    GuardInterval
	Hierarchy        Hierarchy
}

func (t DvbT) Type() Type     { return TypeDvbT }
func (t DvbT) Freq() uint32   { return t.Frequency }
func (t DvbT) String() string { return format(t) }

func (t DvbT) Corresponds(other Transponder) bool {
	o, ok := other.(DvbT)
	return ok && within(t.Frequency, o.Frequency, frequencyTolerance)
}

func (t DvbT) Validate() error {
	return validateOfdm(t.Type(), t.Bandwidth, t.FecRateHigh, t.FecRateLow, t.Modulation,
		t.TransmissionMode, t.GuardInterval, t.Hierarchy, false)
}

// DvbT2 is a second generation terrestrial transponder
type DvbT2 struct {
	StreamID         int
	Frequency        uint32 // Hz
	Bandwidth        Bandwidth
	FecRateHigh      FecRate
	FecRateLow       FecRate
	Modulation       Modulation
	TransmissionMode TransmissionMode
	GuardInterval    GuardInterval
	Hierarchy        Hierarchy
}

func (t DvbT2) Type() Type     { return TypeDvbT2 }
func (t DvbT2) Freq() uint32   { return t.Frequency }
func (t DvbT2) String() string { return format(t) }

func (t DvbT2) Corresponds(other Transponder) bool {
	o, ok := other.(DvbT2)
	return ok && t.StreamID == o.StreamID && within(t.Frequency, o.Frequency, frequencyTolerance)
}

func (t DvbT2) Validate() error {
	if t.StreamID < 0 || t.StreamID > 255 {
		return fmt.Errorf("transponder: T2 stream id %d out of range", t.StreamID)
	}
	return validateOfdm(t.Type(), t.Bandwidth, t.FecRateHigh, t.FecRateLow, t.Modulation,
		t.TransmissionMode, t.GuardInterval, t.Hierarchy, true)
}

func validateOfdm(tt Type, bw Bandwidth, high FecRate, low FecRate, m Modulation,
	tm TransmissionMode, gi GuardInterval, h Hierarchy, second bool) error {
	if bw < Bandwidth1_7MHz || bw > BandwidthAuto {
		return invalid(tt, "bandwidth", bw)
	}
	fecs := []FecRate{FecNone, Fec1_2, Fec2_3, Fec3_4, Fec5_6, Fec7_8, FecAuto}
	mods := []Modulation{Qpsk, Qam16, Qam64, ModulationAuto}
	if second {
		fecs = append(fecs, Fec3_5, Fec4_5)
		mods = append(mods, Qam256)
	}
	if !oneOf(high, fecs...) {
		return invalid(tt, "fec", high)
	}
	if !oneOf(low, fecs...) {
		return invalid(tt, "fec", low)
	}
	if !oneOf(m, mods...) {
		return invalid(tt, "modulation", m)
	}
	if tm < TransmissionMode1k || tm > TransmissionModeAuto {
		return invalid(tt, "transmission mode", tm)
	}
	if gi < GuardInterval1_4 || gi > GuardIntervalAuto {
		return invalid(tt, "guard interval", gi)
	}
	if h < HierarchyNone || h > HierarchyAuto {
		return invalid(tt, "hierarchy", h)
	}
	return nil
}

// Atsc is an ATSC (VSB or annex B QAM) transponder
type Atsc struct {
	Frequency  uint32 // Hz
	Modulation Modulation
}

func (t Atsc) Type() Type     { return TypeAtsc }
func (t Atsc) Freq() uint32   { return t.Frequency }
func (t Atsc) String() string { return format(t) }

func (t Atsc) Corresponds(other Transponder) bool {
	o, ok := other.(Atsc)
	return ok && within(t.Frequency, o.Frequency, frequencyTolerance)
}

func (t Atsc) Validate() error {
	if !oneOf(t.Modulation, Qam64, Qam256, Vsb8, Vsb16, ModulationAuto) {
		return invalid(t.Type(), "modulation", t.Modulation)
	}
	return nil
}

// IsdbTLayer holds the parameters of one hierarchical ISDB-T layer
type IsdbTLayer struct {
	Modulation   Modulation
	FecRate      FecRate
	SegmentCount int // 0..13 or Auto
	Interleaving int // 0..3 or Auto
}

// IsdbT is an ISDB-T transponder with layers A, B and C
type IsdbT struct {
	Frequency        uint32 // Hz
	Bandwidth        Bandwidth
	TransmissionMode TransmissionMode
	GuardInterval    GuardInterval
	PartialReception PartialReception
	Layers           [3]IsdbTLayer
}

func (t IsdbT) Type() Type     { return TypeIsdbT }
func (t IsdbT) Freq() uint32   { return t.Frequency }
func (t IsdbT) String() string { return format(t) }

func (t IsdbT) Corresponds(other Transponder) bool {
	o, ok := other.(IsdbT)
	return ok && within(t.Frequency, o.Frequency, frequencyTolerance)
}

func (t IsdbT) Validate() error {
	if !oneOf(t.Bandwidth, Bandwidth6MHz, Bandwidth7MHz, Bandwidth8MHz, BandwidthAuto) {
		return invalid(t.Type(), "bandwidth", t.Bandwidth)
	}
	if !oneOf(t.TransmissionMode, TransmissionMode2k, TransmissionMode4k, TransmissionMode8k, TransmissionModeAuto) {
		return invalid(t.Type(), "transmission mode", t.TransmissionMode)
	}
	if !oneOf(t.GuardInterval, GuardInterval1_4, GuardInterval1_8, GuardInterval1_16, GuardInterval1_32, GuardIntervalAuto) {
		return invalid(t.Type(), "guard interval", t.GuardInterval)
	}
	if t.PartialReception < PartialReceptionOff || t.PartialReception > PartialReceptionAuto {
		return invalid(t.Type(), "partial reception", t.PartialReception)
	}
	for _, l := range t.Layers {
		if !oneOf(l.Modulation, Dqpsk, Qpsk, Qam16, Qam64, ModulationAuto) {
			return invalid(t.Type(), "modulation", l.Modulation)
		}
		if !oneOf(l.FecRate, Fec1_2, Fec2_3, Fec3_4, Fec5_6, Fec7_8, FecAuto) {
			return invalid(t.Type(), "fec", l.FecRate)
		}
		if l.SegmentCount != Auto && (l.SegmentCount < 0 || l.SegmentCount > 13) {
			return fmt.Errorf("transponder: ISDB-T segment count %d out of range", l.SegmentCount)
		}
		if l.Interleaving != Auto && (l.Interleaving < 0 || l.Interleaving > 3) {
			return fmt.Errorf("transponder: ISDB-T interleaving %d out of range", l.Interleaving)
		}
	}
	return nil
}
