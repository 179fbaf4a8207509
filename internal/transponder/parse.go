package transponder

import (
	"fmt"
	"strconv"
	"strings"
)

// format renders the text form of a transponder, fields separated by one space
func format(t Transponder) string {
	f := []string{t.Type().String()}
	u := func(v uint32) string { return strconv.FormatUint(uint64(v), 10) }

	switch t := t.(type) {
	case DvbC:
		f = append(f, u(t.Frequency), u(t.SymbolRate), t.FecRate.String(), t.Modulation.String())
	case DvbS:
		f = append(f, u(t.Frequency), t.Polarization.String(), u(t.SymbolRate), t.FecRate.String())
	case DvbS2:
		f = append(f, u(t.Frequency), t.Polarization.String(), u(t.SymbolRate), t.FecRate.String(),
			t.RollOff.String(), t.Modulation.String(), strconv.Itoa(t.StreamID))
	case DvbT:
		f = append(f, u(t.Frequency), t.Bandwidth.String(), t.FecRateHigh.String(), t.FecRateLow.String(),
			t.Modulation.String(), t.TransmissionMode.String(), t.GuardInterval.String(), t.Hierarchy.String())
	case DvbT2:
		f = append(f, strconv.Itoa(t.StreamID), u(t.Frequency), t.Bandwidth.String(), t.FecRateHigh.String(),
			t.FecRateLow.String(), t.Modulation.String(), t.TransmissionMode.String(), t.GuardInterval.String(),
			t.Hierarchy.String())
	case Atsc:
		f = append(f, u(t.Frequency), t.Modulation.String())
	case IsdbT:
		f = append(f, u(t.Frequency), t.Bandwidth.String(), t.TransmissionMode.String(),
			t.GuardInterval.String(), t.PartialReception.String())
		for _, l := range t.Layers {
			f = append(f, l.Modulation.String(), l.FecRate.String(),
				formatAutoInt(l.SegmentCount), formatAutoInt(l.Interleaving))
		}
	}
	return strings.Join(f, " ")
}

// field scanner used by Parse, remembers the first error
type scanner struct {
	fields []string
	pos    int
	err    error
}

func (s *scanner) next(kind string) string {
	if s.err != nil {
		return ""
	}
	if s.pos >= len(s.fields) {
		s.err = fmt.Errorf("transponder: missing %s", kind)
		return ""
	}
	s.pos++
	return s.fields[s.pos-1]
}

func (s *scanner) uint32(kind string) uint32 {
	str := s.next(kind)
	if s.err != nil {
		return 0
	}
	v, err := strconv.ParseUint(str, 10, 32)
	if err != nil {
		s.err = fmt.Errorf("transponder: invalid %s %q", kind, str)
	}
	return uint32(v)
}

func (s *scanner) streamID() int {
	str := s.next("stream id")
	if s.err != nil {
		return 0
	}
	v, err := strconv.Atoi(str)
	if err != nil {
		s.err = fmt.Errorf("transponder: invalid stream id %q", str)
	}
	return v
}

func (s *scanner) enum(kind string, n names) int {
	str := s.next(kind)
	if s.err != nil {
		return 0
	}
	v, err := n.parse(kind, str)
	if err != nil {
		s.err = err
	}
	return v
}

func (s *scanner) autoInt(kind string, max int) int {
	str := s.next(kind)
	if s.err != nil {
		return 0
	}
	v, err := parseAutoInt(kind, str, max)
	if err != nil {
		s.err = err
	}
	return v
}

func (s *scanner) fec() FecRate           { return FecRate(s.enum("fec", fecNames)) }
func (s *scanner) modulation() Modulation { return Modulation(s.enum("modulation", modulationNames)) }
func (s *scanner) bandwidth() Bandwidth   { return Bandwidth(s.enum("bandwidth", bandwidthNames)) }
func (s *scanner) guard() GuardInterval   { return GuardInterval(s.enum("guard interval", guardIntervalNames)) }
func (s *scanner) hierarchy() Hierarchy   { return Hierarchy(s.enum("hierarchy", hierarchyNames)) }
func (s *scanner) polarization() Polarization {
	return Polarization(s.enum("polarization", polarizationNames))
}
func (s *scanner) mode() TransmissionMode {
	return TransmissionMode(s.enum("transmission mode", transmissionModeNames))
}

// Parse reads the text form produced by String
func Parse(text string) (Transponder, error) {
	s := &scanner{fields: strings.Fields(text)}
	tag := s.next("type")
	if s.err != nil {
		return nil, s.err
	}

	var t Transponder
	switch tag {
	case "C":
		t = DvbC{Frequency: s.uint32("frequency"), SymbolRate: s.uint32("symbol rate"),
			FecRate: s.fec(), Modulation: s.modulation()}
	case "S":
		t = DvbS{Frequency: s.uint32("frequency"), Polarization: s.polarization(),
			SymbolRate: s.uint32("symbol rate"), FecRate: s.fec()}
	case "S2":
		t = DvbS2{Frequency: s.uint32("frequency"), Polarization: s.polarization(),
			SymbolRate: s.uint32("symbol rate"), FecRate: s.fec(),
			RollOff: RollOff(s.enum("roll-off", rollOffNames)), Modulation: s.modulation(),
			StreamID: s.streamID()}
	case "T":
		t = DvbT{Frequency: s.uint32("frequency"), Bandwidth: s.bandwidth(), FecRateHigh: s.fec(),
			FecRateLow: s.fec(), Modulation: s.modulation(), TransmissionMode: s.mode(),
			GuardInterval: s.guard(), Hierarchy: s.hierarchy()}
	case "T2":
		t = DvbT2{StreamID: s.streamID(), Frequency: s.uint32("frequency"), Bandwidth: s.bandwidth(),
			FecRateHigh: s.fec(), FecRateLow: s.fec(), Modulation: s.modulation(),
			TransmissionMode: s.mode(), GuardInterval: s.guard(), Hierarchy: s.hierarchy()}
	case "A":
		t = Atsc{Frequency: s.uint32("frequency"), Modulation: s.modulation()}
	case "I":
		it := IsdbT{Frequency: s.uint32("frequency"), Bandwidth: s.bandwidth(), TransmissionMode: s.mode(),
			GuardInterval: s.guard(),
			PartialReception: PartialReception(s.enum("partial reception", partialReceptionNames))}
		for i := range it.Layers {
			it.Layers[i] = IsdbTLayer{Modulation: s.modulation(), FecRate: s.fec(),
				SegmentCount: s.autoInt("segment count", 13), Interleaving: s.autoInt("interleaving", 3)}
		}
		t = it
	default:
		return nil, fmt.Errorf("transponder: unknown type %q", tag)
	}

	if s.err != nil {
		return nil, s.err
	}
	if s.pos != len(s.fields) {
		return nil, fmt.Errorf("transponder: trailing data %q", strings.Join(s.fields[s.pos:], " "))
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// ParseType reads a transmission type tag such as "S2"
func ParseType(s string) (Type, error) {
	v, err := typeNames.parse("type", s)
	return Type(v), err
}
