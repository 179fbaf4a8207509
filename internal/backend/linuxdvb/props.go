//go:build linux

package linuxdvb

import (
	"fmt"

	"dvbserver/internal/backend"
	"dvbserver/internal/transponder"
)

// kernel enum values indexed by the transponder package enums
var (
	kernelFec = map[transponder.FecRate]uint32{
		transponder.FecNone: 0, transponder.Fec1_2: 1, transponder.Fec2_3: 2, transponder.Fec3_4: 3,
		transponder.Fec4_5: 4, transponder.Fec5_6: 5, transponder.Fec6_7: 6, transponder.Fec7_8: 7,
		transponder.Fec8_9: 8, transponder.FecAuto: 9, transponder.Fec3_5: 10, transponder.Fec9_10: 11,
		transponder.Fec2_5: 12, transponder.Fec1_3: 13, transponder.Fec1_4: 14,
	}
	kernelModulation = map[transponder.Modulation]uint32{
		transponder.Qpsk: 0, transponder.Qam16: 1, transponder.Qam32: 2, transponder.Qam64: 3,
		transponder.Qam128: 4, transponder.Qam256: 5, transponder.ModulationAuto: 6, transponder.Vsb8: 7,
		transponder.Vsb16: 8, transponder.Psk8: 9, transponder.Apsk16: 10, transponder.Apsk32: 11,
		transponder.Dqpsk: 12,
	}
	kernelTransmissionMode = map[transponder.TransmissionMode]uint32{
		transponder.TransmissionMode2k: 0, transponder.TransmissionMode8k: 1, transponder.TransmissionModeAuto: 2,
		transponder.TransmissionMode4k: 3, transponder.TransmissionMode1k: 4, transponder.TransmissionMode16k: 5,
		transponder.TransmissionMode32k: 6,
	}
	kernelGuardInterval = map[transponder.GuardInterval]uint32{
		transponder.GuardInterval1_32: 0, transponder.GuardInterval1_16: 1, transponder.GuardInterval1_8: 2,
		transponder.GuardInterval1_4: 3, transponder.GuardIntervalAuto: 4, transponder.GuardInterval1_128: 5,
		transponder.GuardInterval19_128: 6, transponder.GuardInterval19_256: 7,
	}
	kernelHierarchy = map[transponder.Hierarchy]uint32{
		transponder.HierarchyNone: 0, transponder.Hierarchy1: 1, transponder.Hierarchy2: 2,
		transponder.Hierarchy4: 3, transponder.HierarchyAuto: 4,
	}
	kernelRollOff = map[transponder.RollOff]uint32{
		transponder.RollOff35: 0, transponder.RollOff20: 1, transponder.RollOff25: 2, transponder.RollOffAuto: 3,
	}
)

// reverse lookup of one of the tables above
func fromKernel[T comparable](table map[T]uint32, v uint32) (T, bool) {
	for k, kv := range table {
		if kv == v {
			return k, true
		}
	}
	var zero T
	return zero, false
}

// tuneProperties translates t into the property list of FE_SET_PROPERTY,
// ending with DTV_TUNE
func tuneProperties(t transponder.Transponder) ([]dtvProperty, error) {
	props := []dtvProperty{property(dtvClear, 0)}
	add := func(cmd uint32, value uint32) {
		props = append(props, property(cmd, value))
	}

	switch t := t.(type) {
	case transponder.DvbC:
		add(dtvDeliverySystem, sysDvbcAnnexA)
		add(dtvFrequency, t.Frequency)
		add(dtvSymbolRate, t.SymbolRate)
		add(dtvInnerFec, kernelFec[t.FecRate])
		add(dtvModulation, kernelModulation[t.Modulation])
	case transponder.DvbS:
		add(dtvDeliverySystem, sysDvbs)
		add(dtvFrequency, t.Frequency)
		add(dtvSymbolRate, t.SymbolRate)
		add(dtvInnerFec, kernelFec[t.FecRate])
		add(dtvModulation, kernelModulation[transponder.Qpsk])
	case transponder.DvbS2:
		add(dtvDeliverySystem, sysDvbs2)
		add(dtvFrequency, t.Frequency)
		add(dtvSymbolRate, t.SymbolRate)
		add(dtvInnerFec, kernelFec[t.FecRate])
		add(dtvModulation, kernelModulation[t.Modulation])
		add(dtvRollOff, kernelRollOff[t.RollOff])
		add(dtvPilot, pilotAuto)
		add(dtvStreamID, uint32(t.StreamID))
	case transponder.DvbT:
		add(dtvDeliverySystem, sysDvbt)
		add(dtvFrequency, t.Frequency)
		addOfdm(add, t.Bandwidth, t.FecRateHigh, t.FecRateLow, t.Modulation, t.TransmissionMode, t.GuardInterval, t.Hierarchy)
	case transponder.DvbT2:
		add(dtvDeliverySystem, sysDvbt2)
		add(dtvFrequency, t.Frequency)
		addOfdm(add, t.Bandwidth, t.FecRateHigh, t.FecRateLow, t.Modulation, t.TransmissionMode, t.GuardInterval, t.Hierarchy)
		add(dtvStreamID, uint32(t.StreamID))
	case transponder.Atsc:
		add(dtvDeliverySystem, sysAtsc)
		add(dtvFrequency, t.Frequency)
		add(dtvModulation, kernelModulation[t.Modulation])
	case transponder.IsdbT:
		add(dtvDeliverySystem, sysIsdbt)
		add(dtvFrequency, t.Frequency)
		add(dtvBandwidthHz, t.Bandwidth.Hz())
		add(dtvTransmissionMode, kernelTransmissionMode[t.TransmissionMode])
		add(dtvGuardInterval, kernelGuardInterval[t.GuardInterval])
		if t.PartialReception != transponder.PartialReceptionAuto {
			add(dtvIsdbtPartialReception, uint32(t.PartialReception))
		}
		add(dtvIsdbtLayerEnabled, 7)
		for i, layer := range t.Layers {
			base := uint32(dtvIsdbtLayerAFec + i*isdbtLayerStride)
			add(base+isdbtLayerFec, kernelFec[layer.FecRate])
			add(base+isdbtLayerModulation, kernelModulation[layer.Modulation])
			// AUTO segment count and interleaving are left to the frontend
			if layer.SegmentCount != transponder.Auto {
				add(base+isdbtLayerSegmentCount, uint32(layer.SegmentCount))
			}
			if layer.Interleaving != transponder.Auto {
				add(base+isdbtLayerInterleaving, uint32(layer.Interleaving))
			}
		}
	default:
		return nil, fmt.Errorf("linuxdvb: unsupported transponder %T", t)
	}

	add(dtvInversion, inversionAuto)
	add(dtvTune, 0)
	return props, nil
}

func addOfdm(add func(uint32, uint32), bw transponder.Bandwidth, high, low transponder.FecRate, m transponder.Modulation,
	mode transponder.TransmissionMode, guard transponder.GuardInterval, h transponder.Hierarchy) {
	add(dtvBandwidthHz, bw.Hz())
	add(dtvCodeRateHp, kernelFec[high])
	add(dtvCodeRateLp, kernelFec[low])
	add(dtvModulation, kernelModulation[m])
	add(dtvTransmissionMode, kernelTransmissionMode[mode])
	add(dtvGuardInterval, kernelGuardInterval[guard])
	add(dtvHierarchy, kernelHierarchy[h])
}

// property list to read back the parameters of a locked DVB-T frontend
func ofdmQuery() []dtvProperty {
	return []dtvProperty{
		{Cmd: dtvCodeRateHp},
		{Cmd: dtvCodeRateLp},
		{Cmd: dtvModulation},
		{Cmd: dtvTransmissionMode},
		{Cmd: dtvGuardInterval},
		{Cmd: dtvHierarchy},
	}
}

// applyOfdm fills the AUTO fields of t with the values read by ofdmQuery
func applyOfdm(t transponder.DvbT, props []dtvProperty) transponder.DvbT {
	if v, ok := fromKernel(kernelFec, props[0].value()); ok && v != transponder.FecAuto {
		t.FecRateHigh = v
	}
	if v, ok := fromKernel(kernelFec, props[1].value()); ok && v != transponder.FecAuto {
		t.FecRateLow = v
	}
	if v, ok := fromKernel(kernelModulation, props[2].value()); ok && v != transponder.ModulationAuto {
		t.Modulation = v
	}
	if v, ok := fromKernel(kernelTransmissionMode, props[3].value()); ok && v != transponder.TransmissionModeAuto {
		t.TransmissionMode = v
	}
	if v, ok := fromKernel(kernelGuardInterval, props[4].value()); ok && v != transponder.GuardIntervalAuto {
		t.GuardInterval = v
	}
	if v, ok := fromKernel(kernelHierarchy, props[5].value()); ok && v != transponder.HierarchyAuto {
		t.Hierarchy = v
	}
	return t
}

// transmissionTypes derives the receivable standards from the frontend info
func transmissionTypes(info *frontendInfo) backend.TransmissionTypes {
	second := backend.Capabilities(info.Caps).Has(backend.Can2GModulation)

	var types backend.TransmissionTypes
	switch info.Type {
	case feQpsk:
		types = backend.TypeMask(transponder.TypeDvbS)
		if second {
			types |= backend.TypeMask(transponder.TypeDvbS2)
		}
	case feQam:
		types = backend.TypeMask(transponder.TypeDvbC)
	case feOfdm:
		types = backend.TypeMask(transponder.TypeDvbT)
		if second {
			types |= backend.TypeMask(transponder.TypeDvbT2)
		}
	case feAtsc:
		types = backend.TypeMask(transponder.TypeAtsc)
	}
	return types
}
