package tuning

import (
	"dvbserver/internal/backend"
	"dvbserver/internal/transponder"
)

// signal strength in percent below which auto tune gives up
const signalFloor = 15

// DVB-T parameters iterated by auto tune
type autoFields uint

const (
	autoFecHigh autoFields = 1 << iota
	autoGuardInterval
	autoModulation
	autoTransmissionMode
)

// try order per parameter, the first entry is the initial guess
var (
	fecOrder        = []transponder.FecRate{transponder.Fec2_3, transponder.Fec3_4, transponder.Fec1_2, transponder.Fec5_6, transponder.Fec7_8}
	guardOrder      = []transponder.GuardInterval{transponder.GuardInterval1_8, transponder.GuardInterval1_32, transponder.GuardInterval1_4, transponder.GuardInterval1_16}
	modulationOrder = []transponder.Modulation{transponder.Qam64, transponder.Qam16, transponder.Qpsk}
	modeOrder       = []transponder.TransmissionMode{transponder.TransmissionMode8k, transponder.TransmissionMode2k}
)

// next value in order, carry is true when it wrapped around
func next[T comparable](order []T, v T) (T, bool) {
	for i := range order {
		if order[i] == v && i+1 < len(order) {
			return order[i+1], false
		}
	}
	return order[0], true
}

// AutoTune tunes a DVB-T transponder, resolving the AUTO parameters the
// frontend cannot detect by itself through trial and error
func (e *Engine) AutoTune(t transponder.Transponder) bool {
	if !e.enter("AutoTune") {
		return false
	}
	defer e.leave()

	dvbt, ok := t.(transponder.DvbT)
	if !ok {
		log.Warnf("auto tune is not available for %s transponders", t.Type())
		return false
	}

	caps := e.device.Capabilities()
	var fields autoFields

	if dvbt.FecRateHigh == transponder.FecAuto && !caps.Has(backend.CanFecAuto) {
		dvbt.FecRateHigh = fecOrder[0]
		fields |= autoFecHigh
	}
	if dvbt.GuardInterval == transponder.GuardIntervalAuto && !caps.Has(backend.CanGuardAuto) {
		dvbt.GuardInterval = guardOrder[0]
		fields |= autoGuardInterval
	}
	if dvbt.Modulation == transponder.ModulationAuto && !caps.Has(backend.CanQamAuto) {
		dvbt.Modulation = modulationOrder[0]
		fields |= autoModulation
	}
	if dvbt.TransmissionMode == transponder.TransmissionModeAuto && !caps.Has(backend.CanTransmissionAuto) {
		dvbt.TransmissionMode = modeOrder[0]
		fields |= autoTransmissionMode
	}

	// only meaningful for hierarchical transmission, not iterated
	if dvbt.FecRateLow == transponder.FecAuto && !caps.Has(backend.CanFecAuto) {
		dvbt.FecRateLow = transponder.FecNone
	}
	if dvbt.Hierarchy == transponder.HierarchyAuto && !caps.Has(backend.CanHierarchyAuto) {
		dvbt.Hierarchy = transponder.HierarchyNone
	}
	if dvbt.Bandwidth == transponder.BandwidthAuto && !caps.Has(backend.CanBandwidthAuto) {
		dvbt.Bandwidth = transponder.Bandwidth8MHz
	}

	e.auto = fields != 0
	e.autoFields = fields
	return e.tune(dvbt)
}

// advance the iterated parameters like an odometer, FEC first
func (e *Engine) nextAutoParameters() {
	if signal := e.device.Signal(); signal != -1 && signal < signalFloor {
		log.Printf("auto tune of %s stopped, signal %d%%", e.transponder, signal)
		e.auto = false
		e.setState(Idle)
		return
	}

	dvbt, ok := e.transponder.(transponder.DvbT)
	if !ok {
		log.Errorf("internal error: auto tune on %v", e.transponder)
		e.auto = false
		e.setState(Idle)
		return
	}

	carry := true
	if carry && e.autoFields&autoFecHigh != 0 {
		dvbt.FecRateHigh, carry = next(fecOrder, dvbt.FecRateHigh)
	}
	if carry && e.autoFields&autoGuardInterval != 0 {
		dvbt.GuardInterval, carry = next(guardOrder, dvbt.GuardInterval)
	}
	if carry && e.autoFields&autoModulation != 0 {
		dvbt.Modulation, carry = next(modulationOrder, dvbt.Modulation)
	}
	if carry && e.autoFields&autoTransmissionMode != 0 {
		dvbt.TransmissionMode, carry = next(modeOrder, dvbt.TransmissionMode)
	}

	if carry {
		log.Printf("auto tune found no lock on %d Hz", dvbt.Frequency)
		e.auto = false
		e.setState(Idle)
		return
	}
	e.tune(dvbt)
}
