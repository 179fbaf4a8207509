package tuning

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dvbserver/internal/backend"
	"dvbserver/internal/config"
	"dvbserver/internal/transponder"
)

// device recording every call
type fakeDevice struct {
	types   backend.TransmissionTypes
	caps    backend.Capabilities
	calls   []string
	tuned   []transponder.Transponder
	locked  func(t transponder.Transponder) bool
	signal  int
	busy    bool
	refuse  bool
	message [][]byte
}

func newFakeDevice(types ...transponder.Type) *fakeDevice {
	d := new(fakeDevice)
	for _, t := range types {
		d.types |= backend.TypeMask(t)
	}
	d.signal = -1
	d.locked = func(transponder.Transponder) bool { return false }
	return d
}

func (d *fakeDevice) record(format string, args ...interface{}) {
	d.calls = append(d.calls, fmt.Sprintf(format, args...))
}

func (d *fakeDevice) DeviceID() string                             { return "fake0" }
func (d *fakeDevice) FrontendName() string                         { return "fake frontend" }
func (d *fakeDevice) TransmissionTypes() backend.TransmissionTypes { return d.types }
func (d *fakeDevice) Capabilities() backend.Capabilities           { return d.caps }
func (d *fakeDevice) Props() transponder.Transponder               { return nil }
func (d *fakeDevice) Signal() int                                  { return d.signal }
func (d *fakeDevice) SNR() int                                     { return -1 }
func (d *fakeDevice) AddPidFilter(pid int) bool                    { return true }
func (d *fakeDevice) RemovePidFilter(pid int)                      {}
func (d *fakeDevice) StartDescrambling(pmt []byte) bool            { return true }
func (d *fakeDevice) StopDescrambling(serviceID int)               {}
func (d *fakeDevice) SetFrontend(f backend.Frontend)               {}

func (d *fakeDevice) Tune(t transponder.Transponder) bool {
	d.record("tune %s", t)
	d.tuned = append(d.tuned, t)
	return !d.refuse
}

func (d *fakeDevice) IsTuned() bool {
	return len(d.tuned) > 0 && d.locked(d.tuned[len(d.tuned)-1])
}

func (d *fakeDevice) SetHighVoltage(high bool) bool {
	d.record("high voltage %v", high)
	return true
}

func (d *fakeDevice) SetVoltage(v backend.Voltage) bool {
	d.record("voltage %s", v)
	return true
}

func (d *fakeDevice) SetTone(t backend.Tone) bool {
	d.record("tone %v", t == backend.ToneOn)
	return true
}

func (d *fakeDevice) SendMessage(msg []byte) bool {
	d.record("diseqc % x", msg)
	d.message = append(d.message, msg)
	return true
}

func (d *fakeDevice) SendBurst(b backend.Burst) bool {
	d.record("burst %v", b == backend.BurstB)
	return true
}

func (d *fakeDevice) Acquire() bool {
	d.record("acquire")
	return !d.busy
}

func (d *fakeDevice) Release() {
	d.record("release")
}

type recordingOwner struct {
	states   []State
	discards int
}

func (o *recordingOwner) StateChanged(state State) { o.states = append(o.states, state) }
func (o *recordingOwner) DiscardBuffers()          { o.discards++ }

func newEngine(t *testing.T, d *fakeDevice, cfg config.DeviceConfig) (*Engine, *recordingOwner) {
	owner := new(recordingOwner)
	e := New(d, owner)
	e.sleep = func(time.Duration) {}
	require.True(t, e.Acquire(cfg))
	return e, owner
}

func dvbt(freq uint32) transponder.DvbT {
	return transponder.DvbT{
		Frequency:        freq,
		Bandwidth:        transponder.Bandwidth8MHz,
		FecRateHigh:      transponder.FecAuto,
		FecRateLow:       transponder.FecAuto,
		Modulation:       transponder.ModulationAuto,
		TransmissionMode: transponder.TransmissionModeAuto,
		GuardInterval:    transponder.GuardIntervalAuto,
		Hierarchy:        transponder.HierarchyAuto,
	}
}

// run FrontendEvent until the engine stops polling
func pollAll(e *Engine, max int) int {
	n := 0
	for e.Polling() && n < max {
		e.FrontendEvent()
		n++
	}
	return n
}

func TestEngine_AcquireRelease(t *testing.T) {
	d := newFakeDevice(transponder.TypeDvbT)
	d.busy = true
	e := New(d, nil)

	assert.False(t, e.Acquire(*config.NewDeviceConfig("t")))
	assert.Equal(t, Released, e.State())

	d.busy = false
	require.True(t, e.Acquire(*config.NewDeviceConfig("t")))
	assert.Equal(t, Idle, e.State())
	assert.False(t, e.Acquire(*config.NewDeviceConfig("t")), "second acquire")

	e.Release()
	assert.Equal(t, Released, e.State())
	assert.Equal(t, []string{"acquire", "acquire", "release"}, d.calls)

	assert.False(t, e.Tune(dvbt(506000000)), "tune while released")
}

func TestEngine_ReleaseDiscardsBuffers(t *testing.T) {
	e, owner := newEngine(t, newFakeDevice(transponder.TypeDvbT), *config.NewDeviceConfig("t"))
	discards := owner.discards

	e.Release()
	assert.Equal(t, discards+1, owner.discards)
	assert.Equal(t, []State{Idle, Released}, owner.states[len(owner.states)-2:])
}

func TestEngine_TuneTerrestrial(t *testing.T) {
	d := newFakeDevice(transponder.TypeDvbT)
	cfg := *config.NewDeviceConfig("t")
	cfg.Timeout = 500
	e, owner := newEngine(t, d, cfg)

	require.True(t, e.Tune(dvbt(506000000)))
	assert.Equal(t, Tuning, e.State())
	assert.Equal(t, 1, owner.discards)

	// no lock: fails to Idle after the configured time out
	assert.Equal(t, 5, pollAll(e, 100))
	assert.Equal(t, Idle, e.State())

	d.locked = func(transponder.Transponder) bool { return true }
	require.True(t, e.Tune(dvbt(506000000)))
	e.FrontendEvent()
	assert.Equal(t, Tuned, e.State())
	assert.False(t, e.Polling())

	assert.Equal(t, []State{Idle, Tuning, Idle, Tuning, Tuned}, owner.states)

	e.Stop()
	assert.Equal(t, Idle, e.State())
	assert.Nil(t, e.Transponder())
}

func TestEngine_TuneRejected(t *testing.T) {
	d := newFakeDevice(transponder.TypeDvbC)
	e, _ := newEngine(t, d, *config.NewDeviceConfig("c"))

	assert.False(t, e.Tune(dvbt(506000000)), "unsupported type")
	assert.Empty(t, d.tuned)

	invalid := transponder.DvbC{Frequency: 346000000, SymbolRate: 6900000, FecRate: transponder.FecAuto, Modulation: transponder.Psk8}
	assert.False(t, e.Tune(invalid))

	d.refuse = true
	assert.False(t, e.Tune(transponder.DvbC{Frequency: 346000000, SymbolRate: 6900000, FecRate: transponder.FecAuto, Modulation: transponder.Qam256}))
	assert.Equal(t, Idle, e.State())
}

func TestEngine_ReentrantCallIsRejected(t *testing.T) {
	d := newFakeDevice(transponder.TypeDvbT)
	owner := new(reentrantOwner)
	e := New(d, owner)
	owner.engine = e

	require.True(t, e.Acquire(*config.NewDeviceConfig("t")))
	assert.False(t, owner.result)
	assert.Empty(t, d.tuned, "tune from the state callback must not run")
}

type reentrantOwner struct {
	engine *Engine
	result bool
}

func (o *reentrantOwner) StateChanged(state State) {
	o.result = o.engine.Tune(dvbt(506000000))
}

func (o *reentrantOwner) DiscardBuffers() {}

func TestAutoTune_FixesUnsupportedFields(t *testing.T) {
	d := newFakeDevice(transponder.TypeDvbT)
	d.caps = backend.CanFecAuto | backend.CanGuardAuto | backend.CanTransmissionAuto
	e, _ := newEngine(t, d, *config.NewDeviceConfig("t"))

	require.True(t, e.AutoTune(dvbt(506000000)))
	require.Len(t, d.tuned, 1)

	first := d.tuned[0].(transponder.DvbT)
	assert.Equal(t, transponder.Qam64, first.Modulation)
	assert.Equal(t, transponder.FecAuto, first.FecRateHigh, "supported by the frontend")
	assert.Equal(t, transponder.GuardIntervalAuto, first.GuardInterval)
	assert.Equal(t, transponder.TransmissionModeAuto, first.TransmissionMode)
	assert.Equal(t, transponder.HierarchyNone, first.Hierarchy)
}

func TestAutoTune_EscalatesFecBeforeModulation(t *testing.T) {
	d := newFakeDevice(transponder.TypeDvbT)
	cfg := *config.NewDeviceConfig("t")
	cfg.Timeout = 100
	e, _ := newEngine(t, d, cfg)

	require.True(t, e.AutoTune(dvbt(506000000)))
	first := d.tuned[0].(transponder.DvbT)
	assert.Equal(t, transponder.Qam64, first.Modulation)
	assert.Equal(t, transponder.Fec2_3, first.FecRateHigh)
	assert.Equal(t, transponder.GuardInterval1_8, first.GuardInterval)
	assert.Equal(t, transponder.TransmissionMode8k, first.TransmissionMode)

	e.FrontendEvent()
	require.Len(t, d.tuned, 2)
	second := d.tuned[1].(transponder.DvbT)
	assert.Equal(t, transponder.Fec3_4, second.FecRateHigh)
	assert.Equal(t, transponder.Qam64, second.Modulation)
	assert.Equal(t, transponder.GuardInterval1_8, second.GuardInterval)
	assert.Equal(t, Tuning, e.State())
}

func TestAutoTune_ExhaustsSearchSpace(t *testing.T) {
	d := newFakeDevice(transponder.TypeDvbT)
	cfg := *config.NewDeviceConfig("t")
	cfg.Timeout = 100
	e, _ := newEngine(t, d, cfg)

	require.True(t, e.AutoTune(dvbt(506000000)))
	pollAll(e, 1000)

	assert.Equal(t, Idle, e.State())
	assert.Len(t, d.tuned, len(fecOrder)*len(guardOrder)*len(modulationOrder)*len(modeOrder))

	// every combination tried once
	seen := make(map[string]bool)
	for _, tuned := range d.tuned {
		seen[tuned.String()] = true
	}
	assert.Len(t, seen, len(d.tuned))
}

func TestAutoTune_LocksOnMatchingParameters(t *testing.T) {
	d := newFakeDevice(transponder.TypeDvbT)
	d.locked = func(t transponder.Transponder) bool {
		dvbt := t.(transponder.DvbT)
		return dvbt.Modulation == transponder.Qam16 && dvbt.FecRateHigh == transponder.Fec1_2
	}
	cfg := *config.NewDeviceConfig("t")
	cfg.Timeout = 100
	e, _ := newEngine(t, d, cfg)

	require.True(t, e.AutoTune(dvbt(506000000)))
	pollAll(e, 1000)

	require.Equal(t, Tuned, e.State())
	locked := e.Transponder().(transponder.DvbT)
	assert.Equal(t, transponder.Qam16, locked.Modulation)
	assert.Equal(t, transponder.Fec1_2, locked.FecRateHigh)
}

func TestAutoTune_WeakSignalStops(t *testing.T) {
	d := newFakeDevice(transponder.TypeDvbT)
	d.signal = 10
	cfg := *config.NewDeviceConfig("t")
	cfg.Timeout = 100
	e, _ := newEngine(t, d, cfg)

	require.True(t, e.AutoTune(dvbt(506000000)))
	e.FrontendEvent()
	assert.Equal(t, Idle, e.State())
	assert.Len(t, d.tuned, 1)
}

func TestAutoTune_TerrestrialOnly(t *testing.T) {
	d := newFakeDevice(transponder.TypeDvbC, transponder.TypeDvbT)
	e, _ := newEngine(t, d, *config.NewDeviceConfig("c"))

	assert.False(t, e.AutoTune(transponder.DvbC{Frequency: 346000000, SymbolRate: 6900000, FecRate: transponder.FecAuto, Modulation: transponder.Qam256}))
	assert.Empty(t, d.tuned)
}
