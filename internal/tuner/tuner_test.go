package tuner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Comcast/gots/v2"
	"github.com/Comcast/gots/v2/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dvbserver/internal/backend/sim"
	"dvbserver/internal/cam"
	"dvbserver/internal/config"
	"dvbserver/internal/transponder"
	"dvbserver/internal/tuning"
)

const (
	serviceID = 0x1234
	pmtPid    = 0x1000
	videoPid  = 0x100
)

func withCrc(section []byte) []byte {
	return append(section, gots.ComputeCRC(section)...)
}

func patSection(version int, programs ...int) []byte {
	length := 5 + 4*len(programs)/2 + 4
	s := []byte{0x00, 0xb0 | byte(length>>8), byte(length), 0x00, 0x01, 0xc1 | byte(version<<1), 0x00, 0x00}
	for i := 0; i+1 < len(programs); i += 2 {
		s = append(s, byte(programs[i]>>8), byte(programs[i]), 0xe0|byte(programs[i+1]>>8), byte(programs[i+1]))
	}
	return withCrc(s)
}

func pmtSection(service int, version int) []byte {
	ca := []byte{0x09, 0x04, 0x05, 0x00, 0xe1, 0x00}
	length := 9 + len(ca) + 5 + 4
	s := []byte{0x02, 0xb0 | byte(length>>8), byte(length), byte(service >> 8), byte(service),
		0xc1 | byte(version<<1), 0x00, 0x00, 0xe0 | videoPid>>8, videoPid & 0xff, 0xf0, byte(len(ca))}
	s = append(s, ca...)
	s = append(s, 0x02, 0xe0|videoPid>>8, videoPid&0xff, 0xf0, 0x00)
	return withCrc(s)
}

// one packet carrying a whole section
func sectionPacket(pid int, counter int, section []byte) []byte {
	pkt := make([]byte, packet.PacketSize)
	pkt[0] = 0x47
	pkt[1] = 0x40 | byte(pid>>8&0x1f)
	pkt[2] = byte(pid)
	pkt[3] = 0x10 | byte(counter&0x0f)
	pkt[4] = 0
	n := copy(pkt[5:], section)
	for i := 5 + n; i < len(pkt); i++ {
		pkt[i] = 0xff
	}
	return pkt
}

func dataPacket(pid int, counter int) []byte {
	pkt := make([]byte, packet.PacketSize)
	pkt[0] = 0x47
	pkt[1] = byte(pid >> 8 & 0x1f)
	pkt[2] = byte(pid)
	pkt[3] = 0x10 | byte(counter&0x0f)
	return pkt
}

// a few rounds of PAT, PMT and video packets
func writeSource(t *testing.T) string {
	var data []byte
	for i := 0; i < 4; i++ {
		data = append(data, sectionPacket(0, i, patSection(1, 0, 0x10, serviceID, pmtPid))...)
		data = append(data, sectionPacket(pmtPid, i, pmtSection(serviceID, 3))...)
		data = append(data, dataPacket(videoPid, i)...)
	}
	path := filepath.Join(t.TempDir(), "mux.ts")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func dvbt(freq uint32) transponder.DvbT {
	return transponder.DvbT{
		Frequency:        freq,
		Bandwidth:        transponder.Bandwidth8MHz,
		FecRateHigh:      transponder.Fec2_3,
		FecRateLow:       transponder.FecNone,
		Modulation:       transponder.Qam64,
		TransmissionMode: transponder.TransmissionMode8k,
		GuardInterval:    transponder.GuardInterval1_8,
		Hierarchy:        transponder.HierarchyNone,
	}
}

// start a tuner on a simulated device, stopped when the test ends
func newTuner(t *testing.T, cfg sim.Config) (*Tuner, *sim.Device) {
	if cfg.Name == "" {
		cfg.Name = "t0"
	}
	cfg.Types = []transponder.Type{transponder.TypeDvbT}
	cfg.Interval = time.Millisecond
	device := sim.New(cfg)
	tuner := New("tuner0", device)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, tuner.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return tuner, device
}

func acquire(t *testing.T, tuner *Tuner) {
	ok, err := tuner.Acquire(*config.NewDeviceConfig("tuner0"))
	require.NoError(t, err)
	require.True(t, ok)
}

func waitState(t *testing.T, tuner *Tuner, want tuning.State) {
	assert.Eventually(t, func() bool {
		state, err := tuner.State()
		return err == nil && state == want
	}, 5*time.Second, 10*time.Millisecond, "state %s", want)
}

// consumer counting packets, called on the control goroutine
type counter struct {
	mutex sync.Mutex
	pids  map[int]int
}

func newCounter() *counter {
	return &counter{pids: make(map[int]int)}
}

func (c *counter) ProcessData(pkt []byte) {
	c.mutex.Lock()
	c.pids[(*packet.Packet)(pkt).PID()]++
	c.mutex.Unlock()
}

func (c *counter) count(pid int) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.pids[pid]
}

func TestTuner_TuneAndLock(t *testing.T) {
	tuner, _ := newTuner(t, sim.Config{Signal: 70, SNR: 50})

	state, err := tuner.State()
	require.NoError(t, err)
	assert.Equal(t, tuning.Released, state)

	acquire(t, tuner)
	ok, err := tuner.Tune(dvbt(506000000))
	require.NoError(t, err)
	require.True(t, ok)
	waitState(t, tuner, tuning.Tuned)

	status, err := tuner.Status()
	require.NoError(t, err)
	assert.Equal(t, "tuner0", status.Name)
	assert.Equal(t, "sim:t0", status.DeviceID)
	assert.Equal(t, []string{"T"}, status.Types)
	assert.Equal(t, "Tuned", status.State)
	assert.Equal(t, 70, status.Signal)
	assert.Equal(t, 50, status.SNR)
	assert.Equal(t, dvbt(506000000).String(), status.Locked)

	require.NoError(t, tuner.Stop())
	waitState(t, tuner, tuning.Idle)
}

func TestTuner_TuneTimeout(t *testing.T) {
	tuner, _ := newTuner(t, sim.Config{Lock: func(transponder.Transponder) bool { return false }})

	cfg := *config.NewDeviceConfig("tuner0")
	cfg.Timeout = 300
	ok, err := tuner.Acquire(cfg)
	require.NoError(t, err)
	require.True(t, ok)

	var mutex sync.Mutex
	var states []tuning.State
	require.NoError(t, tuner.OnStateChange(func(s tuning.State) {
		mutex.Lock()
		states = append(states, s)
		mutex.Unlock()
	}))

	ok, err = tuner.Tune(dvbt(474000000))
	require.NoError(t, err)
	require.True(t, ok)
	waitState(t, tuner, tuning.Idle)

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, []tuning.State{tuning.Tuning, tuning.Idle}, states)
}

func TestTuner_RejectsUnsupportedType(t *testing.T) {
	tuner, _ := newTuner(t, sim.Config{})
	acquire(t, tuner)

	ok, err := tuner.Tune(transponder.DvbC{Frequency: 346000000, SymbolRate: 6900000, Modulation: transponder.Qam256})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTuner_PidFilter(t *testing.T) {
	tuner, _ := newTuner(t, sim.Config{Source: writeSource(t)})
	acquire(t, tuner)

	c := newCounter()
	require.NoError(t, tuner.AddPidFilter(videoPid, c))
	ok, err := tuner.Tune(dvbt(506000000))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Eventually(t, func() bool { return c.count(videoPid) > 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, c.count(pmtPid), "unfiltered PID delivered")

	status, err := tuner.Status()
	require.NoError(t, err)
	assert.Equal(t, []int{videoPid}, status.Pids)
	assert.NotZero(t, status.Demux.Packets)

	require.NoError(t, tuner.RemovePidFilter(videoPid, c))
	status, err = tuner.Status()
	require.NoError(t, err)
	assert.Empty(t, status.Pids)
}

func TestTuner_FiltersSurviveRelease(t *testing.T) {
	tuner, _ := newTuner(t, sim.Config{Source: writeSource(t)})
	acquire(t, tuner)

	c := newCounter()
	require.NoError(t, tuner.AddPidFilter(videoPid, c))
	require.NoError(t, tuner.Release())
	waitState(t, tuner, tuning.Released)

	acquire(t, tuner)
	ok, err := tuner.Tune(dvbt(506000000))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Eventually(t, func() bool { return c.count(videoPid) > 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestTuner_ReleaseDropsQueuedData(t *testing.T) {
	tuner, _ := newTuner(t, sim.Config{})
	acquire(t, tuner)

	c := newCounter()
	require.NoError(t, tuner.AddPidFilter(videoPid, c))

	// data queued by the I/O side just before the release
	require.NoError(t, tuner.call(func() {
		buf := tuner.GetBuffer()
		copy(buf, dataPacket(videoPid, 0))
		tuner.WriteBuffer(buf, packet.PacketSize)
		tuner.engine.Release()
	}))
	waitState(t, tuner, tuning.Released)

	// let the control goroutine run a few more times
	for i := 0; i < 3; i++ {
		_, err := tuner.Status()
		require.NoError(t, err)
	}
	assert.Equal(t, 0, c.count(videoPid))
}

func TestTuner_AddPidFilterReleased(t *testing.T) {
	tuner, _ := newTuner(t, sim.Config{})
	assert.Error(t, tuner.AddPidFilter(videoPid, newCounter()), "no hardware filter without device")
}

func TestTuner_Descrambling(t *testing.T) {
	emu := cam.NewEmulator("Sim CAM", 0x0500)
	tuner, _ := newTuner(t, sim.Config{Source: writeSource(t), Cam: emu})
	acquire(t, tuner)

	assert.Error(t, tuner.StartDescrambling(0))
	require.NoError(t, tuner.StartDescrambling(serviceID))
	ok, err := tuner.Tune(dvbt(506000000))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		for _, p := range emu.CaPmts() {
			if p.ServiceID == serviceID && p.Command == cam.CmdOkDescrambling {
				return true
			}
		}
		return false
	}, 10*time.Second, 10*time.Millisecond)

	status, err := tuner.Status()
	require.NoError(t, err)
	assert.Equal(t, []int{serviceID}, status.Descrambling)
	assert.Equal(t, []int{0, pmtPid}, status.Pids)
	require.NotNil(t, status.Cam)
	assert.True(t, status.Cam.Ready)
	assert.Equal(t, []int{serviceID}, status.Cam.Services)

	require.NoError(t, tuner.StopDescrambling(serviceID))
	assert.Eventually(t, func() bool {
		pmts := emu.CaPmts()
		last := pmts[len(pmts)-1]
		return last.ServiceID == serviceID && last.Command == cam.CmdNotSelected
	}, 5*time.Second, 10*time.Millisecond)

	status, err = tuner.Status()
	require.NoError(t, err)
	assert.Empty(t, status.Descrambling)
	assert.Empty(t, status.Pids)
}

func TestTuner_Stopped(t *testing.T) {
	device := sim.New(sim.Config{Name: "t0"})
	tuner := New("tuner0", device)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tuner.Run(ctx)
	}()
	acquire(t, tuner)
	cancel()
	<-done

	_, err := tuner.Tune(dvbt(506000000))
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, tuner.StartDescrambling(serviceID), ErrStopped)
	assert.ErrorIs(t, tuner.AddPidFilter(videoPid, newCounter()), ErrStopped)
}
