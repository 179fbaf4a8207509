package main

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Comcast/gots/v2/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dvbserver/internal/config"
	"dvbserver/internal/transponder"
	"dvbserver/internal/tuning"
)

const videoPid = 0x100

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

// a source of video packets
func writeSource(t *testing.T) string {
	var data []byte
	for i := 0; i < 32; i++ {
		pkt := make([]byte, packet.PacketSize)
		pkt[0] = 0x47
		pkt[1] = videoPid >> 8
		pkt[2] = videoPid & 0xff
		pkt[3] = 0x10 | byte(i&0x0f)
		data = append(data, pkt...)
	}
	path := filepath.Join(t.TempDir(), "mux.ts")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func testConfig(t *testing.T, tuners ...string) *config.ServerConfig {
	source := writeSource(t)
	cfg := &config.ServerConfig{
		Name:         "test server",
		LeaseTimeout: 3,
		ChannelMaps: map[string]config.ChannelMap{
			"tv": {
				Description: "Test channels",
				Provider:    "Example",
				Channels: map[int]config.Channel{
					2: {Name: "Two", Transponder: dvbt(474000000).String(), Pids: []int{videoPid}},
					1: {Name: "One HD", Transponder: dvbt(506000000).String(), ServiceID: 0x1234, Pids: []int{videoPid, 0x101}},
					3: {Name: "Three", Transponder: dvbt(522000000).String()},
					9: {Name: "Sat", Transponder: "S 11778000 V 27500000 2/3"},
				},
			},
		},
	}
	for _, name := range tuners {
		cfg.Devices = append(cfg.Devices, config.Device{
			Name:    name,
			Backend: "SIM",
			Source:  source,
			Types:   []string{"T", "T2"},
		})
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

// a server on simulated tuners, stopped when the test ends
func newTestServer(t *testing.T, tuners ...string) (*Server, *TunerManager) {
	cfg := testConfig(t, tuners...)
	tm := NewTunerManager(cfg.Name, cfg.LeaseTimeout)
	require.NoError(t, tm.AttachTuners(cfg.Devices))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, tm.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return NewServer(cfg, tm, ""), tm
}

func do(s *Server, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func tunerStatus(t *testing.T, s *Server) map[string]TunerStatus {
	w := do(s, http.MethodGet, StatusPath)
	require.Equal(t, http.StatusOK, w.Code)

	var list []TunerStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	out := make(map[string]TunerStatus)
	for _, st := range list {
		out[st.Name] = st
	}
	return out
}

func TestStatusHandler(t *testing.T) {
	s, _ := newTestServer(t, "t0", "t1")

	status := tunerStatus(t, s)
	require.Len(t, status, 2)
	assert.Equal(t, tuning.Released.String(), status["t0"].State)
	assert.Equal(t, "sim:t1", status["t1"].DeviceID)
	assert.Equal(t, []string{"T", "T2"}, status["t1"].Types)

	assert.Equal(t, http.StatusMethodNotAllowed, do(s, http.MethodPost, StatusPath).Code)
}

func TestTuneHandler(t *testing.T) {
	s, tm := newTestServer(t, "t0")

	target := TunePath + "t0?transponder=" + url.QueryEscape(dvbt(506000000).String())
	w := do(s, http.MethodPost, target)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Eventually(t, func() bool {
		state, err := tm.Tuner("t0").State()
		return err == nil && state == tuning.Tuned
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, dvbt(506000000).String(), tunerStatus(t, s)["t0"].Locked)

	assert.Equal(t, http.StatusNotFound, do(s, http.MethodPost, TunePath+"t9?transponder="+url.QueryEscape(dvbt(506000000).String())).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(s, http.MethodGet, target).Code)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPost, TunePath+"t0?transponder=X+1").Code)
	assert.Equal(t, http.StatusConflict,
		do(s, http.MethodPost, TunePath+"t0?transponder="+url.QueryEscape("S 11778000 V 27500000 2/3")).Code)
}

func TestReleaseHandler(t *testing.T) {
	s, tm := newTestServer(t, "t0")

	require.Equal(t, http.StatusOK, do(s, http.MethodPost, TunePath+"t0?transponder="+url.QueryEscape(dvbt(506000000).String())).Code)
	assert.Equal(t, http.StatusNoContent, do(s, http.MethodPost, ReleasePath+"t0").Code)

	state, err := tm.Tuner("t0").State()
	require.NoError(t, err)
	assert.Equal(t, tuning.Released, state)
}

func TestDescrambleHandler(t *testing.T) {
	s, _ := newTestServer(t, "t0")
	require.Equal(t, http.StatusOK, do(s, http.MethodPost, TunePath+"t0?transponder="+url.QueryEscape(dvbt(506000000).String())).Code)

	assert.Equal(t, http.StatusNoContent, do(s, http.MethodPost, DescramblePath+"t0?service=4660").Code)
	assert.Equal(t, []int{4660}, tunerStatus(t, s)["t0"].Descrambling)
	assert.Equal(t, []int{0}, tunerStatus(t, s)["t0"].Pids, "PAT filter installed")

	assert.Equal(t, http.StatusNoContent, do(s, http.MethodDelete, DescramblePath+"t0?service=4660").Code)
	assert.Empty(t, tunerStatus(t, s)["t0"].Descrambling)

	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPost, DescramblePath+"t0?service=abc").Code)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPost, DescramblePath+"t0?service=0").Code)
}

func TestChannelMapLists(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, http.MethodGet, ChannelMapPath+"serviceslist.xml")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<sld:Name>Example</sld:Name>")
	assert.Contains(t, w.Body.String(), "/channelmap/tv/serviceslist.xml</dvbisd:URI>")

	w = do(s, http.MethodGet, ChannelMapPath+"tv/serviceslist.xml")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `<LCN channelNumber="1" serviceRef="tag:Example,2022:one_hd"/>`)
	assert.Contains(t, body, "/channelmap/tv/2.ts</URI>")
	assert.Less(t, strings.Index(body, `channelNumber="1"`), strings.Index(body, `channelNumber="2"`))

	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, ChannelMapPath+"radio/serviceslist.xml").Code)
	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, ChannelMapPath+"tv").Code)
}

func allocate(s *Server, target string) (*httptest.ResponseRecorder, channelResponse) {
	w := do(s, http.MethodPost, target)
	var response channelResponse
	json.Unmarshal(w.Body.Bytes(), &response)
	return w, response
}

func TestChannelAllocation(t *testing.T) {
	s, tm := newTestServer(t, "t0", "t1")

	w, one := allocate(s, ChannelMapPath+"tv/1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, one.Fresh)
	assert.Equal(t, "/stream/"+one.Tuner+"?pid=256&pid=257", one.Stream)

	w, again := allocate(s, ChannelMapPath+"tv/1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, again.Fresh)
	assert.Equal(t, one.Tuner, again.Tuner)

	w, two := allocate(s, ChannelMapPath+"tv/2")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEqual(t, one.Tuner, two.Tuner)

	w, _ = allocate(s, ChannelMapPath+"tv/3")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	lease, _ := tm.Lease(tm.Tuner(one.Tuner))
	assert.Equal(t, "tv/1", lease)
	assert.Equal(t, []int{0x1234}, tunerStatus(t, s)[one.Tuner].Descrambling)

	// the satellite channel has no tuner of its type
	w, _ = allocate(s, ChannelMapPath+"tv/9")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	assert.Equal(t, http.StatusNotFound, do(s, http.MethodPost, ChannelMapPath+"tv/7").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(s, http.MethodGet, ChannelMapPath+"tv/1").Code)

	w = do(s, http.MethodGet, ChannelMapPath+"tv/1.ts")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, one.Stream, w.Header().Get("Location"))
}

func TestLeaseTimeout(t *testing.T) {
	s, tm := newTestServer(t, "t0")

	w, one := allocate(s, ChannelMapPath+"tv/1")
	require.Equal(t, http.StatusOK, w.Code)
	leased := tm.Tuner(one.Tuner)

	// a client keeps the lease
	tm.Attach(leased)
	for i := 0; i < startTimeout+1; i++ {
		tm.tick()
	}
	lease, clients := tm.Lease(leased)
	assert.Equal(t, "tv/1", lease)
	assert.Equal(t, 1, clients)

	tm.Detach(leased)
	for i := 0; i < 2; i++ {
		tm.tick()
	}
	lease, _ = tm.Lease(leased)
	assert.Equal(t, "tv/1", lease)

	tm.tick()
	lease, _ = tm.Lease(leased)
	assert.Empty(t, lease)
	state, err := leased.State()
	require.NoError(t, err)
	assert.Equal(t, tuning.Released, state)

	// the channel can be allocated again
	w, _ = allocate(s, ChannelMapPath+"tv/2")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLeaseTimeoutWithBusyTuner(t *testing.T) {
	s, tm := newTestServer(t, "t0", "t1")

	w, one := allocate(s, ChannelMapPath+"tv/1")
	require.Equal(t, http.StatusOK, w.Code)
	leased := tm.Tuner(one.Tuner)
	tm.mutex.Lock()
	leased.timeout = 1
	tm.mutex.Unlock()

	// hold the control goroutine of the leased tuner
	block := make(chan struct{})
	unblock := sync.OnceFunc(func() { close(block) })
	t.Cleanup(unblock)
	leased.Post(func() { <-block })

	ticked := make(chan struct{})
	go func() {
		tm.tick()
		close(ticked)
	}()

	assert.Eventually(t, func() bool {
		lease, _ := tm.Lease(leased)
		return lease == ""
	}, 5*time.Second, 10*time.Millisecond)

	found := make(chan *ManagedTuner)
	go func() { found <- tm.Tuner("t1") }()
	select {
	case other := <-found:
		assert.NotNil(t, other)
	case <-time.After(time.Second):
		t.Fatal("tuner lookup waits for a busy tuner")
	}

	unblock()
	<-ticked
	state, err := leased.State()
	require.NoError(t, err)
	assert.Equal(t, tuning.Released, state)
}

func TestDirectTunerIsNotLeased(t *testing.T) {
	s, _ := newTestServer(t, "t0")
	require.Equal(t, http.StatusOK, do(s, http.MethodPost, TunePath+"t0?transponder="+url.QueryEscape(dvbt(506000000).String())).Code)

	w, _ := allocate(s, ChannelMapPath+"tv/1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestStreamHandler(t *testing.T) {
	s, _ := newTestServer(t, "t0")
	ts := httptest.NewServer(s)
	defer ts.Close()

	w, one := allocate(s, ChannelMapPath+"tv/2")
	require.Equal(t, http.StatusOK, w.Code)

	resp, err := http.Get(ts.URL + one.Stream)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))

	buf := make([]byte, 4*packet.PacketSize)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	for i := 0; i < len(buf); i += packet.PacketSize {
		pkt := (*packet.Packet)(buf[i : i+packet.PacketSize])
		assert.Equal(t, videoPid, pkt.PID())
	}

	assert.Equal(t, 1, tunerStatus(t, s)["t0"].Clients)
}

func TestStreamHandlerErrors(t *testing.T) {
	s, _ := newTestServer(t, "t0")

	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, StreamPath+"t9?pid=256").Code)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodGet, StreamPath+"t0").Code)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodGet, StreamPath+"t0?pid=8192").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(s, http.MethodGet, StreamPath+"t0?pid=256").Code, "tuner released")
	assert.Equal(t, http.StatusMethodNotAllowed, do(s, http.MethodPost, StreamPath+"t0?pid=256").Code)
}

func TestStreamPids(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/stream/t0?pid=256,257&pid=0&pid=256", nil)
	pids, err := streamPids(r)
	require.NoError(t, err)
	assert.Equal(t, []int{256, 257, 0}, pids)
}

func TestUUIDFromMAC(t *testing.T) {
	mac, err := net.ParseMAC("00:11:22:33:44:55")
	require.NoError(t, err)
	uuid := uuidFromMAC(mac)
	assert.Regexp(t, `^uuid:[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`, uuid)
	assert.Equal(t, uuid, uuidFromMAC(mac))
}

func TestVirtualTunerConfig(t *testing.T) {
	_, err := NewVirtualTuner(config.Device{Name: "bad", Types: []string{"X"}})
	assert.Error(t, err)
	_, err = NewVirtualTuner(config.Device{Name: "none"})
	assert.Error(t, err)

	d, err := NewVirtualTuner(config.Device{Name: "cam", Types: []string{"S2"}, CamMenu: "CAM", CaSystemIDs: []int{0x0500}})
	require.NoError(t, err)
	assert.True(t, d.TransmissionTypes().Supports(transponder.TypeDvbS2))
}
