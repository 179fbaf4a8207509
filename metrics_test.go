package main

import (
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dvbserver/internal/tuning"
)

func TestExporter(t *testing.T) {
	s, tm := newTestServer(t, "t0", "t1")
	exporter := NewExporter(tm)

	// released tuners report neither signal nor SNR
	assert.Equal(t, 2*(len(tunerStates)+1+7), testutil.CollectAndCount(exporter))

	expected := `
# HELP dvbserver_tuner_state Tuning state, 1 for the current one.
# TYPE dvbserver_tuner_state gauge
dvbserver_tuner_state{state="idle",tuner="t0"} 0
dvbserver_tuner_state{state="released",tuner="t0"} 1
dvbserver_tuner_state{state="rotor moving",tuner="t0"} 0
dvbserver_tuner_state{state="tuned",tuner="t0"} 0
dvbserver_tuner_state{state="tuning",tuner="t0"} 0
dvbserver_tuner_state{state="idle",tuner="t1"} 0
dvbserver_tuner_state{state="released",tuner="t1"} 1
dvbserver_tuner_state{state="rotor moving",tuner="t1"} 0
dvbserver_tuner_state{state="tuned",tuner="t1"} 0
dvbserver_tuner_state{state="tuning",tuner="t1"} 0
`
	assert.NoError(t, testutil.CollectAndCompare(exporter, strings.NewReader(expected), "dvbserver_tuner_state"))

	require.Equal(t, http.StatusOK, do(s, http.MethodPost, TunePath+"t0?transponder="+url.QueryEscape(dvbt(506000000).String())).Code)
	require.Eventually(t, func() bool {
		state, err := tm.Tuner("t0").State()
		return err == nil && state == tuning.Tuned
	}, 5*time.Second, 10*time.Millisecond)

	expected = `
# HELP dvbserver_tuner_signal_percent Signal strength while tuned.
# TYPE dvbserver_tuner_signal_percent gauge
dvbserver_tuner_signal_percent{tuner="t0"} 90
`
	assert.NoError(t, testutil.CollectAndCompare(exporter, strings.NewReader(expected), "dvbserver_tuner_signal_percent"))
}

func TestExporterRegisters(t *testing.T) {
	_, tm := newTestServer(t, "t0")
	registry := prometheus.NewPedanticRegistry()
	require.NoError(t, registry.Register(NewExporter(tm)))

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
