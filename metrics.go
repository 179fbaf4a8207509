package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"dvbserver/internal/tuning"
)

const namespace = "dvbserver"

var tunerLabelNames = []string{"tuner"}

func newTunerMetric(subsystemName, metricName, docString string, extraLabels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystemName, metricName), docString, append(tunerLabelNames, extraLabels...), nil)
}

var (
	tunerStateMetric  = newTunerMetric("tuner", "state", "Tuning state, 1 for the current one.", "state")
	tunerSignalMetric = newTunerMetric("tuner", "signal_percent", "Signal strength while tuned.")
	tunerSnrMetric    = newTunerMetric("tuner", "snr_percent", "Signal to noise ratio while tuned.")
	tunerPidsMetric   = newTunerMetric("tuner", "pid_filters", "PIDs with an active filter.")

	demuxPacketsMetric         = newTunerMetric("demux", "packets_total", "Transport packets dispatched.")
	demuxErrorPacketsMetric    = newTunerMetric("demux", "error_packets_total", "Packets dropped for a transport error.")
	demuxDuplicatesMetric      = newTunerMetric("demux", "duplicate_packets_total", "Duplicate section packets.")
	demuxDiscontinuitiesMetric = newTunerMetric("demux", "discontinuities_total", "Continuity counter errors on section PIDs.")
	demuxSectionsMetric        = newTunerMetric("demux", "sections_total", "Sections delivered.")
	demuxCrcSuppressedMetric   = newTunerMetric("demux", "crc_suppressed_total", "Sections dropped for a new bad CRC.")
	demuxCrcToleratedMetric    = newTunerMetric("demux", "crc_tolerated_total", "Sections delivered with a repeated bad CRC.")

	camReadyMetric    = newTunerMetric("cam", "ready", "CA module ready.")
	camServicesMetric = newTunerMetric("cam", "services", "Services handed to the CA module.")
)

var tunerStates = []tuning.State{tuning.Released, tuning.Idle, tuning.Tuning, tuning.RotorMoving, tuning.Tuned}

// Exporter collects the status of every tuner at scrape time
type Exporter struct {
	tm *TunerManager
}

func NewExporter(tm *TunerManager) *Exporter {
	return &Exporter{tm: tm}
}

func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range []*prometheus.Desc{
		tunerStateMetric, tunerSignalMetric, tunerSnrMetric, tunerPidsMetric,
		demuxPacketsMetric, demuxErrorPacketsMetric, demuxDuplicatesMetric, demuxDiscontinuitiesMetric,
		demuxSectionsMetric, demuxCrcSuppressedMetric, demuxCrcToleratedMetric,
		camReadyMetric, camServicesMetric,
	} {
		ch <- m
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	for _, t := range e.tm.Tuners() {
		status, err := t.Status()
		if err != nil {
			log.Debugf("collect %s: %v", t.Name(), err)
			continue
		}
		name := status.Name

		for _, state := range tunerStates {
			ch <- prometheus.MustNewConstMetric(tunerStateMetric, prometheus.GaugeValue, boolValue(status.State == state.String()), name, state.String())
		}
		if status.Signal >= 0 {
			ch <- prometheus.MustNewConstMetric(tunerSignalMetric, prometheus.GaugeValue, float64(status.Signal), name)
		}
		if status.SNR >= 0 {
			ch <- prometheus.MustNewConstMetric(tunerSnrMetric, prometheus.GaugeValue, float64(status.SNR), name)
		}
		ch <- prometheus.MustNewConstMetric(tunerPidsMetric, prometheus.GaugeValue, float64(len(status.Pids)), name)

		stats := status.Demux
		ch <- prometheus.MustNewConstMetric(demuxPacketsMetric, prometheus.CounterValue, float64(stats.Packets), name)
		ch <- prometheus.MustNewConstMetric(demuxErrorPacketsMetric, prometheus.CounterValue, float64(stats.ErrorPackets), name)
		ch <- prometheus.MustNewConstMetric(demuxDuplicatesMetric, prometheus.CounterValue, float64(stats.Duplicates), name)
		ch <- prometheus.MustNewConstMetric(demuxDiscontinuitiesMetric, prometheus.CounterValue, float64(stats.Discontinuities), name)
		ch <- prometheus.MustNewConstMetric(demuxSectionsMetric, prometheus.CounterValue, float64(stats.Sections), name)
		ch <- prometheus.MustNewConstMetric(demuxCrcSuppressedMetric, prometheus.CounterValue, float64(stats.CrcSuppressed), name)
		ch <- prometheus.MustNewConstMetric(demuxCrcToleratedMetric, prometheus.CounterValue, float64(stats.CrcTolerated), name)

		if status.Cam != nil {
			ch <- prometheus.MustNewConstMetric(camReadyMetric, prometheus.GaugeValue, boolValue(status.Cam.Ready), name)
			ch <- prometheus.MustNewConstMetric(camServicesMetric, prometheus.GaugeValue, float64(len(status.Cam.Services)), name)
		}
	}
}
