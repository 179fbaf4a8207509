package main

import (
	"fmt"
	"time"

	"dvbserver/internal/backend"
	"dvbserver/internal/backend/sim"
	"dvbserver/internal/cam"
	"dvbserver/internal/config"
	"dvbserver/internal/transponder"
)

// delay between two replayed buffers
const virtualTunerInterval = 20 * time.Millisecond

// NewVirtualTuner creates a simulated device from its configuration
func NewVirtualTuner(device config.Device) (*sim.Device, error) {
	cfg := sim.Config{
		Name:     device.Name,
		Source:   device.Source,
		Caps:     backend.CanFecAuto | backend.CanQamAuto | backend.CanTransmissionAuto | backend.CanGuardAuto,
		Interval: virtualTunerInterval,
		Signal:   90,
		SNR:      80,
	}

	for _, name := range device.Types {
		t, err := transponder.ParseType(name)
		if err != nil {
			return nil, fmt.Errorf("virtual tuner %s: %w", device.Name, err)
		}
		cfg.Types = append(cfg.Types, t)
	}
	if len(cfg.Types) == 0 {
		return nil, fmt.Errorf("virtual tuner %s has no transponder type", device.Name)
	}

	if device.CamMenu != "" {
		cfg.Cam = cam.NewEmulator(device.CamMenu, device.CaSystemIDs...)
	}
	return sim.New(cfg), nil
}
