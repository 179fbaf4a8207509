package tuning

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"dvbserver/internal/backend"
	"dvbserver/internal/config"
	"dvbserver/internal/transponder"
)

// gap between two DiSEqC messages
const diseqcDelay = 15 * time.Millisecond

// earth radius and geostationary orbit radius in km
const (
	earthRadius = 6378.0
	orbitRadius = 42164.0
)

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

// IntermediateFrequency applies the LNB band plan of cfg to a satellite
// frequency, high is true when the high band (22kHz tone) is selected.
//
//   - dual LO universal LNB when SwitchBand is set
//   - single LO per polarization when only HighBand is set, V/R use HighBand
//   - single LO otherwise
func IntermediateFrequency(cfg config.DeviceConfig, freq uint32, pol transponder.Polarization) (ifreq uint32, high bool) {
	switch {
	case cfg.SwitchBand != 0:
		if freq >= cfg.SwitchBand {
			return absDiff(freq, cfg.HighBand), true
		}
		return absDiff(freq, cfg.LowBand), false
	case cfg.HighBand != 0:
		if !pol.IsHorizontal() {
			return absDiff(freq, cfg.HighBand), false
		}
	}
	return absDiff(freq, cfg.LowBand), false
}

// SwitchCommand is the DiSEqC 1.0 committed switch message
func SwitchCommand(lnb int, horizontal bool, high bool) []byte {
	data := byte(0xf0) | byte(lnb&0x03)<<2
	if horizontal {
		data |= 0x02
	}
	if high {
		data |= 0x01
	}
	return []byte{0xe0, 0x10, 0x38, data}
}

// GotoPositionCommand drives a DiSEqC 1.2 rotor to a stored position
func GotoPositionCommand(position int) []byte {
	return []byte{0xe0, 0x31, 0x6b, byte(position)}
}

// UsalsAngle returns the rotor angle in degrees for an observer at
// latitude/longitude looking at the orbital position, all east/north positive
func UsalsAngle(latitude, longitude, orbital float64) float64 {
	phi := latitude * math.Pi / 180
	delta := (longitude - orbital) * math.Pi / 180

	angle := math.Atan(math.Sin(delta)/(earthRadius*math.Cos(phi)/orbitRadius-math.Cos(delta))) + delta
	return angle * 180 / math.Pi
}

// UsalsCommand is the DiSEqC 1.3 goto angle message
func UsalsCommand(latitude, longitude, orbital float64) []byte {
	angle := UsalsAngle(latitude, longitude, orbital)

	value := uint16(math.Round(math.Abs(angle)*16)) & 0x0fff
	if angle >= 0 {
		value |= 0xe000
	} else {
		value |= 0xd000
	}
	return []byte{0xe0, 0x31, 0x6e, byte(value >> 8), byte(value)}
}

// OrbitalPosition parses the orbital position at the end of a scan source
// name ("Astra-19.2E", "Hispasat-30W"), east positive
func OrbitalPosition(source string) (float64, error) {
	s := source
	if i := strings.LastIndex(s, "-"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) < 2 {
		return 0, fmt.Errorf("tuning: no orbital position in %q", source)
	}

	sign := 1.0
	switch s[len(s)-1] {
	case 'E':
	case 'W':
		sign = -1
	default:
		return 0, fmt.Errorf("tuning: no orbital position in %q", source)
	}

	position, err := strconv.ParseFloat(s[:len(s)-1], 64)
	if err != nil || position < 0 || position > 180 {
		return 0, fmt.Errorf("tuning: invalid orbital position in %q", source)
	}
	return sign * position, nil
}

func (e *Engine) sendMessage(msg []byte) {
	if !e.device.SendMessage(msg) {
		log.Warnf("DiSEqC message % x failed on %s", msg, e.device.DeviceID())
	}
	e.sleep(diseqcDelay)
}

func (e *Engine) tuneSatellite(t transponder.Transponder) bool {
	var pol transponder.Polarization
	var atIF transponder.Transponder

	cfg := e.config
	switch s := t.(type) {
	case transponder.DvbS:
		pol = s.Polarization
		s.Frequency, _ = IntermediateFrequency(cfg, s.Frequency, pol)
		atIF = s
	case transponder.DvbS2:
		pol = s.Polarization
		s.Frequency, _ = IntermediateFrequency(cfg, s.Frequency, pol)
		atIF = s
	default:
		log.Errorf("internal error: %s is not a satellite transponder", t.Type())
		return false
	}
	_, high := IntermediateFrequency(cfg, t.Freq(), pol)

	e.device.SetHighVoltage(cfg.HigherVoltage)
	e.device.SetTone(backend.ToneOff)
	voltage := backend.Voltage13
	if pol.IsHorizontal() {
		voltage = backend.Voltage18
	}
	e.device.SetVoltage(voltage)

	timeout, state := cfg.Timeout, Tuning
	switch cfg.Configuration {
	case config.UsalsRotor:
		orbital, err := OrbitalPosition(cfg.ScanSource)
		if err != nil {
			log.Warnf("cannot drive rotor of %s: %v", e.device.DeviceID(), err)
			e.auto = false
			e.setState(Idle)
			return false
		}
		e.sendMessage(UsalsCommand(cfg.Latitude, cfg.Longitude, orbital))
		timeout, state = rotorTimeout, RotorMoving
	case config.PositionsRotor:
		e.sendMessage(GotoPositionCommand(cfg.LnbNumber))
		timeout, state = rotorTimeout, RotorMoving
	default:
		e.sendMessage(SwitchCommand(cfg.LnbNumber, pol.IsHorizontal(), high))
		burst := backend.BurstA
		if cfg.LnbNumber%2 != 0 {
			burst = backend.BurstB
		}
		e.device.SendBurst(burst)
		e.sleep(diseqcDelay)
	}

	if high {
		e.device.SetTone(backend.ToneOn)
	}

	if !e.device.Tune(atIF) {
		log.Warnf("device %s refused %s", e.device.DeviceID(), t)
		e.setState(Idle)
		return false
	}
	e.startPolling(timeout, state)
	return true
}
