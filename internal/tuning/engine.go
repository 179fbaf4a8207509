// Package tuning drives a tuner device from idle to a locked transponder.
//
// The Engine is not safe for concurrent use; it is owned by the control
// goroutine of a tuner, which calls FrontendEvent every PollInterval while
// Polling reports true.
package tuning

import (
	"time"

	"github.com/sirupsen/logrus"

	"dvbserver/internal/backend"
	"dvbserver/internal/config"
	"dvbserver/internal/transponder"
)

var log = logrus.WithField("component", "tuning")

// State of the engine
type State int

const (
	Released State = iota
	Idle
	Tuning
	RotorMoving
	Tuned
)

var stateNames = [...]string{"released", "idle", "tuning", "rotor moving", "tuned"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

const (
	// frontend poll cadence
	PollInterval = 100 * time.Millisecond
	pollStep     = int(PollInterval / time.Millisecond)
	// ms granted to a rotor to reach its position
	rotorTimeout = 15000
)

// Owner is notified by the engine
type Owner interface {
	// called after every state transition
	StateChanged(state State)
	// drop packets still queued from the previous transponder
	DiscardBuffers()
}

// Engine is the tuning state machine of one device
type Engine struct {
	device backend.Device
	owner  Owner
	config config.DeviceConfig

	state       State
	transponder transponder.Transponder
	// remaining lock time in ms
	timeout int

	// auto tune in progress, autoFields are the parameters iterated
	auto       bool
	autoFields autoFields

	// name of the mutator running, empty if none
	busy string

	sleep func(time.Duration)
}

// New creates a released engine for device
func New(device backend.Device, owner Owner) *Engine {
	e := new(Engine)
	e.device = device
	e.owner = owner
	e.state = Released
	e.sleep = time.Sleep
	return e
}

func (e *Engine) enter(op string) bool {
	if e.busy != "" {
		log.Errorf("internal error: %s called while %s is running", op, e.busy)
		return false
	}
	e.busy = op
	return true
}

func (e *Engine) leave() {
	e.busy = ""
}

func (e *Engine) setState(state State) {
	if e.state == state {
		return
	}
	log.WithField("device", e.device.DeviceID()).Debugf("%s -> %s", e.state, state)
	e.state = state
	if e.owner != nil {
		e.owner.StateChanged(state)
	}
}

// State returns the current state
func (e *Engine) State() State {
	return e.state
}

// Transponder returns the transponder of the last tune request, with the
// parameters auto tune fixed. nil when nothing was tuned since Acquire.
func (e *Engine) Transponder() transponder.Transponder {
	return e.transponder
}

// Config returns the configuration borrowed at Acquire
func (e *Engine) Config() config.DeviceConfig {
	return e.config
}

// Polling is true while FrontendEvent has to be called
func (e *Engine) Polling() bool {
	return e.state == Tuning || e.state == RotorMoving
}

// Acquire opens the device for exclusive use, false leaves it Released
func (e *Engine) Acquire(cfg config.DeviceConfig) bool {
	if !e.enter("Acquire") {
		return false
	}
	defer e.leave()

	if e.state != Released {
		log.Errorf("internal error: %s acquired twice", e.device.DeviceID())
		return false
	}
	if err := cfg.Validate(); err != nil {
		log.Warnf("cannot acquire %s: %v", e.device.DeviceID(), err)
		return false
	}
	if !e.device.Acquire() {
		log.Warnf("device %s is busy", e.device.DeviceID())
		return false
	}

	e.config = cfg
	e.transponder = nil
	e.setState(Idle)
	return true
}

// Release gives the device back
func (e *Engine) Release() {
	if !e.enter("Release") {
		return
	}
	defer e.leave()

	if e.state == Released {
		return
	}
	e.device.Release()
	// queued data belongs to the closed device
	if e.owner != nil {
		e.owner.DiscardBuffers()
	}
	e.transponder = nil
	e.auto = false
	e.setState(Released)
}

// Stop abandons the current transponder, the device stays acquired
func (e *Engine) Stop() {
	if !e.enter("Stop") {
		return
	}
	defer e.leave()

	if e.state == Released {
		return
	}
	e.auto = false
	e.transponder = nil
	e.setState(Idle)
}

// Tune starts tuning t, the lock is reported through the state
func (e *Engine) Tune(t transponder.Transponder) bool {
	if !e.enter("Tune") {
		return false
	}
	defer e.leave()

	e.auto = false
	return e.tune(t)
}

func (e *Engine) tune(t transponder.Transponder) bool {
	if e.state == Released {
		log.Errorf("internal error: tune on released device %s", e.device.DeviceID())
		return false
	}
	if err := t.Validate(); err != nil {
		log.Warnf("not tuning %s: %v", e.device.DeviceID(), err)
		return false
	}
	if !e.device.TransmissionTypes().Supports(t.Type()) {
		log.Warnf("device %s cannot receive %s transponders", e.device.DeviceID(), t.Type())
		return false
	}

	e.transponder = t
	log.WithField("device", e.device.DeviceID()).Printf("tune %s", t)

	if t.Type().IsSatellite() {
		return e.tuneSatellite(t)
	}

	if !e.device.Tune(t) {
		log.Warnf("device %s refused %s", e.device.DeviceID(), t)
		e.auto = false
		e.setState(Idle)
		return false
	}
	e.startPolling(e.config.Timeout, Tuning)
	return true
}

func (e *Engine) startPolling(timeout int, state State) {
	if e.owner != nil {
		e.owner.DiscardBuffers()
	}
	e.timeout = timeout
	if e.state == state {
		// a retune restarts the state
		e.state = Idle
	}
	e.setState(state)
}

// FrontendEvent checks the lock, called every PollInterval while Polling
func (e *Engine) FrontendEvent() {
	if !e.enter("FrontendEvent") {
		return
	}
	defer e.leave()

	if !e.Polling() {
		return
	}

	if e.device.IsTuned() {
		if e.auto {
			log.Printf("auto tune locked %s", e.transponder)
			e.auto = false
		}
		e.setState(Tuned)
		return
	}

	e.timeout -= pollStep
	if e.timeout > 0 {
		return
	}

	if !e.auto {
		log.WithField("device", e.device.DeviceID()).Printf("no lock on %s", e.transponder)
		e.setState(Idle)
		return
	}
	e.nextAutoParameters()
}
