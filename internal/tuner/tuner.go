// Package tuner runs one tuner device: a single control goroutine owns the
// tuning engine, the PID filter registry and the descrambling watchers, the
// device I/O goroutine only touches the data channel.
package tuner

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dvbserver/internal/backend"
	"dvbserver/internal/cam"
	"dvbserver/internal/config"
	"dvbserver/internal/demux"
	"dvbserver/internal/transponder"
	"dvbserver/internal/tuning"
)

var log = logrus.WithField("component", "tuner")

// ErrStopped is returned by calls made after Run returned
var ErrStopped = errors.New("tuner: stopped")

// camReporter is implemented by devices with a CA module
type camReporter interface {
	CamStatus() (cam.Status, bool)
}

// Status is a snapshot of a tuner
type Status struct {
	Name         string      `json:"name"`
	DeviceID     string      `json:"device"`
	Frontend     string      `json:"frontend"`
	Types        []string    `json:"types"`
	State        string      `json:"state"`
	Transponder  string      `json:"transponder,omitempty"`
	Locked       string      `json:"locked,omitempty"`
	Signal       int         `json:"signal"`
	SNR          int         `json:"snr"`
	Pids         []int       `json:"pids"`
	Descrambling []int       `json:"descrambling"`
	Demux        demux.Stats `json:"demux"`
	Cam          *cam.Status `json:"cam,omitempty"`
}

// Tuner is the control context of one device
type Tuner struct {
	name   string
	device backend.Device

	engine   *tuning.Engine
	registry *demux.Registry
	channel  *demux.DataChannel

	// functions posted to the control goroutine
	mutex  sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed chan struct{}

	// state change subscribers, called on the control goroutine
	listeners []func(tuning.State)

	// descrambling by service id
	pat      *patWatcher
	services map[int]*pmtWatcher
}

// New creates the control context of device, Run must be started before
// any other call returns
func New(name string, device backend.Device) *Tuner {
	t := new(Tuner)
	t.name = name
	t.device = device
	t.wake = make(chan struct{}, 1)
	t.closed = make(chan struct{})
	t.channel = demux.NewDataChannel()
	t.registry = demux.NewRegistry(device, t.Post)
	t.engine = tuning.New(device, t)
	t.services = make(map[int]*pmtWatcher)
	device.SetFrontend(t)
	return t
}

// Name returns the configured tuner name
func (t *Tuner) Name() string {
	return t.name
}

// Device returns the backend device
func (t *Tuner) Device() backend.Device {
	return t.device
}

// GetBuffer implements backend.Frontend
func (t *Tuner) GetBuffer() []byte {
	return t.channel.GetBuffer()
}

// WriteBuffer implements backend.Frontend
func (t *Tuner) WriteBuffer(buf []byte, size int) {
	t.channel.WriteBuffer(buf, size)
}

// Post runs fn on the control goroutine, it never blocks
func (t *Tuner) Post(fn func()) {
	t.mutex.Lock()
	t.queue = append(t.queue, fn)
	t.mutex.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Tuner) runPosted() {
	t.mutex.Lock()
	queue := t.queue
	t.queue = nil
	t.mutex.Unlock()

	for _, fn := range queue {
		fn()
	}
}

// Run is the control goroutine, it returns when ctx is done after releasing
// the device
func (t *Tuner) Run(ctx context.Context) error {
	ticker := time.NewTicker(tuning.PollInterval)
	defer ticker.Stop()

	defer close(t.closed)
	defer t.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.wake:
			t.runPosted()
		case <-t.channel.Ready():
			t.channel.Drain(t.registry.Dispatch)
		case <-ticker.C:
			if t.engine.Polling() {
				t.engine.FrontendEvent()
			}
		}
	}
}

func (t *Tuner) shutdown() {
	t.stopAllDescrambling()
	t.engine.Release()
	// posted work may wait for an answer
	t.runPosted()
}

// call runs fn on the control goroutine and waits for it
func (t *Tuner) call(fn func()) error {
	done := make(chan struct{})
	t.Post(func() {
		fn()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-t.closed:
		// fn may have run during shutdown
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// StateChanged implements tuning.Owner
func (t *Tuner) StateChanged(state tuning.State) {
	log.WithField("tuner", t.name).Debugf("state %s", state)
	if state == tuning.Tuning || state == tuning.RotorMoving {
		t.resendPmts()
	}
	for _, fn := range t.listeners {
		fn(state)
	}
}

// DiscardBuffers implements tuning.Owner
func (t *Tuner) DiscardBuffers() {
	t.channel.Discard()
}

// OnStateChange registers fn to be called on the control goroutine after
// every state transition
func (t *Tuner) OnStateChange(fn func(tuning.State)) error {
	return t.call(func() { t.listeners = append(t.listeners, fn) })
}

// Acquire opens the device with cfg
func (t *Tuner) Acquire(cfg config.DeviceConfig) (ok bool, err error) {
	err = t.call(func() {
		ok = t.engine.Acquire(cfg)
		if ok {
			t.registry.RestoreHardware()
		}
	})
	return ok, err
}

// Release closes the device, PID filters stay registered
func (t *Tuner) Release() error {
	return t.call(func() {
		t.stopAllDescrambling()
		t.engine.Release()
	})
}

// Tune starts tuning tp
func (t *Tuner) Tune(tp transponder.Transponder) (ok bool, err error) {
	err = t.call(func() { ok = t.engine.Tune(tp) })
	return ok, err
}

// AutoTune starts tuning a DVB-T transponder with AUTO parameters
func (t *Tuner) AutoTune(tp transponder.Transponder) (ok bool, err error) {
	err = t.call(func() { ok = t.engine.AutoTune(tp) })
	return ok, err
}

// Stop abandons the current transponder
func (t *Tuner) Stop() error {
	return t.call(t.engine.Stop)
}

// State returns the tuning state
func (t *Tuner) State() (state tuning.State, err error) {
	err = t.call(func() { state = t.engine.State() })
	return state, err
}

// Transponder returns the transponder of the last tune request
func (t *Tuner) Transponder() (tp transponder.Transponder, err error) {
	err = t.call(func() { tp = t.engine.Transponder() })
	return tp, err
}

// AddPidFilter subscribes consumer to pid, ProcessData is called on the
// control goroutine
func (t *Tuner) AddPidFilter(pid int, consumer demux.PidConsumer) (err error) {
	if callErr := t.call(func() { err = t.registry.AddPidFilter(pid, consumer) }); callErr != nil {
		return callErr
	}
	return err
}

// RemovePidFilter unsubscribes consumer from pid
func (t *Tuner) RemovePidFilter(pid int, consumer demux.PidConsumer) error {
	return t.call(func() { t.registry.RemovePidFilter(pid, consumer) })
}

// AddSectionFilter subscribes consumer to the sections of pid
func (t *Tuner) AddSectionFilter(pid int, consumer demux.SectionConsumer) (err error) {
	if callErr := t.call(func() { err = t.registry.AddSectionFilter(pid, consumer) }); callErr != nil {
		return callErr
	}
	return err
}

// RemoveSectionFilter unsubscribes consumer from the sections of pid
func (t *Tuner) RemoveSectionFilter(pid int, consumer demux.SectionConsumer) error {
	return t.call(func() { t.registry.RemoveSectionFilter(pid, consumer) })
}

// Status returns a snapshot of the tuner
func (t *Tuner) Status() (status Status, err error) {
	err = t.call(func() { status = t.status() })
	return status, err
}

func (t *Tuner) status() Status {
	s := Status{
		Name:     t.name,
		DeviceID: t.device.DeviceID(),
		Frontend: t.device.FrontendName(),
		State:    t.engine.State().String(),
		Signal:   -1,
		SNR:      -1,
		Pids:     t.registry.Pids(),
		Demux:    t.registry.Stats(),
	}

	types := t.device.TransmissionTypes()
	for tt := transponder.TypeDvbC; tt <= transponder.TypeIsdbT; tt++ {
		if types.Supports(tt) {
			s.Types = append(s.Types, tt.String())
		}
	}

	if tp := t.engine.Transponder(); tp != nil {
		s.Transponder = tp.String()
	}
	if t.engine.State() == tuning.Tuned {
		s.Signal = t.device.Signal()
		s.SNR = t.device.SNR()
		if props := t.device.Props(); props != nil {
			s.Locked = props.String()
		}
	}

	for id := range t.services {
		s.Descrambling = append(s.Descrambling, id)
	}
	sort.Ints(s.Descrambling)

	if reporter, ok := t.device.(camReporter); ok {
		if camStatus, ok := reporter.CamStatus(); ok {
			s.Cam = &camStatus
		}
	}
	return s
}
