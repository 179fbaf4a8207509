package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"dvbserver/internal/backend"
	"dvbserver/internal/config"
	"dvbserver/internal/transponder"
	"dvbserver/internal/tuner"
	"dvbserver/internal/tuning"
)

// time out to check if a client is still using a leased tuner
const tickTime time.Duration = time.Second

// extra ticks granted while the first client connects
const startTimeout int = 15

var errNoTuner = errors.New("no free tuner")

// ManagedTuner is a tuner with its configuration and lease
type ManagedTuner struct {
	*tuner.Tuner
	config config.DeviceConfig
	types  backend.TransmissionTypes

	// guarded by the manager mutex
	lease   string
	timeout int
	clients int
}

// TunerManager owns the tuners of the server. Tuners are either driven
// directly through the HTTP API or leased to a channel, a lease ends when no
// stream client was attached for a number of ticks.
type TunerManager struct {
	Name string

	mutex        sync.Mutex
	tuners       []*ManagedTuner
	leaseTimeout int
}

func NewTunerManager(name string, leaseTimeout int) *TunerManager {
	tm := new(TunerManager)
	tm.Name = name
	tm.leaseTimeout = leaseTimeout
	return tm
}

// AttachTuners opens every configured device
func (tm *TunerManager) AttachTuners(devices []config.Device) error {
	for _, d := range devices {
		device, err := openDevice(d)
		if err != nil {
			return err
		}
		tm.AttachTuner(d.Name, device, d.Tuning)
	}
	return nil
}

// AttachTuner adds a device, it is driven once Run is started
func (tm *TunerManager) AttachTuner(name string, device backend.Device, cfg config.DeviceConfig) *ManagedTuner {
	t := &ManagedTuner{
		Tuner:  tuner.New(name, device),
		config: cfg,
		types:  device.TransmissionTypes(),
	}

	tm.mutex.Lock()
	tm.tuners = append(tm.tuners, t)
	tm.mutex.Unlock()
	log.Printf("attached tuner %s (%s)", name, device.FrontendName())
	return t
}

// Run drives every tuner and the lease timeouts until ctx is done
func (tm *TunerManager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range tm.Tuners() {
		t := t
		g.Go(func() error { return t.Run(ctx) })
	}
	g.Go(func() error {
		tm.RunTimeOut(ctx)
		return nil
	})
	return g.Wait()
}

// RunTimeOut releases the leased tuners nobody listens to
func (tm *TunerManager) RunTimeOut(ctx context.Context) {
	ticker := time.NewTicker(tickTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tm.tick()
		}
	}
}

func (tm *TunerManager) tick() {
	var expired []*ManagedTuner

	tm.mutex.Lock()
	for _, t := range tm.tuners {
		if t.lease == "" || t.clients > 0 {
			continue
		}
		t.timeout--
		if t.timeout > 0 {
			continue
		}
		log.Printf("releasing tuner %s leased to %s after timeout", t.Name(), t.lease)
		t.lease = ""
		expired = append(expired, t)
	}
	tm.mutex.Unlock()

	// tuner calls block on their control goroutine
	for _, t := range expired {
		if err := t.Release(); err != nil {
			log.Warnf("release %s: %v", t.Name(), err)
		}
	}
}

// Tuners returns the attached tuners in configuration order
func (tm *TunerManager) Tuners() []*ManagedTuner {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()
	return append([]*ManagedTuner(nil), tm.tuners...)
}

// Tuner finds a tuner by name, nil if unknown
func (tm *TunerManager) Tuner(name string) *ManagedTuner {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()
	for _, t := range tm.tuners {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// Lease returns the name of the channel a tuner is leased to
func (tm *TunerManager) Lease(t *ManagedTuner) (lease string, clients int) {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()
	return t.lease, t.clients
}

// acquire t with its configuration unless it is already acquired
func acquire(t *ManagedTuner) error {
	state, err := t.State()
	if err != nil {
		return err
	}
	if state != tuning.Released {
		return nil
	}
	ok, err := t.Acquire(t.config)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("tuner %s cannot be acquired", t.Name())
	}
	return nil
}

// Acquire takes t for direct use, ending its lease
func (tm *TunerManager) Acquire(t *ManagedTuner) error {
	tm.mutex.Lock()
	t.lease = ""
	tm.mutex.Unlock()
	return acquire(t)
}

// Release gives t back, ending its lease
func (tm *TunerManager) Release(t *ManagedTuner) error {
	tm.mutex.Lock()
	t.lease = ""
	tm.mutex.Unlock()
	return t.Release()
}

// Allocate leases a tuner able to receive tt to the channel named key. A
// tuner already leased to key is returned again with fresh false.
func (tm *TunerManager) Allocate(key string, tt transponder.Type) (*ManagedTuner, bool, error) {
	tm.mutex.Lock()
	var candidates []*ManagedTuner
	for _, t := range tm.tuners {
		if t.lease == key {
			if t.clients == 0 {
				t.timeout = startTimeout
			}
			tm.mutex.Unlock()
			return t, false, nil
		}
		if t.lease == "" && t.types.Supports(tt) {
			candidates = append(candidates, t)
		}
	}
	tm.mutex.Unlock()

	for _, t := range candidates {
		if !tm.reserve(t, key) {
			continue
		}
		// tuners driven directly are not taken away
		if state, err := t.State(); err != nil || state != tuning.Released {
			tm.unreserve(t, key)
			continue
		}
		if err := acquire(t); err != nil {
			log.Warnf("%v", err)
			tm.unreserve(t, key)
			continue
		}
		log.Printf("tuner %s leased to %s", t.Name(), key)
		return t, true, nil
	}
	return nil, false, errNoTuner
}

// take t for key unless someone else leased it meanwhile
func (tm *TunerManager) reserve(t *ManagedTuner, key string) bool {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()
	if t.lease != "" {
		return false
	}
	t.lease = key
	t.timeout = startTimeout
	t.clients = 0
	return true
}

func (tm *TunerManager) unreserve(t *ManagedTuner, key string) {
	tm.mutex.Lock()
	if t.lease == key {
		t.lease = ""
	}
	tm.mutex.Unlock()
}

// Attach counts a stream client of t
func (tm *TunerManager) Attach(t *ManagedTuner) {
	tm.mutex.Lock()
	t.clients++
	tm.mutex.Unlock()
}

// Detach forgets a stream client of t, the lease timeout starts over
func (tm *TunerManager) Detach(t *ManagedTuner) {
	tm.mutex.Lock()
	t.clients--
	t.timeout = tm.leaseTimeout
	tm.mutex.Unlock()
}
