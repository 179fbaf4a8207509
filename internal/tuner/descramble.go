package tuner

import (
	"fmt"

	"github.com/Comcast/gots/v2/psi"
)

const (
	patPid       = 0x0000
	patTableID   = 0x00
	pmtTableID   = 0x02
	noVersion    = -1
	maxServiceID = 0xffff
)

// section version number, -1 for malformed sections
func sectionVersion(section []byte) int {
	if len(section) < 8 {
		return noVersion
	}
	return int(section[5]>>1) & 0x1f
}

// patWatcher follows the program association table and starts a PMT watcher
// for every descrambled service once its PMT PID is known
type patWatcher struct {
	t       *Tuner
	version int
	// program number to PMT PID of the current table
	programs map[int]int
}

func (w *patWatcher) ProcessSection(section []byte) {
	if len(section) == 0 || section[0] != patTableID {
		return
	}
	version := sectionVersion(section)
	if version == w.version {
		return
	}

	// the table parser expects a payload starting with the pointer field
	pat, err := psi.NewPAT(append([]byte{0}, section...))
	if err != nil {
		log.WithField("tuner", w.t.name).Debugf("bad PAT: %v", err)
		return
	}
	w.version = version
	w.programs = pat.ProgramMap()
	log.WithField("tuner", w.t.name).Debugf("PAT version %d, %d programs", version, len(w.programs))

	for id, s := range w.t.services {
		s.follow(w.programs[id])
	}
}

// pmtWatcher sends the PMT of one service to the CA module every time its
// version changes
type pmtWatcher struct {
	t         *Tuner
	serviceID int
	pid       int
	version   int
}

// follow moves the watcher to the PMT PID of its service, 0 when the service
// is not in the PAT
func (w *pmtWatcher) follow(pid int) {
	if pid == w.pid {
		return
	}
	if w.pid != 0 {
		w.t.registry.RemoveSectionFilter(w.pid, w)
	}
	w.pid = 0
	w.version = noVersion
	if pid == 0 {
		return
	}
	if err := w.t.registry.AddSectionFilter(pid, w); err != nil {
		log.WithField("tuner", w.t.name).Warnf("service %d: %v", w.serviceID, err)
		return
	}
	w.pid = pid
}

func (w *pmtWatcher) ProcessSection(section []byte) {
	if len(section) < 5 || section[0] != pmtTableID {
		return
	}
	if int(section[3])<<8|int(section[4]) != w.serviceID {
		return
	}
	version := sectionVersion(section)
	if version == w.version {
		return
	}
	if pmt, err := psi.NewPMT(append([]byte{0}, section...)); err == nil {
		log.WithField("tuner", w.t.name).Debugf("service %d PMT version %d, %d streams",
			w.serviceID, version, len(pmt.ElementaryStreams()))
	}
	if !w.t.device.StartDescrambling(section) {
		log.WithField("tuner", w.t.name).Warnf("service %d cannot be descrambled", w.serviceID)
	}
	w.version = version
}

// StartDescrambling descrambles serviceID on the current and later
// transponders until StopDescrambling
func (t *Tuner) StartDescrambling(serviceID int) (err error) {
	if serviceID <= 0 || serviceID > maxServiceID {
		return fmt.Errorf("tuner: invalid service id %d", serviceID)
	}
	if callErr := t.call(func() { err = t.startDescrambling(serviceID) }); callErr != nil {
		return callErr
	}
	return err
}

func (t *Tuner) startDescrambling(serviceID int) error {
	if _, ok := t.services[serviceID]; ok {
		return nil
	}

	if t.pat == nil {
		pat := &patWatcher{t: t, version: noVersion}
		if err := t.registry.AddSectionFilter(patPid, pat); err != nil {
			return err
		}
		t.pat = pat
	}

	s := &pmtWatcher{t: t, serviceID: serviceID, version: noVersion}
	t.services[serviceID] = s
	s.follow(t.pat.programs[serviceID])
	return nil
}

// StopDescrambling withdraws serviceID from the CA module
func (t *Tuner) StopDescrambling(serviceID int) error {
	return t.call(func() { t.stopDescrambling(serviceID) })
}

func (t *Tuner) stopDescrambling(serviceID int) {
	s, ok := t.services[serviceID]
	if !ok {
		return
	}
	s.follow(0)
	delete(t.services, serviceID)
	t.device.StopDescrambling(serviceID)

	if len(t.services) == 0 && t.pat != nil {
		t.registry.RemoveSectionFilter(patPid, t.pat)
		t.pat = nil
	}
}

func (t *Tuner) stopAllDescrambling() {
	for id := range t.services {
		t.stopDescrambling(id)
	}
}

// a new transponder carries new tables
func (t *Tuner) resendPmts() {
	if t.pat == nil {
		return
	}
	t.pat.version = noVersion
	t.pat.programs = nil
	for _, s := range t.services {
		s.follow(0)
	}
}
