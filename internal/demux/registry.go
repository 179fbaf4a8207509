package demux

import (
	"fmt"
	"sort"

	"github.com/Comcast/gots/v2/packet"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "demux")

// PidConsumer receives raw 188 byte transport packets
type PidConsumer interface {
	ProcessData(pkt []byte)
}

// SectionConsumer receives sections whose CRC is valid or tolerated
type SectionConsumer interface {
	ProcessSection(section []byte)
}

// Hardware enables and disables the device side PID filters
type Hardware interface {
	// true if the filter could be enabled
	AddPidFilter(pid int) bool
	RemovePidFilter(pid int)
}

// Stats counts what went through the demultiplexer
type Stats struct {
	Packets         uint64
	ErrorPackets    uint64
	Duplicates      uint64
	Discontinuities uint64
	Sections        uint64
	CrcSuppressed   uint64
	CrcTolerated    uint64
}

// a removed consumer, keeps list indices stable during dispatch
type noopConsumer struct{}

func (noopConsumer) ProcessData([]byte)    {}
func (noopConsumer) ProcessSection([]byte) {}

var sentinel noopConsumer

type pidFilter struct {
	consumers []PidConsumer
	active    int
}

// a section filter is itself one consumer of its PID
type sectionFilter struct {
	pid         int
	reassembler *SectionReassembler
	consumers   []SectionConsumer
	active      int
}

func (f *sectionFilter) ProcessData(pkt []byte) {
	f.reassembler.ProcessData(pkt)
}

func (f *sectionFilter) processSection(section []byte) {
	for i := 0; i < len(f.consumers); i++ {
		f.consumers[i].ProcessSection(section)
	}
}

// Registry maps PIDs to the consumers interested in them. It must only be used
// from the goroutine that dispatches packets; the only cross goroutine entry
// point is the post function used to schedule the cleanup pass.
type Registry struct {
	hw   Hardware
	post func(func())

	pidFilters     map[int]*pidFilter
	sectionFilters map[int]*sectionFilter

	cleanupScheduled bool
	busy             bool

	stats Stats
}

// NewRegistry creates a registry driving hw. post schedules a function to run
// later on the dispatching goroutine.
func NewRegistry(hw Hardware, post func(func())) *Registry {
	r := new(Registry)
	r.hw = hw
	r.post = post
	r.pidFilters = make(map[int]*pidFilter)
	r.sectionFilters = make(map[int]*sectionFilter)
	return r
}

func (r *Registry) enter(op string) bool {
	if r.busy {
		log.Errorf("internal error: recursive call to %s", op)
		return false
	}
	r.busy = true
	return true
}

func (r *Registry) leave() {
	r.busy = false
}

// AddPidFilter subscribes consumer to the packets of pid, enabling the
// hardware filter for the first subscriber
func (r *Registry) AddPidFilter(pid int, consumer PidConsumer) error {
	if !r.enter("AddPidFilter") {
		return fmt.Errorf("demux: recursive call")
	}
	defer r.leave()

	return r.addPidFilter(pid, consumer)
}

func (r *Registry) addPidFilter(pid int, consumer PidConsumer) error {
	if pid < 0 || pid > 0x1fff {
		return fmt.Errorf("demux: invalid pid %d", pid)
	}

	f := r.pidFilters[pid]
	if f == nil {
		f = new(pidFilter)
		r.pidFilters[pid] = f
	}

	for _, c := range f.consumers {
		if c == consumer {
			log.Warnf("pid filter for pid %d already registered", pid)
			return nil
		}
	}

	if f.active == 0 {
		if !r.hw.AddPidFilter(pid) {
			r.scheduleCleanup()
			return fmt.Errorf("demux: cannot enable hardware filter for pid %d", pid)
		}
	}

	f.consumers = append(f.consumers, consumer)
	f.active++
	return nil
}

// RemovePidFilter unsubscribes consumer, the hardware filter is disabled once
// no consumer is left
func (r *Registry) RemovePidFilter(pid int, consumer PidConsumer) {
	if !r.enter("RemovePidFilter") {
		return
	}
	defer r.leave()

	r.removePidFilter(pid, consumer)
}

func (r *Registry) removePidFilter(pid int, consumer PidConsumer) {
	f := r.pidFilters[pid]
	if f == nil {
		log.Errorf("internal error: no pid filter for pid %d", pid)
		return
	}

	index := -1
	for i, c := range f.consumers {
		if c == consumer {
			index = i
			break
		}
	}
	if index < 0 {
		log.Errorf("internal error: consumer not registered for pid %d", pid)
		return
	}

	f.consumers[index] = sentinel
	f.active--
	if f.active == 0 {
		r.hw.RemovePidFilter(pid)
	}
	r.scheduleCleanup()
}

// AddSectionFilter subscribes consumer to the sections carried on pid
func (r *Registry) AddSectionFilter(pid int, consumer SectionConsumer) error {
	if !r.enter("AddSectionFilter") {
		return fmt.Errorf("demux: recursive call")
	}
	defer r.leave()

	f := r.sectionFilters[pid]
	if f == nil {
		f = &sectionFilter{pid: pid}
		f.reassembler = NewSectionReassembler(f.processSection, &r.stats)
		r.sectionFilters[pid] = f
	}

	for _, c := range f.consumers {
		if c == consumer {
			log.Warnf("section filter for pid %d already registered", pid)
			return nil
		}
	}

	if f.active == 0 {
		f.reassembler.Reset()
		if err := r.addPidFilter(pid, f); err != nil {
			r.scheduleCleanup()
			return err
		}
	}

	f.consumers = append(f.consumers, consumer)
	f.active++
	return nil
}

// RemoveSectionFilter unsubscribes a section consumer
func (r *Registry) RemoveSectionFilter(pid int, consumer SectionConsumer) {
	if !r.enter("RemoveSectionFilter") {
		return
	}
	defer r.leave()

	f := r.sectionFilters[pid]
	if f == nil {
		log.Errorf("internal error: no section filter for pid %d", pid)
		return
	}

	index := -1
	for i, c := range f.consumers {
		if c == consumer {
			index = i
			break
		}
	}
	if index < 0 {
		log.Errorf("internal error: section consumer not registered for pid %d", pid)
		return
	}

	f.consumers[index] = sentinel
	f.active--
	if f.active == 0 {
		r.removePidFilter(pid, f)
	}
	r.scheduleCleanup()
}

func (r *Registry) scheduleCleanup() {
	if r.cleanupScheduled {
		return
	}
	r.cleanupScheduled = true
	r.post(r.Cleanup)
}

// Cleanup compacts the consumer lists and drops unused filters. It runs
// outside of dispatch so that lists never shrink while being iterated.
func (r *Registry) Cleanup() {
	if !r.enter("Cleanup") {
		return
	}
	defer r.leave()

	r.cleanupScheduled = false

	for pid, f := range r.sectionFilters {
		if f.active == 0 {
			delete(r.sectionFilters, pid)
			continue
		}
		f.consumers = compact(f.consumers)
	}

	for pid, f := range r.pidFilters {
		if f.active == 0 {
			delete(r.pidFilters, pid)
			continue
		}
		f.consumers = compact(f.consumers)
	}
}

func compact[T comparable](consumers []T) []T {
	n := 0
	for _, c := range consumers {
		if any(c) != any(sentinel) {
			consumers[n] = c
			n++
		}
	}
	var zero T
	for i := n; i < len(consumers); i++ {
		consumers[i] = zero
	}
	return consumers[:n]
}

// Dispatch hands one transport packet to every consumer of its PID, packets
// flagged with a transport error are dropped
func (r *Registry) Dispatch(data []byte) {
	if len(data) != packet.PacketSize {
		return
	}
	pkt := (*packet.Packet)(data)

	r.stats.Packets++
	if pkt.TransportErrorIndicator() {
		r.stats.ErrorPackets++
		return
	}

	f := r.pidFilters[pkt.PID()]
	if f == nil {
		return
	}

	// consumers may be replaced by the sentinel while we iterate
	for i := 0; i < len(f.consumers); i++ {
		f.consumers[i].ProcessData(data)
	}
}

// Active returns the number of live consumers of pid
func (r *Registry) Active(pid int) int {
	if f := r.pidFilters[pid]; f != nil {
		return f.active
	}
	return 0
}

// Pids returns the PIDs with live consumers in ascending order
func (r *Registry) Pids() []int {
	pids := make([]int, 0, len(r.pidFilters))
	for pid, f := range r.pidFilters {
		if f.active > 0 {
			pids = append(pids, pid)
		}
	}
	sort.Ints(pids)
	return pids
}

// RestoreHardware enables the hardware filters again after the device was
// reopened, it returns the PIDs that could not be enabled
func (r *Registry) RestoreHardware() []int {
	var failed []int
	for _, pid := range r.Pids() {
		if !r.hw.AddPidFilter(pid) {
			log.Warnf("cannot restore hardware filter for pid %d", pid)
			failed = append(failed, pid)
		}
	}
	return failed
}

// Stats returns a copy of the counters
func (r *Registry) Stats() Stats {
	return r.stats
}
