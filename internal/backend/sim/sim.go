// Package sim is a tuner device without hardware. Once tuned it replays a
// transport stream file, passing only the PIDs with an enabled filter, and
// answers CA requests with an emulated module.
package sim

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Comcast/gots/v2/packet"
	"github.com/sirupsen/logrus"

	"dvbserver/internal/backend"
	"dvbserver/internal/cam"
	"dvbserver/internal/transponder"
)

var log = logrus.WithField("component", "sim")

const syncByte = 0x47

// Config describes a simulated device
type Config struct {
	Name string
	// TS file replayed while tuned, empty streams nothing
	Source string
	Types  []transponder.Type
	Caps   backend.Capabilities
	// delay between two buffers, 0 replays as fast as consumed
	Interval time.Duration
	// emulated CA module, nil for none
	Cam *cam.Emulator
	// decides whether a transponder locks, nil locks everything
	Lock func(t transponder.Transponder) bool
	// reported signal strength and SNR
	Signal int
	SNR    int
}

// Device implements backend.Device
type Device struct {
	config Config

	frontend backend.Frontend
	ca       *cam.Cam

	acquired bool
	tuned    transponder.Transponder
	locked   bool

	// SEC and tune commands in order, for inspection
	commands []string

	// PIDs read by the replay goroutine
	mutex sync.Mutex
	pids  map[int]bool

	stop chan struct{}
	done chan struct{}
}

// New creates a released device
func New(config Config) *Device {
	d := new(Device)
	d.config = config
	d.pids = make(map[int]bool)
	return d
}

func (d *Device) record(format string, args ...interface{}) {
	d.commands = append(d.commands, fmt.Sprintf(format, args...))
}

// Commands returns the SEC and tune commands received so far
func (d *Device) Commands() []string {
	return append([]string(nil), d.commands...)
}

func (d *Device) DeviceID() string     { return "sim:" + d.config.Name }
func (d *Device) FrontendName() string { return "simulated frontend " + d.config.Name }

func (d *Device) TransmissionTypes() backend.TransmissionTypes {
	var types backend.TransmissionTypes
	for _, t := range d.config.Types {
		types |= backend.TypeMask(t)
	}
	return types
}

func (d *Device) Capabilities() backend.Capabilities {
	return d.config.Caps
}

func (d *Device) SetFrontend(f backend.Frontend) {
	d.frontend = f
}

func (d *Device) Acquire() bool {
	if d.acquired || d.frontend == nil {
		return false
	}
	d.acquired = true

	if d.config.Cam != nil {
		d.ca = cam.New(d.frontend.Post)
		d.ca.Open(d.config.Cam)
	}
	log.Printf("%s acquired", d.DeviceID())
	return true
}

func (d *Device) Release() {
	if !d.acquired {
		return
	}
	d.stopReplay()
	if d.ca != nil {
		d.ca.Close()
		d.ca = nil
	}

	d.mutex.Lock()
	d.pids = make(map[int]bool)
	d.mutex.Unlock()

	d.tuned = nil
	d.locked = false
	d.acquired = false
	log.Printf("%s released", d.DeviceID())
}

func (d *Device) Tune(t transponder.Transponder) bool {
	if !d.acquired {
		return false
	}
	d.record("tune %s", t)
	d.stopReplay()

	d.tuned = t
	d.locked = d.config.Lock == nil || d.config.Lock(t)
	if d.locked && d.config.Source != "" {
		d.startReplay()
	}
	return true
}

func (d *Device) Props() transponder.Transponder {
	if !d.locked {
		return nil
	}
	return d.tuned
}

func (d *Device) IsTuned() bool {
	return d.locked
}

func (d *Device) Signal() int {
	if !d.locked {
		return 0
	}
	return d.config.Signal
}

func (d *Device) SNR() int {
	if !d.locked {
		return 0
	}
	return d.config.SNR
}

func (d *Device) AddPidFilter(pid int) bool {
	if !d.acquired || pid < 0 || pid > 0x1fff {
		return false
	}
	d.mutex.Lock()
	d.pids[pid] = true
	d.mutex.Unlock()
	return true
}

func (d *Device) RemovePidFilter(pid int) {
	d.mutex.Lock()
	delete(d.pids, pid)
	d.mutex.Unlock()
}

func (d *Device) StartDescrambling(pmt []byte) bool {
	if d.ca == nil {
		return false
	}
	if err := d.ca.StartDescrambling(pmt); err != nil {
		log.Warnf("%s: %v", d.DeviceID(), err)
		return false
	}
	return true
}

func (d *Device) StopDescrambling(serviceID int) {
	if d.ca != nil {
		d.ca.StopDescrambling(serviceID)
	}
}

// CamStatus returns the state of the emulated module
func (d *Device) CamStatus() (cam.Status, bool) {
	if d.ca == nil {
		return cam.Status{}, false
	}
	return d.ca.Status(), true
}

func (d *Device) SetHighVoltage(high bool) bool {
	d.record("high voltage %v", high)
	return true
}

func (d *Device) SetVoltage(v backend.Voltage) bool {
	d.record("voltage %s", v)
	return true
}

func (d *Device) SetTone(t backend.Tone) bool {
	if t == backend.ToneOn {
		d.record("tone on")
	} else {
		d.record("tone off")
	}
	return true
}

func (d *Device) SendMessage(msg []byte) bool {
	d.record("diseqc % x", msg)
	return true
}

func (d *Device) SendBurst(b backend.Burst) bool {
	if b == backend.BurstA {
		d.record("burst A")
	} else {
		d.record("burst B")
	}
	return true
}

func (d *Device) startReplay() {
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.replay(d.config.Source, d.stop, d.done)
}

// stop the replay goroutine and wait until it is gone
func (d *Device) stopReplay() {
	if d.stop == nil {
		return
	}
	close(d.stop)
	<-d.done
	d.stop = nil
	d.done = nil
}

func (d *Device) wanted(pid int) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.pids[pid]
}

// replay loops over the source file until stopped
func (d *Device) replay(source string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	file, err := os.Open(source)
	if err != nil {
		log.Errorf("cannot open %s: %v", source, err)
		return
	}
	defer file.Close()

	var ticker <-chan time.Time
	if d.config.Interval > 0 {
		t := time.NewTicker(d.config.Interval)
		defer t.Stop()
		ticker = t.C
	}

	reader := bufio.NewReaderSize(file, 64*1024)
	var pkt packet.Packet

	for {
		select {
		case <-stop:
			return
		default:
		}

		buf := d.frontend.GetBuffer()
		size := 0
		for size+packet.PacketSize <= len(buf) {
			err := readPacket(reader, &pkt)
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				if _, err := file.Seek(0, io.SeekStart); err != nil {
					log.Errorf("cannot rewind %s: %v", source, err)
					d.frontend.WriteBuffer(buf, 0)
					return
				}
				reader.Reset(file)
				break
			}
			if err != nil {
				log.Errorf("reading %s: %v", source, err)
				d.frontend.WriteBuffer(buf, 0)
				return
			}
			if !d.wanted(pkt.PID()) {
				continue
			}
			copy(buf[size:], pkt[:])
			size += packet.PacketSize
		}
		d.frontend.WriteBuffer(buf, size)

		wait := ticker
		// nothing wanted in a whole pass, avoid spinning
		if wait == nil && size == 0 {
			wait = time.After(10 * time.Millisecond)
		}
		if wait != nil {
			select {
			case <-stop:
				return
			case <-wait:
			}
		}
	}
}

// read the next packet, skipping data up to a sync byte when the source is
// not aligned on packets
func readPacket(reader *bufio.Reader, pkt *packet.Packet) error {
	if _, err := io.ReadFull(reader, pkt[:]); err != nil {
		return err
	}
	for pkt[0] != syncByte {
		i := bytes.IndexByte(pkt[1:], syncByte) + 1
		if i == 0 {
			if _, err := io.ReadFull(reader, pkt[:]); err != nil {
				return err
			}
			continue
		}
		n := copy(pkt[:], pkt[i:])
		if _, err := io.ReadFull(reader, pkt[n:]); err != nil {
			return err
		}
	}
	return nil
}
