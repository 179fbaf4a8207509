//go:build linux

// Package linuxdvb drives a tuner through the Linux DVB API
// (/dev/dvb/adapterN/{frontend,demux,dvr,ca}M).
package linuxdvb

import (
	"bytes"
	"fmt"
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"dvbserver/internal/backend"
	"dvbserver/internal/cam"
	"dvbserver/internal/transponder"
)

var log = logrus.WithField("component", "linuxdvb")

// kernel buffer of the DVR device
const dvrBufferSize = 4 * 1024 * 1024

// Device implements backend.Device on one adapter frontend
type Device struct {
	adapter  int
	frontend int

	log *logrus.Entry

	info  frontendInfo
	types backend.TransmissionTypes

	owner backend.Frontend

	frontendFd int
	dvrFd      int
	// one demux file per hardware PID filter
	demuxFds map[int]int

	ca *cam.Cam

	tuned transponder.Transponder
	dvr   *dvrReader
}

// Open reads the frontend identification of /dev/dvb/adapterN/frontendM,
// the device is opened for tuning by Acquire
func Open(adapter, frontend int) (*Device, error) {
	d := new(Device)
	d.adapter = adapter
	d.frontend = frontend
	d.frontendFd = -1
	d.dvrFd = -1
	d.demuxFds = make(map[int]int)
	d.log = log.WithFields(logrus.Fields{"adapter": adapter, "frontend": frontend})

	fd, err := unix.Open(d.path("frontend"), unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", d.path("frontend"))
	}
	defer unix.Close(fd)

	if err := ioctlPtr(fd, feGetInfo, unsafe.Pointer(&d.info)); err != nil {
		return nil, errors.Wrapf(err, "FE_GET_INFO %s", d.path("frontend"))
	}
	d.types = transmissionTypes(&d.info)
	d.log.Printf("found %s", d.FrontendName())
	return d, nil
}

func (d *Device) path(kind string) string {
	return fmt.Sprintf("/dev/dvb/adapter%d/%s%d", d.adapter, kind, d.frontend)
}

func (d *Device) DeviceID() string {
	return fmt.Sprintf("dvb:%d:%d", d.adapter, d.frontend)
}

func (d *Device) FrontendName() string {
	name := d.info.Name[:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return string(name)
}

func (d *Device) TransmissionTypes() backend.TransmissionTypes {
	return d.types
}

func (d *Device) Capabilities() backend.Capabilities {
	return backend.Capabilities(d.info.Caps)
}

func (d *Device) SetFrontend(f backend.Frontend) {
	d.owner = f
}

func (d *Device) Acquire() bool {
	if d.frontendFd >= 0 || d.owner == nil {
		return false
	}

	fd, err := unix.Open(d.path("frontend"), unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		d.log.Warnf("cannot open frontend: %v", err)
		return false
	}
	d.frontendFd = fd

	dvr, err := unix.Open(d.path("dvr"), unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		d.log.Warnf("cannot open dvr: %v", err)
		d.Release()
		return false
	}
	d.dvrFd = dvr
	if err := ioctlValue(dvr, dmxSetBufferSize, dvrBufferSize); err != nil {
		d.log.Debugf("DMX_SET_BUFFER_SIZE: %v", err)
	}

	d.dvr, err = startDvrReader(dvr, d.owner)
	if err != nil {
		d.log.Warnf("%v", err)
		d.Release()
		return false
	}

	if _, err := os.Stat(d.path("ca")); err == nil {
		link, err := openCaLink(d.path("ca"))
		if err != nil {
			d.log.Warnf("CA device unusable: %v", err)
		} else {
			d.ca = cam.New(d.owner.Post)
			d.ca.Open(link)
		}
	}

	d.log.Printf("acquired")
	return true
}

func (d *Device) Release() {
	if d.dvr != nil {
		d.dvr.stop()
		d.dvr = nil
	}
	if d.ca != nil {
		d.ca.Close()
		d.ca = nil
	}
	for pid := range d.demuxFds {
		d.RemovePidFilter(pid)
	}
	if d.dvrFd >= 0 {
		unix.Close(d.dvrFd)
		d.dvrFd = -1
	}
	if d.frontendFd >= 0 {
		unix.Close(d.frontendFd)
		d.frontendFd = -1
	}
	d.tuned = nil
}

func (d *Device) Tune(t transponder.Transponder) bool {
	if d.frontendFd < 0 {
		return false
	}
	props, err := tuneProperties(t)
	if err == nil {
		err = setProperties(d.frontendFd, props)
	}
	if err != nil {
		d.log.Warnf("tune %s: %v", t, err)
		return false
	}
	d.tuned = t
	return true
}

// Props returns the tuned transponder, DVB-T parameters left AUTO are
// completed with what the frontend detected
func (d *Device) Props() transponder.Transponder {
	if d.tuned == nil || !d.IsTuned() {
		return nil
	}
	dvbt, ok := d.tuned.(transponder.DvbT)
	if !ok {
		return d.tuned
	}
	props := ofdmQuery()
	if err := getProperties(d.frontendFd, props); err != nil {
		d.log.Debugf("%v", err)
		return d.tuned
	}
	return applyOfdm(dvbt, props)
}

func (d *Device) IsTuned() bool {
	if d.frontendFd < 0 {
		return false
	}
	var status uint32
	if err := ioctlPtr(d.frontendFd, feReadStatus, unsafe.Pointer(&status)); err != nil {
		return false
	}
	return status&feHasLock != 0
}

// read a 16 bit frontend value as percent, -1 when unsupported
func (d *Device) readPercent(req uint) int {
	if d.frontendFd < 0 {
		return -1
	}
	var value uint16
	if err := ioctlPtr(d.frontendFd, req, unsafe.Pointer(&value)); err != nil {
		return -1
	}
	return int(value) * 100 / 0xffff
}

func (d *Device) Signal() int {
	return d.readPercent(feReadSignalStrength)
}

func (d *Device) SNR() int {
	return d.readPercent(feReadSnr)
}

func (d *Device) AddPidFilter(pid int) bool {
	if d.frontendFd < 0 || pid < 0 || pid > 0x1fff {
		return false
	}
	if _, ok := d.demuxFds[pid]; ok {
		return true
	}

	fd, err := unix.Open(d.path("demux"), unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		d.log.Warnf("cannot open demux for pid %d: %v", pid, err)
		return false
	}
	params := dmxPesFilterParams{
		Pid:     uint16(pid),
		Input:   dmxInFrontend,
		Output:  dmxOutTsTap,
		PesType: dmxPesOther,
		Flags:   dmxImmediateStart,
	}
	if err := ioctlPtr(fd, dmxSetPesFilter, unsafe.Pointer(&params)); err != nil {
		d.log.Warnf("%v", errors.Wrapf(err, "DMX_SET_PES_FILTER pid %d", pid))
		unix.Close(fd)
		return false
	}
	d.demuxFds[pid] = fd
	return true
}

func (d *Device) RemovePidFilter(pid int) {
	fd, ok := d.demuxFds[pid]
	if !ok {
		return
	}
	if err := ioctlValue(fd, dmxStop, 0); err != nil {
		d.log.Debugf("DMX_STOP pid %d: %v", pid, err)
	}
	unix.Close(fd)
	delete(d.demuxFds, pid)
}

func (d *Device) StartDescrambling(pmt []byte) bool {
	if d.ca == nil {
		return false
	}
	if err := d.ca.StartDescrambling(pmt); err != nil {
		d.log.Warnf("%v", err)
		return false
	}
	return true
}

func (d *Device) StopDescrambling(serviceID int) {
	if d.ca != nil {
		d.ca.StopDescrambling(serviceID)
	}
}

// CamStatus returns the state of the CA module, false without CA device
func (d *Device) CamStatus() (cam.Status, bool) {
	if d.ca == nil {
		return cam.Status{}, false
	}
	return d.ca.Status(), true
}

func (d *Device) SetHighVoltage(high bool) bool {
	value := 0
	if high {
		value = 1
	}
	return d.secValue("FE_ENABLE_HIGH_LNB_VOLTAGE", feEnableHighLnbVoltage, value)
}

func (d *Device) SetVoltage(v backend.Voltage) bool {
	return d.secValue("FE_SET_VOLTAGE", feSetVoltage, int(v))
}

func (d *Device) SetTone(t backend.Tone) bool {
	return d.secValue("FE_SET_TONE", feSetTone, int(t))
}

func (d *Device) SendBurst(b backend.Burst) bool {
	return d.secValue("FE_DISEQC_SEND_BURST", feDiseqcSendBurst, int(b))
}

func (d *Device) SendMessage(msg []byte) bool {
	if d.frontendFd < 0 || len(msg) < 3 || len(msg) > 6 {
		return false
	}
	var cmd diseqcMasterCmd
	copy(cmd.Msg[:], msg)
	cmd.MsgLen = uint8(len(msg))
	if err := ioctlPtr(d.frontendFd, feDiseqcSendMasterCmd, unsafe.Pointer(&cmd)); err != nil {
		d.log.Warnf("%v", errors.Wrap(err, "FE_DISEQC_SEND_MASTER_CMD"))
		return false
	}
	return true
}

func (d *Device) secValue(name string, req uint, value int) bool {
	if d.frontendFd < 0 {
		return false
	}
	if err := ioctlValue(d.frontendFd, req, value); err != nil {
		d.log.Warnf("%v", errors.Wrap(err, name))
		return false
	}
	return true
}
