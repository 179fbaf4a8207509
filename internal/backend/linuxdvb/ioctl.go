//go:build linux

package linuxdvb

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// request codes of linux/dvb/frontend.h, dmx.h and ca.h (64 bit layout)
const (
	feGetInfo              = 0x80a86f3d
	feDiseqcSendMasterCmd  = 0x40076f3f
	feDiseqcSendBurst      = 0x6f41
	feSetTone              = 0x6f42
	feSetVoltage           = 0x6f43
	feEnableHighLnbVoltage = 0x6f44
	feReadStatus           = 0x80046f45
	feReadSignalStrength   = 0x80026f47
	feReadSnr              = 0x80026f48
	feSetProperty          = 0x40106f52
	feGetProperty          = 0x80106f53
	dmxStop                = 0x6f2a
	dmxSetPesFilter        = 0x40146f2c
	dmxSetBufferSize       = 0x6f2d
	caReset                = 0x6f80
	caGetCap               = 0x80106f81
	caGetSlotInfo          = 0x800c6f82
)

// fe_type
const (
	feQpsk = 0
	feQam  = 1
	feOfdm = 2
	feAtsc = 3
)

const feHasLock = 0x10

// DTV property commands
const (
	dtvTune                  = 1
	dtvClear                 = 2
	dtvFrequency             = 3
	dtvModulation            = 4
	dtvBandwidthHz           = 5
	dtvInversion             = 6
	dtvSymbolRate            = 8
	dtvInnerFec              = 9
	dtvPilot                 = 12
	dtvRollOff               = 13
	dtvDeliverySystem        = 17
	dtvIsdbtPartialReception = 18
	dtvIsdbtLayerAFec        = 23
	dtvCodeRateHp            = 36
	dtvCodeRateLp            = 37
	dtvGuardInterval         = 38
	dtvTransmissionMode      = 39
	dtvHierarchy             = 40
	dtvIsdbtLayerEnabled     = 41
	dtvStreamID              = 42
)

// per layer offsets from dtvIsdbtLayerAFec, layers B and C follow A
const (
	isdbtLayerFec          = 0
	isdbtLayerModulation   = 1
	isdbtLayerSegmentCount = 2
	isdbtLayerInterleaving = 3
	isdbtLayerStride       = 4
)

// fe_delivery_system
const (
	sysDvbcAnnexA = 1
	sysDvbt       = 3
	sysDvbs       = 5
	sysDvbs2      = 6
	sysIsdbt      = 8
	sysAtsc       = 11
	sysDvbt2      = 16
)

const (
	inversionAuto = 2
	pilotAuto     = 2
)

// demux filter parameters
const (
	dmxInFrontend     = 0
	dmxOutTsTap       = 2
	dmxPesOther       = 20
	dmxImmediateStart = 4
)

type frontendInfo struct {
	Name                [128]byte
	Type                uint32
	FrequencyMin        uint32
	FrequencyMax        uint32
	FrequencyStepSize   uint32
	FrequencyTolerance  uint32
	SymbolRateMin       uint32
	SymbolRateMax       uint32
	SymbolRateTolerance uint32
	NotifierDelay       uint32
	Caps                uint32
}

// struct dtv_property is packed, the union is 56 bytes on 64 bit
type dtvProperty struct {
	Cmd      uint32
	Reserved [3]uint32
	Data     [56]byte
	Result   int32
}

func (p *dtvProperty) value() uint32 {
	return *(*uint32)(unsafe.Pointer(&p.Data[0]))
}

func (p *dtvProperty) setValue(v uint32) {
	*(*uint32)(unsafe.Pointer(&p.Data[0])) = v
}

type dtvProperties struct {
	Num   uint32
	Props *dtvProperty
}

type diseqcMasterCmd struct {
	Msg    [6]byte
	MsgLen uint8
}

type dmxPesFilterParams struct {
	Pid     uint16
	Input   uint32
	Output  uint32
	PesType uint32
	Flags   uint32
}

type caCaps struct {
	SlotNum   uint32
	SlotType  uint32
	DescrNum  uint32
	DescrType uint32
}

type caSlotInfo struct {
	Num   int32
	Type  int32
	Flags uint32
}

func ioctlPtr(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlValue(fd int, req uint, value int) error {
	return unix.IoctlSetInt(fd, req, value)
}

func setProperties(fd int, props []dtvProperty) error {
	if len(props) == 0 {
		return nil
	}
	arg := dtvProperties{Num: uint32(len(props)), Props: &props[0]}
	return errors.Wrap(ioctlPtr(fd, feSetProperty, unsafe.Pointer(&arg)), "FE_SET_PROPERTY")
}

func getProperties(fd int, props []dtvProperty) error {
	if len(props) == 0 {
		return nil
	}
	arg := dtvProperties{Num: uint32(len(props)), Props: &props[0]}
	return errors.Wrap(ioctlPtr(fd, feGetProperty, unsafe.Pointer(&arg)), "FE_GET_PROPERTY")
}

func property(cmd uint32, value uint32) dtvProperty {
	p := dtvProperty{Cmd: cmd}
	p.setValue(value)
	return p
}
