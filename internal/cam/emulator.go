package cam

import (
	"encoding/binary"
	"errors"
	"os"
	"sync"
)

var errEmulatorWrite = errors.New("cam: emulated write failure")

// CaPmt is a CA_PMT object received by the Emulator
type CaPmt struct {
	ListManagement byte
	ServiceID      int
	Command        byte
	Data           []byte
}

// Emulator is a Link backed by a minimal module with one slot. It opens the
// three host resources, answers enquiries and records the CA_PMT objects it
// receives. Used by the simulated device and in tests.
type Emulator struct {
	mutex sync.Mutex

	menu        string
	caSystemIDs []int

	ready      bool
	failWrites bool
	resets     int

	connected bool
	sessions  map[uint32]int
	outgoing  [][]byte
	caPmts    []CaPmt

	frames chan []byte
	// recreated by Reset after Close
	done   chan struct{}
	closed bool
}

// NewEmulator creates a ready module announcing menu and caSystemIDs
func NewEmulator(menu string, caSystemIDs ...int) *Emulator {
	e := new(Emulator)
	e.menu = menu
	e.caSystemIDs = caSystemIDs
	e.ready = true
	e.sessions = make(map[uint32]int)
	e.frames = make(chan []byte, 64)
	e.done = make(chan struct{})
	return e
}

// SetReady simulates inserting or removing the module
func (e *Emulator) SetReady(ready bool) {
	e.mutex.Lock()
	e.ready = ready
	e.mutex.Unlock()
}

// FailWrites makes every following Write fail
func (e *Emulator) FailWrites(fail bool) {
	e.mutex.Lock()
	e.failWrites = fail
	e.mutex.Unlock()
}

// Resets returns how often the host reset the module
func (e *Emulator) Resets() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.resets
}

// CaPmts returns the CA_PMT objects received so far
func (e *Emulator) CaPmts() []CaPmt {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return append([]CaPmt(nil), e.caPmts...)
}

func (e *Emulator) Reset() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.closed {
		e.done = make(chan struct{})
		e.closed = false
	}
	e.resets++
	e.connected = false
	e.sessions = make(map[uint32]int)
	e.outgoing = nil

	for {
		select {
		case <-e.frames:
		default:
			return nil
		}
	}
}

func (e *Emulator) SlotCount() (int, error) {
	return 1, nil
}

func (e *Emulator) SlotInfo(slot int) (SlotInfo, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	info := SlotInfo{Type: SlotTypeCiLink}
	if e.ready {
		info.Flags = SlotFlagModulePresent | SlotFlagModuleReady
	}
	return info, nil
}

func (e *Emulator) Read(p []byte) (int, error) {
	e.mutex.Lock()
	done := e.done
	e.mutex.Unlock()

	select {
	case frame := <-e.frames:
		return copy(p, frame), nil
	case <-done:
		return 0, os.ErrClosed
	}
}

func (e *Emulator) Close() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if !e.closed {
		close(e.done)
		e.closed = true
	}
	return nil
}

func (e *Emulator) Write(frame []byte) (int, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.closed {
		return 0, os.ErrClosed
	}
	if e.failWrites {
		return 0, errEmulatorWrite
	}

	if len(frame) < 5 {
		return len(frame), nil
	}
	slot, conn, tag := frame[0], frame[1], frame[2]
	length, size, ok := DecodeLength(frame[3:])
	if !ok || length < 1 || 3+size+length > len(frame) || frame[3+size] != conn {
		return len(frame), nil
	}
	payload := frame[4+size : 3+size+length]

	reply := []byte{slot, conn}
	switch tag {
	case tagCreateTc:
		e.connected = true
		e.queueOpenSession(ResourceManager)
		reply = append(reply, tagCreateTcReply, 0x01, conn)
	case tagDataLast:
		if len(payload) > 0 {
			e.handleSessionData(payload)
		}
	case tagReceiveData:
		if len(e.outgoing) > 0 {
			spdu := e.outgoing[0]
			e.outgoing = e.outgoing[1:]
			reply = append(reply, tagDataLast)
			reply = EncodeLength(reply, len(spdu)+1)
			reply = append(reply, conn)
			reply = append(reply, spdu...)
		}
	}

	status := byte(0)
	if len(e.outgoing) > 0 {
		status = statusDataAvailable
	}
	reply = append(reply, tagStatusByte, 0x02, conn, status)

	select {
	case e.frames <- reply:
	default:
	}
	return len(frame), nil
}

func (e *Emulator) queueOpenSession(resource uint32) {
	spdu := []byte{spduOpenSessionRequest, 0x04}
	spdu = binary.BigEndian.AppendUint32(spdu, resource)
	e.outgoing = append(e.outgoing, spdu)
}

func (e *Emulator) queueApplication(resource uint32, tag int, payload []byte) {
	session := e.sessions[resource&^resourceVersionMask]
	apdu := []byte{spduSessionNumber, 0x02, byte(session >> 8), byte(session),
		byte(tag >> 16), byte(tag >> 8), byte(tag)}
	apdu = EncodeLength(apdu, len(payload))
	apdu = append(apdu, payload...)
	e.outgoing = append(e.outgoing, apdu)
}

func (e *Emulator) handleSessionData(data []byte) {
	if len(data) < 2 {
		return
	}
	length, size, ok := DecodeLength(data[1:])
	if !ok || 1+size+length > len(data) {
		return
	}
	body := data[1+size : 1+size+length]

	switch data[0] {
	case spduOpenSessionResponse:
		if len(body) == 7 && body[0] == sessionStatusOk {
			resource := binary.BigEndian.Uint32(body[1:])
			e.sessions[resource&^resourceVersionMask] = int(binary.BigEndian.Uint16(body[5:]))
		}
	case spduSessionNumber:
		if len(body) == 2 {
			e.handleApplicationData(data[1+size+length:])
		}
	}
}

func (e *Emulator) handleApplicationData(data []byte) {
	if len(data) < 4 {
		return
	}
	tag := int(data[0])<<16 | int(data[1])<<8 | int(data[2])
	length, size, ok := DecodeLength(data[3:])
	if !ok || 3+size+length > len(data) {
		return
	}
	body := data[3+size : 3+size+length]

	switch tag {
	case apduProfileEnquiry:
		var resources []byte
		for _, r := range supportedResources {
			resources = binary.BigEndian.AppendUint32(resources, r)
		}
		e.queueApplication(ResourceManager, apduProfile, resources)
	case apduProfileChange:
		e.queueApplication(ResourceManager, apduProfileEnquiry, nil)
	case apduProfile:
		e.queueOpenSession(ApplicationInformation)
		e.queueOpenSession(ConditionalAccess)
	case apduAppInfoEnquiry:
		info := []byte{0x01, 0x12, 0x34, 0x56, 0x78, byte(len(e.menu))}
		info = append(info, e.menu...)
		e.queueApplication(ApplicationInformation, apduAppInfo, info)
	case apduCaInfoEnquiry:
		var ids []byte
		for _, id := range e.caSystemIDs {
			ids = binary.BigEndian.AppendUint16(ids, uint16(id))
		}
		e.queueApplication(ConditionalAccess, apduCaInfo, ids)
	case apduCaPmt:
		if len(body) < 6 {
			return
		}
		pmt := CaPmt{
			ListManagement: body[0],
			ServiceID:      int(body[1])<<8 | int(body[2]),
			Command:        caPmtCommand(body),
			Data:           append([]byte(nil), body...),
		}
		e.caPmts = append(e.caPmts, pmt)

		if pmt.Command == CmdQuery {
			e.queueApplication(ConditionalAccess, apduCaPmtReply, body[1:4])
		}
	}
}

// command byte of the first non empty descriptor group
func caPmtCommand(body []byte) byte {
	pos := 4
	for pos+2 <= len(body) {
		length := (int(body[pos])&0x0f)<<8 | int(body[pos+1])
		if length > 0 && pos+2 < len(body) {
			return body[pos+2]
		}
		// skip stream type and pid of the next stream
		pos += 2 + length + 3
	}
	return 0
}
