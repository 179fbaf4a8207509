// Package cam implements the host side of the EN50221 common interface: the
// transport, session and application layers needed to hand CA_PMT objects to
// a conditional access module.
package cam

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "cam")

const (
	pollInterval      = 400 * time.Millisecond
	resetDelay        = 100 * time.Millisecond
	slotRetryInterval = 1000 * time.Millisecond
	readBufferSize    = 4096
)

// pending protocol actions, the lowest set bit runs first
type pendingCommands uint

const (
	cmdResetCa pendingCommands = 1 << iota
	cmdCreateTransportConnection
	cmdPollConnection
	cmdReceiveData
	cmdProfileEnquiry
	cmdProfileReply
	cmdProfileChange
	cmdAppInfoEnquiry
	cmdCaInfoEnquiry
)

type serviceAction int

const (
	actionNothing serviceAction = iota
	actionAdd
	actionUpdate
	actionRemove
)

type service struct {
	action serviceAction
	pmt    []byte
}

// Status is a snapshot of the module state
type Status struct {
	Slot             int
	Connected        bool
	Ready            bool
	ApplicationType  int
	Manufacturer     int
	ManufacturerCode int
	Menu             string
	CaSystemIDs      []int
	Services         []int
}

// Cam drives one CA device. All methods, timers and read notifications run on
// the owner's control goroutine through the post function.
type Cam struct {
	post func(func())

	link          Link
	session       int
	slot          int
	connected     bool
	ready         bool
	replyExpected bool
	pending       pendingCommands
	// a profile change was sent on the resource manager session
	profileChanged bool
	readerRunning bool

	// partial data of T_DATA_MORE objects
	dataMore []byte

	timer      *time.Timer
	generation int

	services        map[int]*service
	updateScheduled bool

	appType          int
	manufacturer     int
	manufacturerCode int
	menu             string
	caSystemIDs      []int
}

// New creates a CAM handler, post must run the function on the control
// goroutine
func New(post func(func())) *Cam {
	c := new(Cam)
	c.post = post
	c.slot = -1
	c.services = make(map[int]*service)
	return c
}

// Open starts the protocol on link with a reset of the module
func (c *Cam) Open(link Link) {
	if c.link != nil {
		c.Close()
	}

	c.link = link
	c.session++
	c.pending = cmdResetCa
	c.handlePendingCommands()
}

// Close stops the protocol and closes the link
func (c *Cam) Close() {
	if c.link == nil {
		return
	}

	c.stopTimer()
	if err := c.link.Close(); err != nil {
		log.Warnf("cannot close CA device: %s", err)
	}

	c.link = nil
	c.readerRunning = false
	c.slot = -1
	c.connected = false
	c.ready = false
	c.replyExpected = false
	c.pending = 0
	c.dataMore = nil
	c.services = make(map[int]*service)
}

// StartDescrambling asks the module to descramble the service described by
// the PMT section
func (c *Cam) StartDescrambling(pmt []byte) error {
	serviceID, err := PmtServiceID(pmt)
	if err != nil {
		return err
	}

	s := c.services[serviceID]
	switch {
	case s == nil:
		s = &service{action: actionAdd}
		c.services[serviceID] = s
	case s.action != actionAdd:
		s.action = actionUpdate
	}
	s.pmt = append([]byte(nil), pmt...)

	c.scheduleUpdate()
	return nil
}

// StopDescrambling withdraws a service
func (c *Cam) StopDescrambling(serviceID int) {
	s := c.services[serviceID]
	if s == nil {
		log.Warnf("service %d is not descrambled", serviceID)
		return
	}

	// the module never heard of it
	if s.action == actionAdd {
		delete(c.services, serviceID)
		return
	}

	s.action = actionRemove
	c.scheduleUpdate()
}

// Status returns a snapshot of the module state
func (c *Cam) Status() Status {
	st := Status{
		Slot:             c.slot,
		Connected:        c.connected,
		Ready:            c.ready,
		ApplicationType:  c.appType,
		Manufacturer:     c.manufacturer,
		ManufacturerCode: c.manufacturerCode,
		Menu:             c.menu,
		CaSystemIDs:      append([]int(nil), c.caSystemIDs...),
	}
	for id, s := range c.services {
		if s.action != actionRemove {
			st.Services = append(st.Services, id)
		}
	}
	sort.Ints(st.Services)
	return st
}

// ====================== timers

// run pollEvent after d on the control goroutine, replacing any armed timer
func (c *Cam) armTimer(d time.Duration) {
	c.stopTimer()
	generation := c.generation
	c.timer = time.AfterFunc(d, func() {
		c.post(func() {
			if generation == c.generation && c.link != nil {
				c.pollEvent()
			}
		})
	})
}

func (c *Cam) stopTimer() {
	c.generation++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Cam) pollEvent() {
	if c.slot < 0 {
		c.detectSlot()
		return
	}

	if c.replyExpected {
		log.Warnf("timeout waiting for a reply from slot %d", c.slot)
		c.replyExpected = false
	}

	if c.connected {
		c.pending |= cmdPollConnection
	} else {
		c.pending |= cmdCreateTransportConnection
	}
	c.handlePendingCommands()

	if c.slot >= 0 && !c.replyExpected {
		c.armTimer(pollInterval)
	}
}

func (c *Cam) detectSlot() {
	count, err := c.link.SlotCount()
	if err != nil {
		log.Warnf("cannot query CA capabilities: %s", err)
		c.armTimer(slotRetryInterval)
		return
	}

	for i := 0; i < count; i++ {
		info, err := c.link.SlotInfo(i)
		if err != nil {
			log.Warnf("cannot query CA slot %d: %s", i, err)
			continue
		}

		if info.Type&SlotTypeCiLink != 0 && info.Flags&SlotFlagModuleReady != 0 {
			c.slot = i
			break
		}
	}

	if c.slot < 0 {
		c.armTimer(slotRetryInterval)
		return
	}

	log.Printf("found CA module in slot %d", c.slot)

	if !c.readerRunning {
		c.readerRunning = true
		go c.reader(c.link, c.session)
	}

	c.pending |= cmdCreateTransportConnection
	c.handlePendingCommands()
}

// reader runs on its own goroutine and hands every read to the control
// goroutine, reads of an earlier Open are dropped
func (c *Cam) reader(link Link, session int) {
	buf := make([]byte, readBufferSize)

	for {
		n, err := link.Read(buf)
		if err != nil {
			c.post(func() {
				if c.session != session || c.link == nil {
					return
				}
				c.readerRunning = false
				log.Warnf("cannot read from CA device: %s", err)
				c.pending |= cmdResetCa
				c.handlePendingCommands()
			})
			return
		}

		data := append([]byte(nil), buf[:n]...)
		c.post(func() {
			if c.session == session && c.link != nil {
				c.readData(data)
			}
		})
	}
}

// ====================== scheduler

func (c *Cam) handlePendingCommands() {
	for !c.replyExpected && c.pending != 0 {
		command := c.pending & -c.pending
		c.pending &^= command
		c.execute(command)
	}
}

func (c *Cam) execute(command pendingCommands) {
	switch command {
	case cmdResetCa:
		c.reset()
	case cmdCreateTransportConnection:
		c.sendTransportMessage(tagCreateTc, nil)
	case cmdPollConnection:
		c.sendTransportMessage(tagDataLast, nil)
	case cmdReceiveData:
		c.sendTransportMessage(tagReceiveData, nil)
	case cmdProfileEnquiry:
		c.sendApplicationMessage(sessionResourceManager, apduProfileEnquiry, nil)
	case cmdProfileReply:
		data := make([]byte, 0, 4*len(supportedResources))
		for _, r := range supportedResources {
			data = binary.BigEndian.AppendUint32(data, r)
		}
		c.sendApplicationMessage(sessionResourceManager, apduProfile, data)
		c.scheduleProfileChange()
	case cmdProfileChange:
		c.sendApplicationMessage(sessionResourceManager, apduProfileChange, nil)
	case cmdAppInfoEnquiry:
		c.sendApplicationMessage(sessionApplicationInformation, apduAppInfoEnquiry, nil)
	case cmdCaInfoEnquiry:
		c.sendApplicationMessage(sessionConditionalAccess, apduCaInfoEnquiry, nil)
	default:
		log.Errorf("internal error: unknown command %#x", uint(command))
	}
}

func (c *Cam) reset() {
	c.pending = 0
	c.replyExpected = false
	c.profileChanged = false
	c.connected = false
	c.ready = false
	c.slot = -1
	c.dataMore = nil

	if err := c.link.Reset(); err != nil {
		log.Warnf("cannot reset CA device: %s", err)
	}

	// the module forgets everything, announce all services again
	for id, s := range c.services {
		if s.action == actionRemove {
			delete(c.services, id)
			continue
		}
		s.action = actionAdd
	}

	c.armTimer(resetDelay)
}

// ====================== transport layer

func (c *Cam) connectionID() byte {
	return byte(c.slot + 1)
}

func (c *Cam) sendTransportMessage(tag byte, payload []byte) {
	if c.slot < 0 {
		log.Errorf("internal error: no CA slot for transport message %#x", tag)
		return
	}

	frame := make([]byte, 0, 8+len(payload))
	frame = append(frame, byte(c.slot), c.connectionID(), tag)
	frame = EncodeLength(frame, len(payload)+1)
	frame = append(frame, c.connectionID())
	frame = append(frame, payload...)

	if _, err := c.link.Write(frame); err != nil {
		log.Warnf("cannot write to CA device: %s", err)
		c.pending |= cmdResetCa
		return
	}

	c.replyExpected = true
	c.armTimer(pollInterval)
}

func (c *Cam) readData(data []byte) {
	if len(data) < 2 {
		log.Warnf("short read of %d bytes from CA device", len(data))
		return
	}
	if int(data[0]) != c.slot || data[1] != c.connectionID() {
		log.Warnf("data for slot %d connection %d while using slot %d", data[0], data[1], c.slot)
		return
	}

	c.replyExpected = false
	data = data[2:]

	for len(data) > 0 {
		tag := data[0]
		length, size, ok := DecodeLength(data[1:])
		if !ok || length < 1 || 1+size+length > len(data) {
			log.Warnf("malformed transport object with tag %#x", tag)
			break
		}

		body := data[1+size : 1+size+length]
		data = data[1+size+length:]

		if body[0] != c.connectionID() {
			log.Warnf("transport object for connection %d, expected %d", body[0], c.connectionID())
			break
		}
		body = body[1:]

		switch tag {
		case tagStatusByte:
			if len(body) != 1 {
				log.Warnf("malformed status byte")
				break
			}
			if body[0]&statusDataAvailable != 0 {
				c.pending |= cmdReceiveData
			}
		case tagCreateTcReply:
			log.Debugf("transport connection %d created", c.connectionID())
			c.connected = true
		case tagDataMore:
			c.dataMore = append(c.dataMore, body...)
		case tagDataLast:
			if c.dataMore != nil {
				body = append(c.dataMore, body...)
				c.dataMore = nil
			}
			c.handleSessionData(body)
		default:
			log.Warnf("unknown transport tag %#x", tag)
		}
	}

	c.handlePendingCommands()
}

// ====================== session layer

func (c *Cam) handleSessionData(data []byte) {
	for len(data) > 0 {
		tag := data[0]
		length, size, ok := DecodeLength(data[1:])
		if !ok || 1+size+length > len(data) {
			log.Warnf("malformed session object with tag %#x", tag)
			return
		}

		body := data[1+size : 1+size+length]
		data = data[1+size+length:]

		switch tag {
		case spduSessionNumber:
			if len(body) != 2 {
				log.Warnf("malformed session number object")
				return
			}
			// the application objects make up the rest of the data
			c.handleApplicationData(int(binary.BigEndian.Uint16(body)), data)
			return
		case spduOpenSessionRequest:
			if len(body) != 4 {
				log.Warnf("malformed open session request")
				return
			}
			c.openSession(binary.BigEndian.Uint32(body))
		case spduCloseSessionRequest:
			if len(body) != 2 {
				log.Warnf("malformed close session request")
				return
			}
			session := binary.BigEndian.Uint16(body)
			log.Printf("module closes session %d", session)
			c.sendTransportMessage(tagDataLast, []byte{spduCloseSessionResponse, 0x03,
				sessionStatusOk, byte(session >> 8), byte(session)})
		default:
			log.Warnf("unknown session tag %#x", tag)
		}
	}
}

func (c *Cam) openSession(resource uint32) {
	session := sessionForResource(resource)
	status := byte(sessionStatusOk)
	if session == 0 {
		log.Warnf("module requests unsupported resource %#08x", resource)
		status = sessionStatusNonExistent
	}

	response := []byte{spduOpenSessionResponse, 0x07, status}
	response = binary.BigEndian.AppendUint32(response, resource)
	response = append(response, byte(session>>8), byte(session))
	c.sendTransportMessage(tagDataLast, response)

	switch session {
	case sessionResourceManager:
		c.profileChanged = false
		c.pending |= cmdProfileEnquiry
	case sessionApplicationInformation:
		c.pending |= cmdAppInfoEnquiry
	case sessionConditionalAccess:
		c.pending |= cmdCaInfoEnquiry
	}
}

// ====================== application layer

func (c *Cam) sendApplicationMessage(session int, tag int, payload []byte) {
	data := make([]byte, 0, 12+len(payload))
	data = append(data, spduSessionNumber, 0x02, byte(session>>8), byte(session),
		byte(tag>>16), byte(tag>>8), byte(tag))
	data = EncodeLength(data, len(payload))
	data = append(data, payload...)
	c.sendTransportMessage(tagDataLast, data)
}

func (c *Cam) handleApplicationData(session int, data []byte) {
	for len(data) > 0 {
		if len(data) < 4 {
			log.Warnf("truncated application object")
			return
		}

		tag := int(data[0])<<16 | int(data[1])<<8 | int(data[2])
		length, size, ok := DecodeLength(data[3:])
		if !ok || 3+size+length > len(data) {
			log.Warnf("malformed application object with tag %#06x", tag)
			return
		}

		body := data[3+size : 3+size+length]
		data = data[3+size+length:]

		switch tag {
		case apduProfileEnquiry:
			c.pending |= cmdProfileReply
		case apduProfile:
			c.scheduleProfileChange()
		case apduAppInfo:
			c.handleApplicationInfo(body)
		case apduCaInfo:
			c.handleCaInfo(body)
		case apduCaPmtReply:
			log.Debugf("CA PMT reply on session %d: % x", session, body)
		default:
			log.Warnf("unknown application tag %#06x on session %d", tag, session)
		}
	}
}

// notify the module once per resource manager session, it answers a change
// with a new enquiry
func (c *Cam) scheduleProfileChange() {
	if c.profileChanged {
		return
	}
	c.profileChanged = true
	c.pending |= cmdProfileChange
}

func (c *Cam) handleApplicationInfo(body []byte) {
	if len(body) < 6 || int(body[5])+6 > len(body) {
		log.Warnf("malformed application info")
		return
	}

	c.appType = int(body[0])
	c.manufacturer = int(binary.BigEndian.Uint16(body[1:]))
	c.manufacturerCode = int(binary.BigEndian.Uint16(body[3:]))
	c.menu = string(body[6 : 6+int(body[5])])
	log.Printf("CA module: %s", c.menu)
}

func (c *Cam) handleCaInfo(body []byte) {
	c.caSystemIDs = c.caSystemIDs[:0]
	for i := 0; i+1 < len(body); i += 2 {
		c.caSystemIDs = append(c.caSystemIDs, int(binary.BigEndian.Uint16(body[i:])))
	}

	if !c.ready {
		log.Printf("CA module ready, CA systems %04x", c.caSystemIDs)
	}
	c.ready = true
	c.scheduleUpdate()
}

// ====================== descrambling services

// coalesce update requests into a single pass
func (c *Cam) scheduleUpdate() {
	if c.updateScheduled {
		return
	}
	c.updateScheduled = true
	c.post(c.updateServices)
}

func (c *Cam) updateServices() {
	c.updateScheduled = false
	if !c.ready || c.link == nil {
		return
	}

	ids := make([]int, 0, len(c.services))
	for id := range c.services {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		s := c.services[id]
		if s.action == actionRemove {
			c.sendCaPmt(s.pmt, ListUpdate, CmdNotSelected)
			delete(c.services, id)
		}
	}

	active := len(c.services)
	for _, id := range ids {
		s := c.services[id]
		if s == nil {
			continue
		}

		var listManagement byte
		switch {
		case s.action == actionNothing:
			continue
		case active == 1:
			listManagement = ListOnly
		case s.action == actionAdd:
			listManagement = ListAdd
		default:
			listManagement = ListUpdate
		}

		c.sendCaPmt(s.pmt, listManagement, CmdOkDescrambling)
		s.action = actionNothing
	}
}

func (c *Cam) sendCaPmt(pmt []byte, listManagement byte, command byte) {
	data, err := BuildCaPmt(pmt, listManagement, command)
	if err != nil {
		log.Warnf("cannot build CA PMT: %s", err)
		return
	}
	c.sendApplicationMessage(sessionConditionalAccess, apduCaPmt, data)
}
