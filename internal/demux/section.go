package demux

import (
	"encoding/binary"

	"github.com/Comcast/gots/v2"
	"github.com/Comcast/gots/v2/packet"
)

// size of the history of rejected CRC values
const badCrcHistory = 8

// largest possible section, 12 bit length plus header
const maxSectionSize = 4095 + 3

// one incomplete section plus the payload of the next packet
const maxBufferSize = maxSectionSize + packet.PacketSize

// SectionReassembler rebuilds PSI sections from the transport packets of one
// PID. Sections are only delivered when their CRC is valid, or when the exact
// same bad CRC was seen recently: noisy receivers tend to corrupt the same
// section instance identically across retransmissions.
type SectionReassembler struct {
	deliver func(section []byte)
	stats   *Stats

	continuity  int
	bufferValid bool
	buffer      []byte

	badCrcs     [badCrcHistory]uint32
	badCrcIndex int
}

// NewSectionReassembler calls deliver for every accepted section. The slice
// passed to deliver is only valid for the duration of the call. stats may be
// nil.
func NewSectionReassembler(deliver func(section []byte), stats *Stats) *SectionReassembler {
	r := new(SectionReassembler)
	r.deliver = deliver
	r.stats = stats
	if r.stats == nil {
		r.stats = new(Stats)
	}
	r.buffer = make([]byte, 0, maxBufferSize)
	return r
}

// Reset forgets partial data and the CRC history
func (r *SectionReassembler) Reset() {
	r.bufferValid = false
	r.buffer = r.buffer[:0]
	r.badCrcs = [badCrcHistory]uint32{}
	r.badCrcIndex = 0
}

// ProcessData consumes one 188 byte transport packet
func (r *SectionReassembler) ProcessData(data []byte) {
	if len(data) != packet.PacketSize {
		return
	}
	pkt := (*packet.Packet)(data)

	if !pkt.HasPayload() {
		return
	}

	continuity := pkt.ContinuityCounter()
	if r.bufferValid {
		if continuity == r.continuity {
			r.stats.Duplicates++
			return
		}
		if continuity != (r.continuity+1)&0x0f {
			r.stats.Discontinuities++
			r.bufferValid = false
		}
	}
	r.continuity = continuity

	payload, err := pkt.Payload()
	if err != nil || len(payload) == 0 {
		return
	}

	if pkt.PayloadUnitStartIndicator() {
		pointer := int(payload[0])
		if pointer >= len(payload) {
			r.bufferValid = false
			return
		}
		payload = payload[1:]

		if r.bufferValid {
			// tail of the previous section
			r.append(payload[:pointer])
			r.processSections(true)
		} else {
			r.buffer = r.buffer[:0]
			r.bufferValid = true
		}
		payload = payload[pointer:]
	} else if !r.bufferValid {
		return
	}

	r.append(payload)
	r.processSections(false)
}

func (r *SectionReassembler) append(data []byte) {
	if len(r.buffer)+len(data) > maxBufferSize {
		// cannot be a single section any more, wait for the next start
		r.buffer = r.buffer[:0]
		r.bufferValid = false
		return
	}
	r.buffer = append(r.buffer, data...)
}

// carve complete sections out of the buffer, force drops an incomplete rest
func (r *SectionReassembler) processSections(force bool) {
	data := r.buffer

	for {
		if len(data) == 0 || data[0] == 0xff {
			// stuffing until the end of the packet
			r.buffer = r.buffer[:0]
			return
		}

		if len(data) < 3 {
			break
		}

		sectionLength := ((int(data[1])&0x0f)<<8 | int(data[2])) + 3
		if sectionLength > len(data) {
			break
		}

		r.processSection(data[:sectionLength])
		data = data[sectionLength:]
	}

	if force {
		r.buffer = r.buffer[:0]
		return
	}

	// keep the incomplete rest at the start of the buffer
	n := copy(r.buffer, data)
	r.buffer = r.buffer[:n]
}

func (r *SectionReassembler) processSection(section []byte) {
	// zero over an intact section including its CRC field
	crc := binary.BigEndian.Uint32(gots.ComputeCRC(section))
	if crc != 0 {
		known := false
		for _, c := range r.badCrcs {
			if c == crc {
				known = true
				break
			}
		}

		if !known {
			r.badCrcs[r.badCrcIndex] = crc
			r.badCrcIndex = (r.badCrcIndex + 1) % badCrcHistory
			r.stats.CrcSuppressed++
			return
		}
		r.stats.CrcTolerated++
	}

	r.stats.Sections++
	r.deliver(section)
}
