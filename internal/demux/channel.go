package demux

import (
	"sync"

	"github.com/Comcast/gots/v2/packet"
)

// number of transport packets per device buffer
const PacketsPerBuffer = 87

// BufferSize is the capacity of a buffer handed out by GetBuffer
const BufferSize = PacketsPerBuffer * packet.PacketSize

// DataChannel hands transport packet buffers from the device I/O goroutine to
// the control goroutine. Buffers move between a free stack and a pending FIFO,
// both guarded by the same mutex; the lock is never held while a buffer is
// being filled or dispatched.
type DataChannel struct {
	mutex   sync.Mutex
	free    [][]byte
	pending [][]byte
	ready   chan struct{}
}

func NewDataChannel() *DataChannel {
	dc := new(DataChannel)
	dc.ready = make(chan struct{}, 1)
	return dc
}

// GetBuffer returns an empty buffer of BufferSize bytes, allocating one if
// the free stack is empty. Safe to call from any goroutine.
func (dc *DataChannel) GetBuffer() []byte {
	dc.mutex.Lock()
	n := len(dc.free)
	if n == 0 {
		dc.mutex.Unlock()
		return make([]byte, BufferSize)
	}
	buf := dc.free[n-1]
	dc.free[n-1] = nil
	dc.free = dc.free[:n-1]
	dc.mutex.Unlock()

	return buf[:cap(buf)]
}

// WriteBuffer gives back a buffer obtained from GetBuffer. A size of 0 returns
// it to the free stack, otherwise the first size bytes (a multiple of 188) are
// queued for dispatch. The consumer is woken only when the pending queue goes
// from empty to non-empty.
func (dc *DataChannel) WriteBuffer(buf []byte, size int) {
	size -= size % packet.PacketSize

	dc.mutex.Lock()
	if size <= 0 {
		dc.free = append(dc.free, buf)
		dc.mutex.Unlock()
		return
	}
	wake := len(dc.pending) == 0
	dc.pending = append(dc.pending, buf[:size])
	dc.mutex.Unlock()

	if wake {
		select {
		case dc.ready <- struct{}{}:
		default:
		}
	}
}

// Ready is signalled when buffers are waiting for Drain
func (dc *DataChannel) Ready() <-chan struct{} {
	return dc.ready
}

// Drain hands every pending packet to fn in production order, then returns
// the buffers to the free stack. Returns the number of packets processed.
func (dc *DataChannel) Drain(fn func(pkt []byte)) int {
	dc.mutex.Lock()
	pending := dc.pending
	dc.pending = nil
	dc.mutex.Unlock()

	count := 0
	for _, buf := range pending {
		for i := 0; i+packet.PacketSize <= len(buf); i += packet.PacketSize {
			fn(buf[i : i+packet.PacketSize])
			count++
		}
	}

	if len(pending) > 0 {
		dc.mutex.Lock()
		dc.free = append(dc.free, pending...)
		dc.mutex.Unlock()
	}

	return count
}

// Discard drops every pending buffer without dispatching it, used when the
// frontend is retuned and in-flight data belongs to the old transponder
func (dc *DataChannel) Discard() {
	dc.mutex.Lock()
	dc.free = append(dc.free, dc.pending...)
	dc.pending = nil
	dc.mutex.Unlock()
}
