package demux

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fillPackets(buf []byte, first int, count int) int {
	for i := 0; i < count; i++ {
		pkt := makePacket(first+i, 0, false, make([]byte, 184))
		copy(buf[i*188:], pkt)
	}
	return count * 188
}

func TestDataChannel_FifoOrder(t *testing.T) {
	dc := NewDataChannel()

	for b := 0; b < 3; b++ {
		buf := dc.GetBuffer()
		require.Len(t, buf, BufferSize)
		dc.WriteBuffer(buf, fillPackets(buf, b*10, 10))
	}

	var pids []int
	n := dc.Drain(func(pkt []byte) {
		pids = append(pids, int(pkt[1]&0x1f)<<8|int(pkt[2]))
	})
	assert.Equal(t, 30, n)
	for i, pid := range pids {
		assert.Equal(t, i, pid)
	}

	// nothing left
	assert.Equal(t, 0, dc.Drain(func([]byte) {}))
}

func TestDataChannel_WakeOnFirstBuffer(t *testing.T) {
	dc := NewDataChannel()

	buf := dc.GetBuffer()
	dc.WriteBuffer(buf, fillPackets(buf, 1, 1))
	buf = dc.GetBuffer()
	dc.WriteBuffer(buf, fillPackets(buf, 2, 1))

	select {
	case <-dc.Ready():
	default:
		t.Fatal("consumer not woken")
	}
	select {
	case <-dc.Ready():
		t.Fatal("woken twice for one non-empty transition")
	default:
	}

	assert.Equal(t, 2, dc.Drain(func([]byte) {}))
}

func TestDataChannel_BuffersAreRecycled(t *testing.T) {
	dc := NewDataChannel()

	buf := dc.GetBuffer()
	dc.WriteBuffer(buf, 0)
	again := dc.GetBuffer()
	assert.Equal(t, &buf[0], &again[0])

	dc.WriteBuffer(again, fillPackets(again, 5, 2)+100)
	assert.Equal(t, 2, dc.Drain(func([]byte) {}))

	recycled := dc.GetBuffer()
	assert.Equal(t, &buf[0], &recycled[0])
	assert.Len(t, recycled, BufferSize)
}

func TestDataChannel_Discard(t *testing.T) {
	dc := NewDataChannel()

	buf := dc.GetBuffer()
	dc.WriteBuffer(buf, fillPackets(buf, 5, 4))
	dc.Discard()
	assert.Equal(t, 0, dc.Drain(func([]byte) { t.Fatal("discarded data dispatched") }))
}

func TestDataChannel_ProducerConsumer(t *testing.T) {
	dc := NewDataChannel()
	const buffers = 200

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for b := 0; b < buffers; b++ {
			buf := dc.GetBuffer()
			dc.WriteBuffer(buf, fillPackets(buf, b%0x1000, 3))
		}
	}()

	received := 0
	deadline := time.After(5 * time.Second)
	for received < buffers*3 {
		select {
		case <-dc.Ready():
			received += dc.Drain(func([]byte) {})
		case <-deadline:
			t.Fatalf("received %d packets", received)
		}
	}
	wg.Wait()
	assert.Equal(t, buffers*3, received)
}
