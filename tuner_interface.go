package main

import (
	"fmt"

	"github.com/Comcast/gots/v2/packet"

	"dvbserver/internal/backend"
	"dvbserver/internal/config"
)

// MpegTSChannel carries transport packets from a tuner to a consumer running
// on its own goroutine
type MpegTSChannel chan packet.Packet

// tsPipe is a PID consumer feeding an MpegTSChannel. It runs on the tuner's
// control goroutine and never blocks: packets are dropped when the reader
// falls behind.
type tsPipe struct {
	out     MpegTSChannel
	dropped int
}

func newTsPipe(size int) *tsPipe {
	p := new(tsPipe)
	p.out = make(MpegTSChannel, size)
	return p
}

func (p *tsPipe) ProcessData(data []byte) {
	var pkt packet.Packet
	copy(pkt[:], data)

	select {
	case p.out <- pkt:
	default:
		p.dropped++
	}
}

// open the backend device declared in the configuration
func openDevice(device config.Device) (backend.Device, error) {
	switch device.Backend {
	case config.BackendSim:
		d, err := NewVirtualTuner(device)
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.BackendLinuxDVB:
		return openLinuxDVB(device)
	default:
		return nil, fmt.Errorf("unknown backend %q for %s", device.Backend, device.Name)
	}
}
