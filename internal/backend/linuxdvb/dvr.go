//go:build linux

package linuxdvb

import (
	"github.com/Comcast/gots/v2/packet"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"dvbserver/internal/backend"
)

// dvrReader is the I/O goroutine of a device: it waits on the DVR file and
// a wake pipe, and moves the packets read into the owner's buffers
type dvrReader struct {
	fd    int
	owner backend.Frontend

	wakeRead  int
	wakeWrite int
	done      chan struct{}

	// partial packet left by the previous read
	rest []byte
}

func startDvrReader(fd int, owner backend.Frontend) (*dvrReader, error) {
	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, errors.Wrap(err, "wake pipe")
	}

	r := new(dvrReader)
	r.fd = fd
	r.owner = owner
	r.wakeRead = pipe[0]
	r.wakeWrite = pipe[1]
	r.done = make(chan struct{})
	r.rest = make([]byte, 0, packet.PacketSize)

	go r.run()
	return r, nil
}

// stop signals the goroutine through the wake pipe and waits for it to exit
func (r *dvrReader) stop() {
	if _, err := unix.Write(r.wakeWrite, []byte{1}); err != nil {
		log.Errorf("cannot wake dvr reader: %v", err)
	}
	<-r.done
	unix.Close(r.wakeRead)
	unix.Close(r.wakeWrite)
}

func (r *dvrReader) run() {
	defer close(r.done)

	fds := []unix.PollFd{
		{Fd: int32(r.fd), Events: unix.POLLIN},
		{Fd: int32(r.wakeRead), Events: unix.POLLIN},
	}

	for {
		fds[0].Revents = 0
		fds[1].Revents = 0
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Errorf("dvr poll: %v", err)
			return
		}

		if fds[1].Revents != 0 {
			return
		}
		if fds[0].Revents&(unix.POLLHUP|unix.POLLNVAL) != 0 {
			log.Errorf("dvr device closed")
			return
		}
		// buffer overflow is reported as POLLERR, the next read clears it
		if fds[0].Revents&(unix.POLLIN|unix.POLLERR) != 0 {
			r.read()
		}
	}
}

// read until the DVR file is empty
func (r *dvrReader) read() {
	for {
		buf := r.owner.GetBuffer()
		start := copy(buf, r.rest)

		n, err := unix.Read(r.fd, buf[start:])
		if err != nil {
			r.owner.WriteBuffer(buf, 0)
			switch err {
			case unix.EAGAIN:
			case unix.EOVERFLOW:
				log.Debugf("dvr buffer overflow")
				r.rest = r.rest[:0]
				continue
			default:
				log.Warnf("dvr read: %v", err)
			}
			return
		}
		if n <= 0 {
			r.owner.WriteBuffer(buf, 0)
			return
		}

		total := start + n
		whole := total - total%packet.PacketSize
		r.rest = append(r.rest[:0], buf[whole:total]...)
		r.owner.WriteBuffer(buf, whole)
	}
}
