//go:build linux

package linuxdvb

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"

	"dvbserver/internal/cam"
)

// caLink is the cam.Link of a CA device. Reads block in the runtime poller
// and are interrupted by Close.
type caLink struct {
	file *os.File
}

func openCaLink(path string) (*caLink, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return &caLink{file: file}, nil
}

func (l *caLink) Read(p []byte) (int, error)  { return l.file.Read(p) }
func (l *caLink) Write(p []byte) (int, error) { return l.file.Write(p) }
func (l *caLink) Close() error                { return l.file.Close() }

// run an ioctl on the file descriptor owned by the poller
func (l *caLink) ioctl(fn func(fd int) error) error {
	conn, err := l.file.SyscallConn()
	if err != nil {
		return err
	}
	var ioctlErr error
	if err := conn.Control(func(fd uintptr) { ioctlErr = fn(int(fd)) }); err != nil {
		return err
	}
	return ioctlErr
}

func (l *caLink) Reset() error {
	err := l.ioctl(func(fd int) error { return ioctlValue(fd, caReset, 0) })
	return errors.Wrap(err, "CA_RESET")
}

func (l *caLink) SlotCount() (int, error) {
	var caps caCaps
	err := l.ioctl(func(fd int) error { return ioctlPtr(fd, caGetCap, unsafe.Pointer(&caps)) })
	if err != nil {
		return 0, errors.Wrap(err, "CA_GET_CAP")
	}
	return int(caps.SlotNum), nil
}

func (l *caLink) SlotInfo(slot int) (cam.SlotInfo, error) {
	info := caSlotInfo{Num: int32(slot)}
	err := l.ioctl(func(fd int) error { return ioctlPtr(fd, caGetSlotInfo, unsafe.Pointer(&info)) })
	if err != nil {
		return cam.SlotInfo{}, errors.Wrapf(err, "CA_GET_SLOT_INFO slot %d", slot)
	}
	return cam.SlotInfo{Type: int(info.Type), Flags: int(info.Flags)}, nil
}
