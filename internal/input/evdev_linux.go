//go:build linux

package input

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	evdev "github.com/holoplot/go-evdev"
	"golang.org/x/sys/unix"
)

// eviocgrab is EVIOCGRAB, _IOW('E', 0x90, int).
const eviocgrab = 0x40044590

// eventSize is sizeof(struct input_event): a timeval followed by type, code
// and value.
var eventSize = int(unsafe.Sizeof(unix.Timeval{})) + 8

// evdevDevice reads input_event records straight from a raw descriptor.
// Readiness is checked with poll(2) before every read, so Fetch returns
// immediately whether or not the descriptor is in non-blocking mode.
type evdevDevice struct {
	fd  int
	buf []byte
}

// NewDevice wraps an already open evdev descriptor, such as one handed out
// by logind's TakeDevice. The Device owns fd and closes it.
func NewDevice(fd int) Device {
	return newEvdevDevice(fd)
}

func newEvdevDevice(fd int) *evdevDevice {
	return &evdevDevice{fd: fd, buf: make([]byte, maxBatch*eventSize)}
}

func (d *evdevDevice) Grab() error {
	if err := unix.IoctlSetInt(d.fd, eviocgrab, 1); err != nil {
		return fmt.Errorf("EVIOCGRAB: %w", err)
	}
	return nil
}

func (d *evdevDevice) Ungrab() error {
	if err := unix.IoctlSetInt(d.fd, eviocgrab, 0); err != nil {
		return fmt.Errorf("EVIOCGRAB release: %w", err)
	}
	return nil
}

// Fetch drains up to maxBatch queued events, keeping only EV_KEY.
func (d *evdevDevice) Fetch() ([]KeyEvent, error) {
	if d.fd < 0 {
		return nil, unix.EBADF
	}
	ready, err := d.ready()
	if err != nil || !ready {
		return nil, err
	}

	n, err := unix.Read(d.fd, d.buf)
	switch {
	case isWouldBlock(err):
		return nil, ErrWouldBlock
	case err != nil:
		return nil, err
	case n == 0:
		return nil, ErrHangup
	}

	batch := decodeKeyEvents(d.buf[:n])
	if len(batch) == 0 {
		return nil, ErrWouldBlock
	}
	return batch, nil
}

// ready polls the descriptor without waiting. Nothing queued yields
// ErrWouldBlock and a vanished device ErrHangup. Queued data is still read
// after a hangup.
func (d *evdevDevice) ready() (bool, error) {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)
	if err != nil {
		if isWouldBlock(err) {
			return false, ErrWouldBlock
		}
		return false, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return false, ErrWouldBlock
	}

	rev := fds[0].Revents
	switch {
	case rev&unix.POLLIN != 0:
		return true, nil
	case rev&unix.POLLNVAL != 0:
		return false, unix.EBADF
	case rev&(unix.POLLERR|unix.POLLHUP) != 0:
		return false, ErrHangup
	}
	return false, ErrWouldBlock
}

func (d *evdevDevice) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

// decodeKeyEvents turns whole input_event records into key events. A
// trailing partial record is dropped; evdev never produces one.
func decodeKeyEvents(buf []byte) []KeyEvent {
	var batch []KeyEvent
	off := eventSize - 8
	for len(buf) >= eventSize {
		rec := buf[:eventSize]
		buf = buf[eventSize:]

		typ := binary.NativeEndian.Uint16(rec[off:])
		if evdev.EvType(typ) != evdev.EV_KEY {
			continue
		}
		batch = append(batch, KeyEvent{
			Code:  binary.NativeEndian.Uint16(rec[off+2:]),
			Value: int32(binary.NativeEndian.Uint32(rec[off+4:])),
		})
	}
	return batch
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}
