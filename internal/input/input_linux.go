//go:build linux

package input

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	evdev "github.com/holoplot/go-evdev"
	"golang.org/x/sys/unix"
)

// keyboardKey is the capability that marks a device as a keyboard.
const keyboardKey = evdev.KEY_A

type evdevBackend struct {
	dir string
}

func newPlatformBackend(dir string) Backend {
	return &evdevBackend{dir: dir}
}

// Open opens the node with O_NONBLOCK and checks that it is a character
// device. A FIFO or regular file passed as a device path is refused here
// instead of stalling the session in open or read.
func (b *evdevBackend) Open(path string) (Device, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: path, Err: err}
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, &fs.PathError{Op: "stat", Path: path, Err: err}
	}
	if st.Mode&unix.S_IFMT != unix.S_IFCHR {
		unix.Close(fd)
		return nil, fmt.Errorf("%s: %w", path, ErrNotCharDevice)
	}
	return newEvdevDevice(fd), nil
}

// Enumerate opens each event node just long enough to read its name and key
// capabilities.
func (b *evdevBackend) Enumerate() ([]DeviceInfo, error) {
	paths, err := filepath.Glob(filepath.Join(b.dir, "event*"))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", b.dir, err)
	}

	var (
		devices []DeviceInfo
		errs    []error
	)
	for _, path := range paths {
		info, err := inspect(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		devices = append(devices, info)
	}

	SortDevices(devices)
	return devices, errors.Join(errs...)
}

func inspect(path string) (DeviceInfo, error) {
	dev, err := evdev.Open(path)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("inspect %s: %w", path, err)
	}
	defer dev.Close()

	name, err := dev.Name()
	if err != nil {
		name = ""
	}

	info := DeviceInfo{Path: path, Name: name}
	for _, code := range dev.CapableEvents(evdev.EV_KEY) {
		if code == keyboardKey {
			info.Keyboard = true
			break
		}
	}
	return info, nil
}
