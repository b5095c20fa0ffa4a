// Package input is the boundary to the operating system's input devices.
//
// On Linux it talks to evdev character devices under /dev/input: it can
// enumerate them with their key capabilities, open one, take and release an
// exclusive grab (EVIOCGRAB), and fetch pending key events without blocking.
// Other platforms get a backend that reports ErrNotSupported.
package input

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultDir is where the kernel exposes evdev nodes.
const DefaultDir = "/dev/input"

// maxBatch bounds how many events a single Fetch drains so that a flooding
// device cannot starve the caller.
const maxBatch = 256

var (
	// ErrWouldBlock is returned by Fetch when no events are queued.
	ErrWouldBlock = errors.New("input: no events pending")

	// ErrHangup is returned by Fetch once the device is gone.
	ErrHangup = errors.New("input: device hung up")

	// ErrNotCharDevice is returned by Open for paths that are not evdev
	// character devices.
	ErrNotCharDevice = errors.New("input: not a character device")

	// ErrNotSupported is returned on platforms without evdev.
	ErrNotSupported = errors.New("input: exclusive device capture is only supported on linux")
)

// KeyEvent is a single EV_KEY event. Value is 0 for release, 1 for press and
// 2 for autorepeat.
type KeyEvent struct {
	Code  uint16
	Value int32
}

// Down reports whether the key is pressed (including autorepeat).
func (e KeyEvent) Down() bool {
	return e.Value != 0
}

// KeyDown builds a press event.
func KeyDown(code uint16) KeyEvent { return KeyEvent{Code: code, Value: 1} }

// KeyUp builds a release event.
func KeyUp(code uint16) KeyEvent { return KeyEvent{Code: code, Value: 0} }

// DeviceInfo describes one input device found by a scan.
type DeviceInfo struct {
	// Path is the device node and serves as its identity.
	Path string `json:"path"`

	// Name is the kernel-reported device name.
	Name string `json:"name"`

	// Keyboard is set when the device reports alphabetic keys.
	Keyboard bool `json:"keyboard"`
}

// DisplayName formats the device for people.
func (d DeviceInfo) DisplayName() string {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		name = "Unknown device"
	}
	return fmt.Sprintf("%s (%s)", name, filepath.Base(d.Path))
}

// Device is an opened input device.
type Device interface {
	// Grab takes exclusive capture of the device.
	Grab() error

	// Ungrab releases exclusive capture.
	Ungrab() error

	// Fetch returns the key events that are already queued. It never
	// blocks; when nothing is pending it returns ErrWouldBlock.
	Fetch() ([]KeyEvent, error)

	// Close releases the device handle.
	Close() error
}

// Backend opens and enumerates devices.
type Backend interface {
	// Open opens the device node at path in non-blocking mode.
	Open(path string) (Device, error)

	// Enumerate probes every device node. Devices that could not be
	// probed are left out of the list and reported through the joined
	// error; a non-nil error does not invalidate the list.
	Enumerate() ([]DeviceInfo, error)
}

// NewBackend returns the platform backend rooted at dir. An empty dir means
// DefaultDir.
func NewBackend(dir string) Backend {
	if dir == "" {
		dir = DefaultDir
	}
	return newPlatformBackend(dir)
}

// SortDevices orders devices by node number so event2 sorts before event10.
func SortDevices(devices []DeviceInfo) {
	sort.SliceStable(devices, func(i, j int) bool {
		ni, okI := nodeNumber(devices[i].Path)
		nj, okJ := nodeNumber(devices[j].Path)
		if okI && okJ && ni != nj {
			return ni < nj
		}
		return devices[i].Path < devices[j].Path
	})
}

func nodeNumber(path string) (int, bool) {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "event") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(base, "event"))
	if err != nil {
		return 0, false
	}
	return n, true
}
