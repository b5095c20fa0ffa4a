package input

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"
)

// SimulatedBackend is an in-memory Backend for tests and dry runs. It never
// touches real devices.
type SimulatedBackend struct {
	mu      sync.Mutex
	devices map[string]*SimulatedDevice
	openErr map[string]error
}

// NewSimulated creates an empty simulated backend.
func NewSimulated() *SimulatedBackend {
	return &SimulatedBackend{
		devices: make(map[string]*SimulatedDevice),
		openErr: make(map[string]error),
	}
}

// Add plugs in a device and returns its handle.
func (s *SimulatedBackend) Add(info DeviceInfo) *SimulatedDevice {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := &SimulatedDevice{info: info}
	s.devices[info.Path] = d
	return d
}

// AddKeyboard is Add for a device that reports alphabetic keys.
func (s *SimulatedBackend) AddKeyboard(path, name string) *SimulatedDevice {
	return s.Add(DeviceInfo{Path: path, Name: name, Keyboard: true})
}

// Remove unplugs a device. An open handle starts failing reads.
func (s *SimulatedBackend) Remove(path string) {
	s.mu.Lock()
	d, ok := s.devices[path]
	delete(s.devices, path)
	s.mu.Unlock()

	if ok {
		d.Fail(fmt.Errorf("read %s: %w", path, errNoDevice))
	}
}

// FailOpen makes the next Open of path return err.
func (s *SimulatedBackend) FailOpen(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr[path] = err
}

// Device returns the simulated device at path, or nil.
func (s *SimulatedBackend) Device(path string) *SimulatedDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices[path]
}

// Open implements Backend.
func (s *SimulatedBackend) Open(path string) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.openErr[path]; ok {
		delete(s.openErr, path)
		return nil, err
	}
	d, ok := s.devices[path]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	d.mu.Lock()
	d.opens++
	d.closed = false
	d.mu.Unlock()
	return d, nil
}

// Enumerate implements Backend.
func (s *SimulatedBackend) Enumerate() ([]DeviceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices := make([]DeviceInfo, 0, len(s.devices))
	for _, d := range s.devices {
		devices = append(devices, d.info)
	}
	SortDevices(devices)
	return devices, nil
}

// errNoDevice mirrors ENODEV, which the kernel returns once a device node
// has been removed.
var errNoDevice = errors.New("no such device")

// SimulatedDevice is a scripted Device.
type SimulatedDevice struct {
	info DeviceInfo

	mu      sync.Mutex
	batches [][]KeyEvent
	readErr error
	grabErr error
	grabbed bool
	closed  bool
	opens   int
	grabs   int
	ungrabs int
}

// Info returns the device descriptor.
func (d *SimulatedDevice) Info() DeviceInfo {
	return d.info
}

// Push queues one batch of events, returned together by the next Fetch.
func (d *SimulatedDevice) Push(events ...KeyEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, events)
}

// Fail makes every following Fetch return err.
func (d *SimulatedDevice) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readErr = err
}

// FailGrab makes Grab return err.
func (d *SimulatedDevice) FailGrab(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.grabErr = err
}

// Grabbed reports whether the device is currently grabbed.
func (d *SimulatedDevice) Grabbed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.grabbed
}

// Closed reports whether the last opened handle was closed.
func (d *SimulatedDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Counts returns how often the device was opened, grabbed and ungrabbed.
func (d *SimulatedDevice) Counts() (opens, grabs, ungrabs int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens, d.grabs, d.ungrabs
}

// Pending returns the number of queued batches.
func (d *SimulatedDevice) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.batches)
}

// Grab implements Device.
func (d *SimulatedDevice) Grab() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.grabErr != nil {
		return d.grabErr
	}
	d.grabs++
	d.grabbed = true
	return nil
}

// Ungrab implements Device.
func (d *SimulatedDevice) Ungrab() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ungrabs++
	wasGrabbed := d.grabbed
	d.grabbed = false
	if !wasGrabbed {
		return errors.New("device not grabbed")
	}
	return nil
}

// Fetch implements Device.
func (d *SimulatedDevice) Fetch() ([]KeyEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readErr != nil {
		return nil, d.readErr
	}
	if len(d.batches) == 0 {
		return nil, ErrWouldBlock
	}
	batch := d.batches[0]
	d.batches = d.batches[1:]
	return batch, nil
}

// Close implements Device.
func (d *SimulatedDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
