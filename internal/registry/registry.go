// Package registry keeps the list of keyboards that can be captured.
//
// A scan probes every evdev node and keeps the ones that report alphabetic
// keys. The registry rescans on a fixed interval and, when watching is
// enabled, shortly after device nodes appear or disappear under the input
// directory. Each result is pushed to a Sink.
package registry

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"keylock/internal/input"
)

const (
	// DefaultScanInterval is the periodic rescan interval.
	DefaultScanInterval = 2 * time.Second

	// settleDelay lets udev finish creating or chmod-ing a node before it
	// is probed.
	settleDelay = 100 * time.Millisecond
)

// Sink receives every completed scan.
type Sink interface {
	SetDevices(devices []input.DeviceInfo)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func([]input.DeviceInfo)

// SetDevices implements Sink.
func (f SinkFunc) SetDevices(devices []input.DeviceInfo) { f(devices) }

// Reconcile applies the selection policy to a fresh device list and returns
// the new selection. A selection that vanished is cleared, an empty
// selection picks the first device, and a surviving selection is kept.
func Reconcile(selected string, devices []input.DeviceInfo) string {
	if selected != "" && Contains(devices, selected) {
		return selected
	}
	if len(devices) > 0 && selected == "" {
		return devices[0].Path
	}
	return ""
}

// Contains reports whether path is one of devices.
func Contains(devices []input.DeviceInfo, path string) bool {
	return slices.ContainsFunc(devices, func(d input.DeviceInfo) bool {
		return d.Path == path
	})
}

// Config configures a Registry.
type Config struct {
	Backend input.Backend

	// Dir is the directory watched for hot-plug events. Empty means
	// input.DefaultDir.
	Dir string

	// Interval defaults to DefaultScanInterval.
	Interval time.Duration

	// Watch enables fsnotify wakeups in addition to the periodic scan.
	Watch bool

	Logger *slog.Logger
}

// Registry scans for keyboards.
type Registry struct {
	cfg Config
	log *slog.Logger

	wake chan struct{}

	mu      sync.Mutex
	devices []input.DeviceInfo
}

// New creates a registry. It does not scan until Scan or Run is called.
func New(cfg Config) *Registry {
	if cfg.Dir == "" {
		cfg.Dir = input.DefaultDir
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultScanInterval
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		cfg:  cfg,
		log:  log.With("component", "registry"),
		wake: make(chan struct{}, 1),
	}
}

// Scan enumerates devices and returns the keyboards ordered by node.
// Devices that could not be probed are skipped; zero devices is not an
// error.
func (r *Registry) Scan() []input.DeviceInfo {
	all, err := r.cfg.Backend.Enumerate()
	if err != nil {
		r.log.Debug("some devices could not be probed", "error", err)
	}

	keyboards := make([]input.DeviceInfo, 0, len(all))
	for _, d := range all {
		if d.Keyboard {
			keyboards = append(keyboards, d)
		}
	}
	input.SortDevices(keyboards)

	r.mu.Lock()
	changed := !slices.Equal(r.devices, keyboards)
	r.devices = keyboards
	r.mu.Unlock()

	if changed {
		r.log.Info("keyboards changed", "count", len(keyboards))
	}
	return slices.Clone(keyboards)
}

// Devices returns the result of the last scan.
func (r *Registry) Devices() []input.DeviceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.devices)
}

// Refresh asks a running registry to rescan now.
func (r *Registry) Refresh() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run scans immediately and then keeps scanning until ctx is cancelled,
// pushing every result to sink.
func (r *Registry) Run(ctx context.Context, sink Sink) error {
	sink.SetDevices(r.Scan())

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if r.cfg.Watch {
		w, err := r.watch()
		if err != nil {
			r.log.Warn("hot-plug watch unavailable, polling only", "dir", r.cfg.Dir, "error", err)
		} else {
			defer w.Close()
			events, watchErrs = w.Events, w.Errors
		}
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	// settle is armed by a hot-plug event and fires once things quiet down.
	settle := time.NewTimer(settleDelay)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			sink.SetDevices(r.Scan())

		case <-r.wake:
			sink.SetDevices(r.Scan())

		case <-settle.C:
			sink.SetDevices(r.Scan())

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Chmod) {
				settle.Reset(settleDelay)
			}

		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			r.log.Debug("watch error", "error", err)
		}
	}
}

func (r *Registry) watch() (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(r.cfg.Dir); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}
