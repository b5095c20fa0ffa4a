// Package coordinator owns the shared lock state and the lifecycle of the
// capture session.
//
// All state lives in one State value behind one mutex. The lock is held
// only to read or update that value, never across device I/O or sleeps.
// At most one capture session exists at a time; each gets its own buffered
// unlock channel and a generation number so that reports from a session
// that is no longer current are dropped.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"keylock/internal/capture"
	"keylock/internal/chord"
	"keylock/internal/input"
	"keylock/internal/registry"
)

var (
	ErrAlreadyLocked = errors.New("a capture session is already running")
	ErrNotLocked     = errors.New("no capture session is running")
	ErrNoDevice      = errors.New("no device selected")
	ErrUnknownDevice = errors.New("unknown device")
	ErrClosed        = errors.New("coordinator closed")
)

// Config configures a Coordinator.
type Config struct {
	Backend input.Backend

	// Chord is the initial unlock chord. The zero value means the default.
	Chord chord.Chord

	// PollInterval is passed to every capture session.
	PollInterval time.Duration

	Logger *slog.Logger
}

type sessionHandle struct {
	id      uint64
	path    string
	cancel  chan struct{}
	started time.Time
}

// Coordinator serialises lock commands and publishes state.
type Coordinator struct {
	backend      input.Backend
	pollInterval time.Duration
	log          *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     State
	session   *sessionHandle
	gen       uint64
	closed    bool
	listeners map[int]Listener
	nextID    int
	pending   []Event

	kick         chan struct{}
	stop         chan struct{}
	dispatchDone chan struct{}
}

// New creates an idle coordinator.
func New(cfg Config) *Coordinator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if !cfg.Chord.Valid() {
		cfg.Chord = chord.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		backend:      cfg.Backend,
		pollInterval: cfg.PollInterval,
		log:          log.With("component", "coordinator"),
		ctx:          ctx,
		cancel:       cancel,
		state:        State{Status: Idle, Chord: cfg.Chord},
		listeners:    make(map[int]Listener),
		kick:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}
	go c.dispatchLoop()
	return c
}

// Subscribe registers l and returns a function that removes it.
func (c *Coordinator) Subscribe(l Listener) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Status returns a snapshot of the current state.
func (c *Coordinator) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Lock starts a capture session on path, or on the selected device when
// path is empty. It returns once the session is started; the grab itself
// is reported through Status and EventLocked or EventLockFailed.
func (c *Coordinator) Lock(path string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.session != nil {
		c.mu.Unlock()
		return ErrAlreadyLocked
	}
	if path == "" {
		path = c.state.Selected
	}
	if path == "" {
		c.mu.Unlock()
		return ErrNoDevice
	}

	c.gen++
	h := &sessionHandle{
		id:      c.gen,
		path:    path,
		cancel:  make(chan struct{}, 1),
		started: time.Now(),
	}
	c.session = h
	c.state.LastError = nil
	c.wg.Add(1)
	c.mu.Unlock()

	log := c.log.With("session", h.id)
	log.Info("lock requested", "device", path)

	s := capture.New(capture.Config{
		Path:         path,
		Backend:      c.backend,
		UnlockCode:   c.unlockCode,
		Cancel:       h.cancel,
		PollInterval: c.pollInterval,
		OnGrabbed:    func() { c.grabbed(h) },
		OnReleased:   func(r capture.Result) { c.released(h, r) },
		Logger:       log,
	})
	go func() {
		defer c.wg.Done()
		s.Run(c.ctx)
	}()
	return nil
}

// Unlock asks the running session to release its device. It does not wait.
func (c *Coordinator) Unlock() error {
	c.mu.Lock()
	h := c.session
	c.mu.Unlock()

	if h == nil {
		return ErrNotLocked
	}
	select {
	case h.cancel <- struct{}{}:
	default:
	}
	return nil
}

// SetUnlockChar sets the unlock letter from user input and returns the
// resulting chord. Invalid input selects the default chord.
func (c *Coordinator) SetUnlockChar(s string) chord.Chord {
	ch := chord.Parse(s)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Chord != ch {
		c.state.Chord = ch
		c.log.Info("unlock chord changed", "chord", ch.String())
		c.emitLocked(Event{Kind: EventChordChanged})
	}
	return ch
}

// Select makes path the device used by Lock with an empty path.
func (c *Coordinator) Select(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !registry.Contains(c.state.Devices, path) {
		return ErrUnknownDevice
	}
	if c.state.Selected != path {
		c.state.Selected = path
		c.emitLocked(Event{Kind: EventSelectionChanged})
	}
	return nil
}

// SetDevices replaces the device list and reconciles the selection. It
// implements registry.Sink.
func (c *Coordinator) SetDevices(devices []input.DeviceInfo) {
	devices = slices.Clone(devices)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.Equal(c.state.Devices, devices) {
		c.state.Devices = devices
		c.emitLocked(Event{Kind: EventDevicesChanged})
	}
	if selected := registry.Reconcile(c.state.Selected, devices); selected != c.state.Selected {
		c.state.Selected = selected
		c.log.Debug("selection reconciled", "selected", selected)
		c.emitLocked(Event{Kind: EventSelectionChanged})
	}
}

// Close releases any running session, waits for it to finish, delivers the
// remaining events and rejects further Lock calls.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.dispatchDone
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	close(c.stop)
	<-c.dispatchDone
}

func (c *Coordinator) unlockCode() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Chord.Code
}

func (c *Coordinator) grabbed(h *sessionHandle) {
	c.mu.Lock()
	if c.session != h {
		c.mu.Unlock()
		c.log.Debug("dropping stale grab report", "session", h.id)
		return
	}
	c.state.Status = Locked
	c.emitLocked(Event{
		Kind:    EventLocked,
		Session: &SessionInfo{ID: h.id, Device: h.path, StartedAt: h.started},
	})
	c.mu.Unlock()
}

func (c *Coordinator) released(h *sessionHandle, r capture.Result) {
	c.mu.Lock()
	if c.session != h {
		c.mu.Unlock()
		c.log.Debug("dropping stale release report", "session", h.id)
		return
	}
	c.session = nil
	c.state.Status = Idle
	if r.Err != nil {
		c.state.LastError = r.Err
	}

	kind := EventUnlocked
	if !r.Grabbed {
		kind = EventLockFailed
	}
	c.emitLocked(Event{
		Kind: kind,
		Session: &SessionInfo{
			ID:        h.id,
			Device:    h.path,
			Reason:    r.Reason,
			Err:       r.Err,
			StartedAt: h.started,
			EndedAt:   r.EndedAt,
		},
	})
	c.mu.Unlock()
}

func (c *Coordinator) snapshotLocked() Snapshot {
	snap := Snapshot{
		Status:   c.state.Status,
		Devices:  slices.Clone(c.state.Devices),
		Selected: c.state.Selected,
		Chord:    c.state.Chord,
	}
	if snap.Devices == nil {
		snap.Devices = []input.DeviceInfo{}
	}
	if c.state.LastError != nil {
		snap.Error = c.state.LastError.Error()
	}
	if c.session != nil {
		snap.Device = c.session.path
		snap.SessionID = c.session.id
	}
	return snap
}

// emitLocked queues ev with a snapshot of the current state. The caller
// holds mu.
func (c *Coordinator) emitLocked(ev Event) {
	ev.Snapshot = c.snapshotLocked()
	c.pending = append(c.pending, ev)
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// dispatchLoop delivers queued events in order, outside the state lock.
func (c *Coordinator) dispatchLoop() {
	defer close(c.dispatchDone)
	for {
		select {
		case <-c.kick:
			c.deliver()
		case <-c.stop:
			c.deliver()
			return
		}
	}
}

func (c *Coordinator) deliver() {
	c.mu.Lock()
	events := c.pending
	c.pending = nil
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, c.listeners[id])
	}
	c.mu.Unlock()

	for _, ev := range events {
		for _, l := range ls {
			l(ev)
		}
	}
}
