package ui

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"keylock/internal/coordinator"
	"keylock/internal/ipc"
)

// Daemon is the part of the IPC client the panel drives.
type Daemon interface {
	Status() (*ipc.StatusResponse, error)
	Lock(device string) (coordinator.Snapshot, error)
	Unlock() (coordinator.Snapshot, error)
	Select(device string) (coordinator.Snapshot, error)
	SetUnlockKey(key string) (*ipc.SetUnlockKeyResponse, error)
	Subscribe(kinds ...string) error
	Events() <-chan *ipc.Event
	Done() <-chan struct{}
	Err() error
	Close() error
}

// DialFunc opens a new connection to the daemon.
type DialFunc func() (Daemon, error)

// View is what one frame renders.
type View struct {
	Connected bool
	State     coordinator.Snapshot
	Err       string
}

// CanLock reports whether the Lock button should be enabled.
func (v View) CanLock() bool {
	return v.Connected && v.State.Status == coordinator.Idle && v.State.Selected != ""
}

// CanUnlock reports whether the Unlock button should be enabled.
func (v View) CanUnlock() bool {
	return v.Connected && v.State.Status == coordinator.Locked
}

// ErrNotConnected is returned by actions while no daemon connection exists.
var ErrNotConnected = errors.New("not connected to keylockd")

// Model keeps the daemon connection alive and holds the latest state.
// Actions block on the daemon and are meant to be run off the UI goroutine.
// State only changes through daemon events.
type Model struct {
	dial       DialFunc
	retry      time.Duration
	invalidate func()
	log        *slog.Logger

	mu        sync.Mutex
	daemon    Daemon
	state     coordinator.Snapshot
	actionErr string
	linkErr   string
}

// NewModel creates a model. invalidate is called whenever the view changes.
func NewModel(dial DialFunc, retry time.Duration, invalidate func(), log *slog.Logger) *Model {
	if retry <= 0 {
		retry = 2 * time.Second
	}
	if invalidate == nil {
		invalidate = func() {}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Model{
		dial:       dial,
		retry:      retry,
		invalidate: invalidate,
		log:        log.With("component", "panel"),
		linkErr:    ErrNotConnected.Error(),
	}
}

// View returns a copy of the current view.
func (m *Model) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := View{Connected: m.daemon != nil, State: m.state}
	switch {
	case m.linkErr != "":
		v.Err = m.linkErr
	case m.actionErr != "":
		v.Err = m.actionErr
	default:
		v.Err = m.state.Error
	}
	return v
}

// Run connects to the daemon and follows its events, reconnecting after
// the connection drops, until ctx is done.
func (m *Model) Run(ctx context.Context) {
	for {
		d, err := m.dial()
		if err != nil {
			m.setLinkErr(err)
		} else {
			m.serve(ctx, d)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.retry):
		}
	}
}

func (m *Model) serve(ctx context.Context, d Daemon) {
	defer d.Close()

	// Subscribe first so no change between the two calls is missed.
	if err := d.Subscribe(); err != nil {
		m.setLinkErr(err)
		return
	}
	st, err := d.Status()
	if err != nil {
		m.setLinkErr(err)
		return
	}

	m.mu.Lock()
	m.daemon = d
	m.state = st.State
	m.linkErr = ""
	m.actionErr = ""
	m.mu.Unlock()
	m.log.Info("connected to daemon", "version", st.Version)
	m.invalidate()

	defer func() {
		m.mu.Lock()
		m.daemon = nil
		m.mu.Unlock()
		lost := d.Err()
		if lost == nil {
			lost = ipc.ErrConnectionLost
		}
		m.setLinkErr(lost)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.Done():
			return
		case ev, ok := <-d.Events():
			if !ok {
				return
			}
			m.mu.Lock()
			m.state = ev.State
			if ev.Kind == coordinator.EventLocked.String() {
				m.actionErr = ""
			}
			m.mu.Unlock()
			m.invalidate()
		}
	}
}

func (m *Model) setLinkErr(err error) {
	m.mu.Lock()
	changed := m.linkErr != err.Error()
	m.linkErr = err.Error()
	m.mu.Unlock()
	if changed {
		m.log.Debug("daemon link down", "error", err)
		m.invalidate()
	}
}

// Lock starts a session on the selected device. The new state arrives as
// an event.
func (m *Model) Lock() error {
	return m.act(func(d Daemon) error {
		_, err := d.Lock("")
		return err
	})
}

// Unlock ends the running session.
func (m *Model) Unlock() error {
	return m.act(func(d Daemon) error {
		_, err := d.Unlock()
		return err
	})
}

// Select changes the selected device.
func (m *Model) Select(path string) error {
	return m.act(func(d Daemon) error {
		_, err := d.Select(path)
		return err
	})
}

// SetUnlockKey changes the unlock letter. An empty key is ignored.
func (m *Model) SetUnlockKey(key string) error {
	if key == "" {
		return nil
	}
	return m.act(func(d Daemon) error {
		_, err := d.SetUnlockKey(key)
		return err
	})
}

func (m *Model) act(fn func(Daemon) error) error {
	m.mu.Lock()
	d := m.daemon
	m.mu.Unlock()
	if d == nil {
		return ErrNotConnected
	}

	err := fn(d)

	m.mu.Lock()
	if err != nil {
		m.actionErr = err.Error()
	} else {
		m.actionErr = ""
	}
	m.mu.Unlock()
	m.invalidate()
	return err
}
