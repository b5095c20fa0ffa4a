package ui

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gioui.org/layout"
	"gioui.org/op"
	"gioui.org/unit"
	"gioui.org/widget/material"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keylock/cmd/keylock-panel/internal/theme"
	"keylock/internal/chord"
	"keylock/internal/coordinator"
	"keylock/internal/input"
	"keylock/internal/ipc"
)

type fakeDaemon struct {
	mu      sync.Mutex
	state   coordinator.Snapshot
	calls   []string
	lockErr error

	events    chan *ipc.Event
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{
		state: coordinator.Snapshot{
			Status: coordinator.Idle,
			Devices: []input.DeviceInfo{
				{Path: "/dev/input/event3", Name: "AT Keyboard", Keyboard: true},
				{Path: "/dev/input/event7", Name: "USB Keyboard", Keyboard: true},
			},
			Selected: "/dev/input/event3",
			Chord:    chord.Default(),
		},
		events: make(chan *ipc.Event, 8),
		done:   make(chan struct{}),
	}
}

func (f *fakeDaemon) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeDaemon) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDaemon) Status() (*ipc.StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &ipc.StatusResponse{State: f.state, Version: "test"}, nil
}

func (f *fakeDaemon) Lock(device string) (coordinator.Snapshot, error) {
	f.record("lock:" + device)
	return coordinator.Snapshot{}, f.lockErr
}

func (f *fakeDaemon) Unlock() (coordinator.Snapshot, error) {
	f.record("unlock")
	return coordinator.Snapshot{}, nil
}

func (f *fakeDaemon) Select(device string) (coordinator.Snapshot, error) {
	f.record("select:" + device)
	return coordinator.Snapshot{}, nil
}

func (f *fakeDaemon) SetUnlockKey(key string) (*ipc.SetUnlockKeyResponse, error) {
	f.record("key:" + key)
	return &ipc.SetUnlockKeyResponse{}, nil
}

func (f *fakeDaemon) Subscribe(kinds ...string) error { return nil }
func (f *fakeDaemon) Events() <-chan *ipc.Event      { return f.events }
func (f *fakeDaemon) Done() <-chan struct{}          { return f.done }
func (f *fakeDaemon) Err() error                     { return nil }

func (f *fakeDaemon) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

// dialer hands out the queued daemons in order and fails when none is left.
type dialer struct {
	mu      sync.Mutex
	daemons []*fakeDaemon
}

func (d *dialer) dial() (Daemon, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.daemons) == 0 {
		return nil, ipc.ErrDaemonNotRunning
	}
	f := d.daemons[0]
	d.daemons = d.daemons[1:]
	return f, nil
}

func (d *dialer) push(f *fakeDaemon) {
	d.mu.Lock()
	d.daemons = append(d.daemons, f)
	d.mu.Unlock()
}

func startModel(t *testing.T, d *dialer) (*Model, *atomic.Int32) {
	t.Helper()
	var frames atomic.Int32
	m := NewModel(d.dial, 10*time.Millisecond, func() { frames.Add(1) }, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m, &frames
}

func connected(m *Model) func() bool {
	return func() bool { return m.View().Connected }
}

func TestModelStartsDisconnected(t *testing.T) {
	m := NewModel((&dialer{}).dial, 0, nil, nil)
	v := m.View()
	assert.False(t, v.Connected)
	assert.Equal(t, ErrNotConnected.Error(), v.Err)
	assert.False(t, v.CanLock())
	assert.ErrorIs(t, m.Lock(), ErrNotConnected)
	assert.ErrorIs(t, m.Select("/dev/input/event3"), ErrNotConnected)
}

func TestModelFollowsEvents(t *testing.T) {
	f := newFakeDaemon()
	m, frames := startModel(t, &dialer{daemons: []*fakeDaemon{f}})

	require.Eventually(t, connected(m), time.Second, 5*time.Millisecond)
	v := m.View()
	assert.Empty(t, v.Err)
	assert.Equal(t, "/dev/input/event3", v.State.Selected)
	assert.True(t, v.CanLock())
	assert.False(t, v.CanUnlock())

	locked := f.state
	locked.Status = coordinator.Locked
	locked.Device = "/dev/input/event3"
	f.events <- &ipc.Event{Kind: "locked", State: locked}

	require.Eventually(t, func() bool {
		return m.View().State.Status == coordinator.Locked
	}, time.Second, 5*time.Millisecond)
	v = m.View()
	assert.False(t, v.CanLock())
	assert.True(t, v.CanUnlock())
	assert.Positive(t, frames.Load())
}

func TestModelShowsLockFailure(t *testing.T) {
	f := newFakeDaemon()
	m, _ := startModel(t, &dialer{daemons: []*fakeDaemon{f}})
	require.Eventually(t, connected(m), time.Second, 5*time.Millisecond)

	failed := f.state
	failed.Error = "cannot open /dev/input/event3: permission denied"
	f.events <- &ipc.Event{Kind: "lock_failed", State: failed}

	require.Eventually(t, func() bool {
		return m.View().Err == failed.Error
	}, time.Second, 5*time.Millisecond)
	assert.True(t, m.View().CanLock())
}

func TestModelActions(t *testing.T) {
	f := newFakeDaemon()
	m, _ := startModel(t, &dialer{daemons: []*fakeDaemon{f}})
	require.Eventually(t, connected(m), time.Second, 5*time.Millisecond)

	require.NoError(t, m.Select("/dev/input/event7"))
	require.NoError(t, m.SetUnlockKey("k"))
	require.NoError(t, m.SetUnlockKey(""))
	require.NoError(t, m.Lock())
	require.NoError(t, m.Unlock())
	assert.Equal(t, []string{"select:/dev/input/event7", "key:k", "lock:", "unlock"}, f.Calls())

	f.mu.Lock()
	f.lockErr = coordinator.ErrAlreadyLocked
	f.mu.Unlock()
	err := m.Lock()
	require.ErrorIs(t, err, coordinator.ErrAlreadyLocked)
	assert.Equal(t, err.Error(), m.View().Err)

	require.NoError(t, m.Unlock())
	assert.Empty(t, m.View().Err)
}

func TestModelReconnects(t *testing.T) {
	first := newFakeDaemon()
	d := &dialer{daemons: []*fakeDaemon{first}}
	m, _ := startModel(t, d)
	require.Eventually(t, connected(m), time.Second, 5*time.Millisecond)

	first.Close()
	require.Eventually(t, func() bool { return !m.View().Connected }, time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, m.View().Err)

	second := newFakeDaemon()
	second.state.Selected = "/dev/input/event7"
	d.push(second)

	require.Eventually(t, func() bool {
		v := m.View()
		return v.Connected && v.State.Selected == "/dev/input/event7"
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, m.View().Err)
}

func TestPanelLayoutShowsDaemonLetter(t *testing.T) {
	f := newFakeDaemon()
	f.state.Chord = chord.Parse("k")
	m, _ := startModel(t, &dialer{daemons: []*fakeDaemon{f}})
	require.Eventually(t, connected(m), time.Second, 5*time.Millisecond)

	p := NewPanel(theme.NewTheme(material.NewTheme()), m)
	gtx := layout.Context{
		Ops:         new(op.Ops),
		Metric:      unit.Metric{PxPerDp: 1, PxPerSp: 1},
		Constraints: layout.Exact(image.Pt(420, 520)),
	}
	p.Layout(gtx)

	assert.Equal(t, "K", p.key.Text())
	assert.Equal(t, "/dev/input/event3", p.devices.Value)
	assert.Empty(t, f.Calls())
}
