package coordinator

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keylock/internal/capture"
	"keylock/internal/chord"
	"keylock/internal/input"
)

const (
	kbd1 = "/dev/input/event3"
	kbd2 = "/dev/input/event7"
)

type fixture struct {
	sim    *input.SimulatedBackend
	dev1   *input.SimulatedDevice
	dev2   *input.SimulatedDevice
	c      *Coordinator
	events *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (l *eventLog) find(kind EventKind) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return Event{}, false
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sim := input.NewSimulated()
	f := &fixture{
		sim:    sim,
		dev1:   sim.AddKeyboard(kbd1, "AT keyboard"),
		dev2:   sim.AddKeyboard(kbd2, "USB keyboard"),
		events: &eventLog{},
	}
	f.c = New(Config{Backend: sim, PollInterval: time.Millisecond})
	f.c.Subscribe(f.events.add)
	devices, err := sim.Enumerate()
	require.NoError(t, err)
	f.c.SetDevices(devices)
	t.Cleanup(f.c.Close)
	return f
}

func (f *fixture) waitStatus(t *testing.T, want Status) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		snap = f.c.Status()
		return snap.Status == want && (want == Locked || snap.SessionID == 0)
	}, 2*time.Second, time.Millisecond, "status never became %s", want)
	return snap
}

func TestInitialSelection(t *testing.T) {
	f := newFixture(t)
	snap := f.c.Status()
	assert.Equal(t, Idle, snap.Status)
	assert.Equal(t, kbd1, snap.Selected)
	assert.Len(t, snap.Devices, 2)
	assert.Equal(t, chord.Default(), snap.Chord)
	assert.Empty(t, snap.Error)
}

func TestLockedIffGrabbed(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.c.Lock(""))
	snap := f.waitStatus(t, Locked)
	assert.True(t, f.dev1.Grabbed())
	assert.Equal(t, kbd1, snap.Device)

	require.NoError(t, f.c.Unlock())
	f.waitStatus(t, Idle)
	assert.False(t, f.dev1.Grabbed())
	assert.True(t, f.dev1.Closed())

	_, _, ungrabs := f.dev1.Counts()
	assert.Equal(t, 1, ungrabs)
}

func TestChordScenario(t *testing.T) {
	f := newFixture(t)
	got := f.c.SetUnlockChar("k")
	assert.Equal(t, chord.Chord{Letter: 'K', Code: 37}, got)

	require.NoError(t, f.c.Lock(kbd1))
	f.waitStatus(t, Locked)

	f.dev1.Push(
		input.KeyDown(chord.KeyLeftCtrl),
		input.KeyDown(37),
		input.KeyUp(chord.KeyLeftCtrl),
	)

	snap := f.waitStatus(t, Idle)
	assert.Empty(t, snap.Error)
	assert.False(t, f.dev1.Grabbed())

	require.Eventually(t, func() bool {
		_, ok := f.events.find(EventUnlocked)
		return ok
	}, time.Second, time.Millisecond)
	ev, _ := f.events.find(EventUnlocked)
	require.NotNil(t, ev.Session)
	assert.Equal(t, capture.ReasonChord, ev.Session.Reason)
	assert.NoError(t, ev.Session.Err)
}

func TestReadFailureScenario(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.Lock(""))
	f.waitStatus(t, Locked)

	f.sim.Remove(kbd1)

	snap := f.waitStatus(t, Idle)
	assert.NotEmpty(t, snap.Error)
	assert.False(t, f.dev1.Grabbed())
	_, _, ungrabs := f.dev1.Counts()
	assert.Equal(t, 1, ungrabs)
}

func TestAtMostOneSession(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.Lock(kbd1))
	f.waitStatus(t, Locked)

	assert.ErrorIs(t, f.c.Lock(kbd2), ErrAlreadyLocked)
	assert.ErrorIs(t, f.c.Lock(""), ErrAlreadyLocked)

	opens, grabs, _ := f.dev2.Counts()
	assert.Zero(t, opens)
	assert.Zero(t, grabs)
	assert.True(t, f.dev1.Grabbed())
	assert.Equal(t, Locked, f.c.Status().Status)
}

func TestErrorClearedOnNextLock(t *testing.T) {
	f := newFixture(t)
	f.dev1.FailGrab(errors.New("device or resource busy"))

	require.NoError(t, f.c.Lock(kbd1))
	snap := f.waitStatus(t, Idle)
	require.Contains(t, snap.Error, "cannot grab")
	assert.False(t, f.dev1.Grabbed())

	require.NoError(t, f.c.Lock(kbd2))
	assert.Empty(t, f.c.Status().Error, "error is cleared when the next lock starts")
	f.waitStatus(t, Locked)
	require.NoError(t, f.c.Unlock())
	f.waitStatus(t, Idle)
}

func TestOpenFailureReportsLockFailed(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.Lock("/dev/input/event99"))

	snap := f.waitStatus(t, Idle)
	assert.Contains(t, snap.Error, "cannot open")

	require.Eventually(t, func() bool {
		_, ok := f.events.find(EventLockFailed)
		return ok
	}, time.Second, time.Millisecond)
	_, locked := f.events.find(EventLocked)
	assert.False(t, locked)
}

func TestUnlockWithoutSession(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.c.Unlock(), ErrNotLocked)
}

func TestLockWithoutSelection(t *testing.T) {
	c := New(Config{Backend: input.NewSimulated()})
	defer c.Close()
	assert.ErrorIs(t, c.Lock(""), ErrNoDevice)
}

func TestSelect(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.Select(kbd2))
	assert.Equal(t, kbd2, f.c.Status().Selected)
	assert.ErrorIs(t, f.c.Select("/dev/input/event42"), ErrUnknownDevice)
	assert.Equal(t, kbd2, f.c.Status().Selected)

	require.NoError(t, f.c.Lock(""))
	snap := f.waitStatus(t, Locked)
	assert.Equal(t, kbd2, snap.Device)
	assert.True(t, f.dev2.Grabbed())
	assert.False(t, f.dev1.Grabbed())
}

func TestSetDevicesReconciles(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.Select(kbd2))

	f.c.SetDevices([]input.DeviceInfo{f.dev1.Info()})
	assert.Empty(t, f.c.Status().Selected, "vanished selection is cleared")

	f.c.SetDevices([]input.DeviceInfo{f.dev1.Info()})
	assert.Equal(t, kbd1, f.c.Status().Selected)

	f.c.SetDevices(nil)
	snap := f.c.Status()
	assert.Empty(t, snap.Selected)
	assert.NotNil(t, snap.Devices)
	assert.Empty(t, snap.Devices)
}

func TestSetUnlockCharAppliesToRunningSession(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.Lock(""))
	f.waitStatus(t, Locked)

	f.c.SetUnlockChar("z")
	f.dev1.Push(input.KeyDown(chord.KeyRightCtrl), input.KeyDown(chord.DefaultCode))
	f.dev1.Push(input.KeyDown(44))

	f.waitStatus(t, Idle)
	assert.Zero(t, f.dev1.Pending())
}

func TestInvalidUnlockCharFallsBack(t *testing.T) {
	f := newFixture(t)
	f.c.SetUnlockChar("k")
	got := f.c.SetUnlockChar("7")
	assert.Equal(t, chord.Default(), got)
	assert.Equal(t, chord.Default(), f.c.Status().Chord)
}

func TestCloseReleasesSession(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.Lock(""))
	f.waitStatus(t, Locked)

	f.c.Close()

	assert.False(t, f.dev1.Grabbed())
	assert.Equal(t, Idle, f.c.Status().Status)
	assert.ErrorIs(t, f.c.Lock(""), ErrClosed)

	ev, ok := f.events.find(EventUnlocked)
	require.True(t, ok, "events are flushed before Close returns")
	assert.Equal(t, capture.ReasonShutdown, ev.Session.Reason)
}

func TestEventOrder(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.Lock(""))
	f.waitStatus(t, Locked)
	require.NoError(t, f.c.Unlock())
	f.waitStatus(t, Idle)
	f.c.Close()

	kinds := f.events.kinds()
	assert.Equal(t, []EventKind{
		EventDevicesChanged,
		EventSelectionChanged,
		EventLocked,
		EventUnlocked,
	}, kinds)
}

func TestStaleReportDropped(t *testing.T) {
	f := newFixture(t)
	stale := &sessionHandle{id: 99, path: kbd2}

	f.c.grabbed(stale)
	assert.Equal(t, Idle, f.c.Status().Status)

	f.c.released(stale, capture.Result{Reason: capture.ReasonError, Err: errors.New("late")})
	assert.Empty(t, f.c.Status().Error)
}

func TestStatusText(t *testing.T) {
	b, err := Locked.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "locked", string(b))

	var s Status
	require.NoError(t, s.UnmarshalText([]byte("idle")))
	assert.Equal(t, Idle, s)
	assert.Error(t, s.UnmarshalText([]byte("maybe")))

	assert.Equal(t, "lock_failed", EventLockFailed.String())
}
