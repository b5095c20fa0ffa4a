package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keylock/internal/capture"
	"keylock/internal/chord"
	"keylock/internal/coordinator"
)

func openTemp(t *testing.T, keep int) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"), keep)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenEmptyPath(t *testing.T) {
	_, err := Open("", 10)
	assert.Error(t, err)
}

func TestOpenTwiceKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path, 10)
	require.NoError(t, err)
	_, err = s.Add(context.Background(), Record{Device: "/dev/input/event3", Reason: "chord"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, 10)
	require.NoError(t, err)
	defer s.Close()

	v, err := schemaVersion(s.db)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAddAndRecent(t *testing.T) {
	s := openTemp(t, 10)
	ctx := context.Background()
	start := time.Unix(1700000000, 0)

	_, err := s.Add(ctx, Record{
		SessionID: 1,
		Device:    "/dev/input/event3",
		Unlock:    "Ctrl+Q",
		Grabbed:   true,
		StartedAt: start,
		EndedAt:   start.Add(5 * time.Second),
		Reason:    "chord",
	})
	require.NoError(t, err)
	_, err = s.Add(ctx, Record{
		SessionID: 2,
		Device:    "/dev/input/event7",
		StartedAt: start.Add(time.Minute),
		EndedAt:   start.Add(time.Minute),
		Reason:    "error",
		Error:     "device gone",
	})
	require.NoError(t, err)

	recs, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, uint64(2), recs[0].SessionID)
	assert.Equal(t, "device gone", recs[0].Error)
	assert.False(t, recs[0].Grabbed)

	assert.Equal(t, uint64(1), recs[1].SessionID)
	assert.Equal(t, "/dev/input/event3", recs[1].Device)
	assert.Equal(t, "Ctrl+Q", recs[1].Unlock)
	assert.True(t, recs[1].Grabbed)
	assert.Empty(t, recs[1].Error)
	assert.Equal(t, 5*time.Second, recs[1].Duration())
	assert.True(t, recs[1].StartedAt.Equal(start))

	recs, err = s.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(2), recs[0].SessionID)
}

func TestAddPrunesToKeep(t *testing.T) {
	s := openTemp(t, 3)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := s.Add(ctx, Record{SessionID: uint64(i), Device: "d", Reason: "unlock"})
		require.NoError(t, err)
	}

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	recs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, uint64(5), recs[0].SessionID)
	assert.Equal(t, uint64(3), recs[2].SessionID)
}

func TestDurationNeverNegative(t *testing.T) {
	now := time.Now()
	r := Record{StartedAt: now, EndedAt: now.Add(-time.Second)}
	assert.Zero(t, r.Duration())
}

func TestFromEvent(t *testing.T) {
	start := time.Unix(1700000000, 0)
	info := &coordinator.SessionInfo{
		ID:        4,
		Device:    "/dev/input/event3",
		Reason:    capture.ReasonError,
		Err:       errors.New("read failed"),
		StartedAt: start,
		EndedAt:   start.Add(time.Second),
	}
	snap := coordinator.Snapshot{Chord: chord.Parse("k")}

	r, ok := FromEvent(coordinator.Event{Kind: coordinator.EventUnlocked, Snapshot: snap, Session: info})
	require.True(t, ok)
	assert.Equal(t, uint64(4), r.SessionID)
	assert.Equal(t, "error", r.Reason)
	assert.Equal(t, "read failed", r.Error)
	assert.Equal(t, "Ctrl+K", r.Unlock)
	assert.True(t, r.Grabbed)

	r, ok = FromEvent(coordinator.Event{Kind: coordinator.EventLockFailed, Snapshot: snap, Session: info})
	require.True(t, ok)
	assert.False(t, r.Grabbed)

	_, ok = FromEvent(coordinator.Event{Kind: coordinator.EventLocked, Snapshot: snap, Session: info})
	assert.False(t, ok)
	_, ok = FromEvent(coordinator.Event{Kind: coordinator.EventDevicesChanged, Snapshot: snap})
	assert.False(t, ok)
}

func TestListenerStoresFinishedSessions(t *testing.T) {
	s := openTemp(t, 10)
	l := s.Listener(nil)

	info := &coordinator.SessionInfo{ID: 9, Device: "/dev/input/event3", Reason: capture.ReasonChord}
	l(coordinator.Event{Kind: coordinator.EventLocked, Session: info})
	l(coordinator.Event{Kind: coordinator.EventUnlocked, Snapshot: coordinator.Snapshot{Chord: chord.Default()}, Session: info})

	recs, err := s.Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "chord", recs[0].Reason)
	assert.Equal(t, "Ctrl+Q", recs[0].Unlock)
}
