package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keylock/internal/chord"
	"keylock/internal/config"
	"keylock/internal/coordinator"
	"keylock/internal/input"
	"keylock/internal/ipc"
	"keylock/internal/logging"
	"keylock/internal/notify"
)

type recordingNotifier struct {
	mu  sync.Mutex
	got []string
}

func (r *recordingNotifier) Notify(m notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, m.Summary)
	return nil
}

func (r *recordingNotifier) Close() error { return nil }

func (r *recordingNotifier) summaries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	sockDir, err := os.MkdirTemp("", "kld")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(sockDir) })

	state := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Capture.PollIntervalMs = 1
	cfg.Registry.InputDir = state
	cfg.Registry.ScanIntervalMs = 50
	cfg.Registry.Watch = false
	cfg.IPC.SocketPath = filepath.Join(sockDir, "d.sock")
	cfg.Logging.FilePath = filepath.Join(state, "keylockd.log")
	cfg.History.Path = filepath.Join(state, "history.db")
	return cfg
}

func testLogger(t *testing.T, buf *bytes.Buffer) *logging.Logger {
	t.Helper()
	lc := logging.DefaultConfig()
	lc.Writer = &syncWriter{buf: buf}
	lc.Level = logging.LevelDebug
	log, err := logging.New(lc)
	require.NoError(t, err)
	return log
}

type syncWriter struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func TestDaemonEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	sim := input.NewSimulated()
	dev := sim.AddKeyboard("/dev/input/event3", "AT keyboard")
	notifier := &recordingNotifier{}

	var logs bytes.Buffer
	d, err := newDaemon(cfg, daemonOptions{
		Backend:  sim,
		Logger:   testLogger(t, &logs),
		Notifier: notifier,
		CrashDir: t.TempDir(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()

	var c *ipc.IPCClient
	require.Eventually(t, func() bool {
		c, err = ipc.Dial(ipc.DefaultClientConfig(cfg.IPC.SocketPath))
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
	defer c.Close()

	require.Eventually(t, func() bool {
		st, err := c.Status()
		return err == nil && st.State.Selected == "/dev/input/event3"
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, c.Subscribe("locked", "unlocked"))
	_, err = c.Lock("")
	require.NoError(t, err)
	waitKind(t, c, "locked")
	assert.True(t, dev.Grabbed())

	dev.Push(input.KeyDown(chord.KeyRightCtrl), input.KeyDown(chord.DefaultCode))
	ev := waitKind(t, c, "unlocked")
	assert.Equal(t, "chord", ev.Session.Reason)

	require.Eventually(t, func() bool {
		recs, err := c.History(0)
		return err == nil && len(recs) == 1
	}, 3*time.Second, 20*time.Millisecond)

	// A session still running at shutdown is released.
	_, err = c.Lock("")
	require.NoError(t, err)
	waitKind(t, c, "locked")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.False(t, dev.Grabbed())
	assert.Equal(t, []string{"Keyboard locked", "Keyboard unlocked", "Keyboard locked", "Keyboard unlocked"}, notifier.summaries())

	_, err = os.Stat(cfg.IPC.SocketPath)
	assert.True(t, os.IsNotExist(err))
}

func waitKind(t *testing.T, c *ipc.IPCClient, kind string) *ipc.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			require.True(t, ok)
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
			return nil
		}
	}
}

func TestDaemonWithoutHistoryOrNotifications(t *testing.T) {
	cfg := testConfig(t)
	cfg.History.Enabled = false
	cfg.Notify.Enabled = false

	var logs bytes.Buffer
	d, err := newDaemon(cfg, daemonOptions{Backend: input.NewSimulated(), Logger: testLogger(t, &logs), CrashDir: t.TempDir()})
	require.NoError(t, err)
	assert.Nil(t, d.history)
	assert.Nil(t, d.notifier)
	d.close()
}

func TestApplyConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Notify.Enabled = false
	cfg.History.Enabled = false

	var logs bytes.Buffer
	log := testLogger(t, &logs)
	d, err := newDaemon(cfg, daemonOptions{Backend: input.NewSimulated(), Logger: log, CrashDir: t.TempDir()})
	require.NoError(t, err)
	defer d.close()

	updated := cfg.Clone()
	updated.Capture.UnlockKey = "k"
	updated.Logging.Level = "warn"
	d.applyConfig(cfg, updated)

	assert.Equal(t, chord.Parse("K"), d.coord.Status().Chord)
	assert.Equal(t, logging.LevelWarn, log.GetLevel())

	// Unchanged keys leave a chord set over the socket alone.
	d.coord.SetUnlockChar("z")
	d.applyConfig(updated, updated.Clone())
	assert.Equal(t, coordinator.Idle, d.coord.Status().Status)
	assert.Equal(t, 'Z', d.coord.Status().Chord.Letter)
}

func TestLoggingConfig(t *testing.T) {
	lc, err := loggingConfig(config.LoggingConfig{
		Level:      "debug",
		Format:     "json",
		Output:     "file",
		FilePath:   "/tmp/x.log",
		MaxSizeMB:  5,
		MaxBackups: 2,
		MaxAgeDays: 7,
		Compress:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.Equal(t, logging.FormatJSON, lc.Format)
	assert.Equal(t, int64(5), lc.MaxSize)
	assert.Equal(t, "keylockd", lc.Component)

	_, err = loggingConfig(config.LoggingConfig{Level: "loud", Format: "text"})
	assert.Error(t, err)
	_, err = loggingConfig(config.LoggingConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
