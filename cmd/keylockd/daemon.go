package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"keylock/internal/chord"
	"keylock/internal/config"
	"keylock/internal/coordinator"
	"keylock/internal/history"
	"keylock/internal/input"
	"keylock/internal/ipc"
	"keylock/internal/logging"
	"keylock/internal/notify"
	"keylock/internal/registry"
)

type daemonOptions struct {
	Backend input.Backend
	Logger  *logging.Logger

	// Notifier replaces the session bus notifier. Used by tests.
	Notifier notify.Notifier

	// CrashDir defaults to the crashes directory next to the log file.
	CrashDir string
}

// daemon wires the coordinator to its producers and consumers.
type daemon struct {
	log      *logging.Logger
	crash    *logging.CrashHandler
	coord    *coordinator.Coordinator
	registry *registry.Registry
	history  *history.Store
	notifier *notify.Dispatcher
	server   *ipc.Server
	handler  *ipc.DaemonHandler

	unsubscribe []func()
}

func newDaemon(cfg *config.Config, opts daemonOptions) (*daemon, error) {
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	crashDir := opts.CrashDir
	if crashDir == "" {
		crashDir = filepath.Join(filepath.Dir(cfg.Logging.FilePath), "crashes")
	}

	d := &daemon{
		log: log,
		crash: logging.NewCrashHandler(logging.CrashHandlerConfig{
			Dir:       crashDir,
			Component: "keylockd",
			Logger:    log.Logger,
		}),
	}

	d.coord = coordinator.New(coordinator.Config{
		Backend:      opts.Backend,
		Chord:        chord.Parse(cfg.Capture.UnlockKey),
		PollInterval: cfg.PollInterval(),
		Logger:       log.Logger,
	})

	d.registry = registry.New(registry.Config{
		Backend:  opts.Backend,
		Dir:      cfg.Registry.InputDir,
		Interval: cfg.ScanInterval(),
		Watch:    cfg.Registry.Watch,
		Logger:   log.Logger,
	})

	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path, cfg.History.Keep)
		if err != nil {
			log.Warn("session history disabled", "path", cfg.History.Path, "error", err)
		} else {
			d.history = store
			d.subscribe(store.Listener(log.Logger))
		}
	}

	if cfg.Notify.Enabled {
		n := opts.Notifier
		if n == nil {
			dn, err := notify.NewDBusNotifier("keylock", cfg.Notify.TimeoutMs)
			if err != nil {
				log.Warn("desktop notifications unavailable", "error", err)
			} else {
				n = dn
			}
		}
		if n != nil {
			d.notifier = notify.NewDispatcher(n, log.Logger)
			d.subscribe(d.notifier.Listener())
		}
	}

	hcfg := ipc.DaemonHandlerConfig{
		Controller: d.coord,
		Scanner:    d.registry,
		Version:    version,
		Logger:     log.Logger,
	}
	if d.history != nil {
		hcfg.History = d.history
	}
	d.handler = ipc.NewDaemonHandler(hcfg)

	server, err := ipc.NewServer(ipc.ServerConfig{
		SocketPath:     cfg.IPC.SocketPath,
		Version:        version,
		MaxConnections: cfg.IPC.MaxConnections,
		IdleTimeout:    cfg.IdleTimeout(),
		AllowedUIDs:    cfg.IPC.AllowedUIDs,
		Logger:         log.Logger,
	}, d.handler)
	if err != nil {
		d.close()
		return nil, fmt.Errorf("create ipc server: %w", err)
	}
	d.server = server
	d.unsubscribe = append(d.unsubscribe, d.handler.Forward(server))

	return d, nil
}

func (d *daemon) subscribe(l coordinator.Listener) {
	d.unsubscribe = append(d.unsubscribe, d.coord.Subscribe(l))
}

// run serves until ctx is cancelled, then releases any grab and shuts
// everything down in dependency order.
func (d *daemon) run(ctx context.Context) error {
	defer d.crash.Recover("main")

	if err := d.server.Start(); err != nil {
		d.close()
		return fmt.Errorf("start ipc server: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scanDone := make(chan error, 1)
	go func() {
		defer d.crash.Recover("registry")
		scanDone <- d.registry.Run(ctx, d.coord)
	}()

	d.log.Info("keylockd ready", "socket", d.server.SocketPath(), "unlock", d.coord.Status().Chord.String())

	<-ctx.Done()
	d.log.Info("shutting down")

	if err := <-scanDone; err != nil && !errors.Is(err, context.Canceled) {
		d.log.Warn("registry stopped", "error", err)
	}
	d.close()
	return nil
}

// close releases the session first so the final events still reach
// history, notifications and clients.
func (d *daemon) close() {
	d.coord.Close()
	for _, unsub := range d.unsubscribe {
		unsub()
	}
	if d.server != nil {
		if err := d.server.Stop(); err != nil {
			d.log.Warn("stop ipc server", "error", err)
		}
	}
	if d.notifier != nil {
		d.notifier.Close()
	}
	if d.history != nil {
		if err := d.history.Close(); err != nil {
			d.log.Warn("close history", "error", err)
		}
	}
}

// applyConfig takes the settings that can change while running from a
// reloaded config file.
func (d *daemon) applyConfig(old, updated *config.Config) {
	if old == nil || old.Capture.UnlockKey != updated.Capture.UnlockKey {
		c := d.coord.SetUnlockChar(updated.Capture.UnlockKey)
		d.log.Info("unlock chord changed", "unlock", c.String())
	}

	if old == nil || old.Logging.Level != updated.Logging.Level {
		level, err := logging.ParseLevel(updated.Logging.Level)
		if err != nil {
			d.log.Warn("ignoring log level", "error", err)
		} else {
			d.log.SetLevel(level)
			d.log.Info("log level changed", "level", logging.LevelString(level))
		}
	}

	if old != nil && (old.IPC.SocketPath != updated.IPC.SocketPath ||
		old.Registry.InputDir != updated.Registry.InputDir ||
		old.History.Path != updated.History.Path) {
		d.log.Warn("some config changes take effect after a restart")
	}
}

// loggingConfig maps the [logging] section onto the logger settings.
func loggingConfig(c config.LoggingConfig) (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Format)
	if err != nil {
		return nil, err
	}

	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = c.Output
	lc.FilePath = c.FilePath
	lc.MaxSize = int64(c.MaxSizeMB)
	lc.MaxBackups = c.MaxBackups
	lc.MaxAge = c.MaxAgeDays
	lc.Compress = c.Compress
	lc.Component = "keylockd"
	return lc, nil
}
