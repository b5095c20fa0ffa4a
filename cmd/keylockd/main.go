// keylockd holds a keyboard captive until its unlock chord is typed.
//
// The daemon discovers keyboards under /dev/input, runs one capture session
// at a time on request and serves keylockctl and keylock-panel over a Unix
// socket:
//
//	keylockd                      Run with the default config file
//	keylockd -config <path>       Run with a specific config file
//	keylockd -log-level debug     Override the configured log level
//	keylockd -version             Print the version
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"keylock/internal/config"
	"keylock/internal/input"
	"keylock/internal/logging"
)

var version = "dev"

var (
	configPath  = flag.String("config", "", "path to config file")
	logLevel    = flag.String("log-level", "", "override the configured log level")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("keylockd", version)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "keylockd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer loader.Close()

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	lc, err := loggingConfig(cfg.Logging)
	if err != nil {
		return err
	}
	log, err := logging.New(lc)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer log.Close()
	logging.SetDefault(log)

	for _, w := range config.Check(cfg).Warnings() {
		log.Warn("config warning", "field", w.Field, "error", w.Message)
	}

	d, err := newDaemon(cfg, daemonOptions{
		Backend: input.NewBackend(cfg.Registry.InputDir),
		Logger:  log,
	})
	if err != nil {
		return err
	}

	if err := loader.Watch(); err != nil {
		log.Warn("config file will not be reloaded", "path", loader.Path(), "error", err)
	} else {
		loader.OnChange(d.applyConfig)
		go func() {
			for err := range loader.Errors() {
				log.Warn("config reload failed", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("keylockd starting", "version", version, "config", loader.Path())
	return d.run(ctx)
}
