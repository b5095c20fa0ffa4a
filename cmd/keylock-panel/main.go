// keylock-panel is a small window for driving keylockd: pick a keyboard,
// set the unlock letter, lock and unlock.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"gioui.org/app"
	"gioui.org/op"
	"gioui.org/unit"
	"gioui.org/widget/material"

	"keylock/cmd/keylock-panel/internal/theme"
	"keylock/cmd/keylock-panel/internal/ui"
	"keylock/internal/config"
	"keylock/internal/ipc"
	"keylock/internal/logging"
)

var version = "dev"

var _ ui.Daemon = (*ipc.IPCClient)(nil)

func main() {
	socket := flag.String("socket", "", "daemon socket path (default from config)")
	configPath := flag.String("config", "", "config file used to find the socket")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	logCfg := logging.DefaultConfig()
	logCfg.Component = "keylock-panel"
	if lvl, err := logging.ParseLevel(*logLevel); err == nil {
		logCfg.Level = lvl
	}
	log, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	path := *socket
	if path == "" {
		path = socketFromConfig(*configPath)
	}

	go func() {
		w := new(app.Window)
		w.Option(app.Title("Keylock"))
		w.Option(app.Size(unit.Dp(420), unit.Dp(520)))

		if err := loop(w, path, log); err != nil {
			log.Error("window closed", "error", err)
			os.Exit(1)
		}
		os.Exit(0)
	}()
	app.Main()
}

func loop(w *app.Window, socketPath string, log *logging.Logger) error {
	t := theme.NewTheme(material.NewTheme())

	dial := func() (ui.Daemon, error) {
		cfg := ipc.DefaultClientConfig(socketPath)
		cfg.ClientName = "keylock-panel"
		cfg.ClientVersion = version
		c, err := ipc.Dial(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	model := ui.NewModel(dial, 2*time.Second, w.Invalidate, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go model.Run(ctx)

	panel := ui.NewPanel(t, model)

	var ops op.Ops
	for {
		switch e := w.Event().(type) {
		case app.DestroyEvent:
			return e.Err
		case app.FrameEvent:
			gtx := app.NewContext(&ops, e)
			panel.Layout(gtx)
			e.Frame(gtx.Ops)
		}
	}
}

func socketFromConfig(path string) string {
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil || cfg.IPC.SocketPath == "" {
		return config.DefaultSocketPath()
	}
	return cfg.IPC.SocketPath
}
