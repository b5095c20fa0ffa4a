// keylockctl is the command line client for keylockd.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"keylock/internal/config"
	"keylock/internal/coordinator"
	"keylock/internal/history"
	"keylock/internal/input"
	"keylock/internal/ipc"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type cli struct {
	out     io.Writer
	errOut  io.Writer
	asJSON  bool
	client  *ipc.IPCClient
	timeout time.Duration
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keylockctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	socket := fs.String("socket", "", "daemon socket (default: from config)")
	configPath := fs.String("config", "", "path to config file")
	asJSON := fs.Bool("json", false, "print JSON instead of text")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	fs.Usage = func() { usage(stderr) }

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		usage(stderr)
		return 2
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	if cmd == "help" {
		usage(stdout)
		return 0
	}
	if cmd == "version" {
		fmt.Fprintln(stdout, "keylockctl", version)
		return 0
	}

	path := *socket
	if path == "" {
		path = socketFromConfig(*configPath)
	}

	cfg := ipc.DefaultClientConfig(path)
	cfg.ClientVersion = version
	cfg.RequestTimeout = *timeout
	client, err := ipc.Dial(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			fmt.Fprintln(stderr, "  Start the daemon with: keylockd")
		}
		return 1
	}
	defer client.Close()

	c := &cli{out: stdout, errOut: stderr, asJSON: *asJSON, client: client, timeout: *timeout}
	if err := c.dispatch(cmd, rest); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		var ue usageError
		if errors.As(err, &ue) {
			return 2
		}
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `keylockctl - control keylockd

Usage: keylockctl [options] <command> [args]

Commands:
  status            Show lock state, selection and unlock chord
  devices           List keyboards
  rescan            Scan for keyboards now
  select <path>     Select the keyboard to lock
  lock [path]       Lock the selected (or given) keyboard
  unlock            Release the locked keyboard
  key <letter>      Set the unlock letter (Ctrl+<letter>)
  history [n]       Show the last n lock sessions
  watch             Print events as they happen
  version           Print the version

Options:
  -socket <path>    Daemon socket (default: from config)
  -config <path>    Config file used to find the socket
  -json             Print JSON
  -timeout <dur>    Request timeout (default 10s)`)
}

type usageError string

func (e usageError) Error() string { return "usage: keylockctl " + string(e) }

// socketFromConfig reads the socket path the daemon would use. Config
// errors fall back to the default path.
func socketFromConfig(path string) string {
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.DefaultSocketPath()
	}
	if cfg.IPC.SocketPath == "" {
		return config.DefaultSocketPath()
	}
	return cfg.IPC.SocketPath
}

func (c *cli) dispatch(cmd string, args []string) error {
	switch cmd {
	case "status":
		return c.status()
	case "devices":
		resp, err := c.client.Devices()
		if err != nil {
			return err
		}
		return c.devices(resp)
	case "rescan":
		resp, err := c.client.Rescan()
		if err != nil {
			return err
		}
		return c.devices(resp)
	case "select":
		if len(args) != 1 {
			return usageError("select <path>")
		}
		snap, err := c.client.Select(args[0])
		if err != nil {
			return err
		}
		return c.snapshot(snap)
	case "lock":
		if len(args) > 1 {
			return usageError("lock [path]")
		}
		device := ""
		if len(args) == 1 {
			device = args[0]
		}
		return c.lock(device)
	case "unlock":
		snap, err := c.client.Unlock()
		if err != nil {
			return err
		}
		return c.snapshot(snap)
	case "key":
		if len(args) != 1 {
			return usageError("key <letter>")
		}
		resp, err := c.client.SetUnlockKey(args[0])
		if err != nil {
			return err
		}
		if c.asJSON {
			return c.printJSON(resp)
		}
		if resp.Fallback {
			fmt.Fprintf(c.errOut, "%q is not a letter, using the default\n", args[0])
		}
		fmt.Fprintf(c.out, "Unlock chord: %s\n", resp.Display)
		return nil
	case "history":
		n := 10
		if len(args) == 1 {
			v, err := strconv.Atoi(args[0])
			if err != nil || v < 0 {
				return usageError("history [n]")
			}
			n = v
		} else if len(args) > 1 {
			return usageError("history [n]")
		}
		recs, err := c.client.History(n)
		if err != nil {
			return err
		}
		return c.history(recs)
	case "watch":
		return c.watch()
	}
	return usageError(fmt.Sprintf("unknown command %q", cmd))
}

func (c *cli) status() error {
	st, err := c.client.Status()
	if err != nil {
		return err
	}
	if c.asJSON {
		return c.printJSON(st)
	}
	fmt.Fprintf(c.out, "Daemon:    keylockd %s (up %s)\n", st.Version, time.Since(st.StartedAt).Round(time.Second))
	return c.snapshot(st.State)
}

func (c *cli) snapshot(s coordinator.Snapshot) error {
	if c.asJSON {
		return c.printJSON(s)
	}
	state := strings.ToUpper(s.Status.String())
	if s.Device != "" {
		state += " " + s.Device
	}
	fmt.Fprintf(c.out, "State:     %s\n", state)
	selected := s.Selected
	if selected == "" {
		selected = "(none)"
	}
	fmt.Fprintf(c.out, "Selected:  %s\n", selected)
	fmt.Fprintf(c.out, "Unlock:    %s\n", s.Chord)
	if s.Error != "" {
		fmt.Fprintf(c.out, "Error:     %s\n", s.Error)
	}
	return nil
}

// lock starts a session and waits until the grab succeeded or failed.
func (c *cli) lock(device string) error {
	if err := c.client.Subscribe("locked", "lock_failed", "unlocked"); err != nil {
		return err
	}
	snap, err := c.client.Lock(device)
	if err != nil {
		return err
	}
	if snap.Status == coordinator.Locked {
		return c.snapshot(snap)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-c.client.Events():
			if !ok {
				return ipc.ErrConnectionLost
			}
			switch ev.Kind {
			case "locked":
				return c.snapshot(ev.State)
			case "lock_failed", "unlocked":
				if ev.Session != nil && ev.Session.Error != "" {
					return errors.New(ev.Session.Error)
				}
				return errors.New("lock ended before the grab")
			}
		case <-timer.C:
			return ipc.ErrTimeout
		}
	}
}

func (c *cli) devices(resp *ipc.DevicesResponse) error {
	if c.asJSON {
		return c.printJSON(resp)
	}
	if len(resp.Devices) == 0 {
		fmt.Fprintln(c.out, "No keyboards found.")
		return nil
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tPATH\tNAME")
	for _, d := range resp.Devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", marker(d, resp.Selected), d.Path, d.Name)
	}
	return tw.Flush()
}

func marker(d input.DeviceInfo, selected string) string {
	if d.Path == selected {
		return "*"
	}
	return ""
}

func (c *cli) history(recs []history.Record) error {
	if c.asJSON {
		return c.printJSON(recs)
	}
	if len(recs) == 0 {
		fmt.Fprintln(c.out, "No sessions recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tDURATION\tDEVICE\tENDED BY\tERROR")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Duration().Round(time.Second), r.Device, r.Reason, r.Error)
	}
	return tw.Flush()
}

// watch prints events until the daemon goes away.
func (c *cli) watch() error {
	if err := c.client.Subscribe(); err != nil {
		return err
	}
	for ev := range c.client.Events() {
		if c.asJSON {
			if err := c.printJSON(ev); err != nil {
				return err
			}
			continue
		}
		line := fmt.Sprintf("%s  %-18s %s", ev.Timestamp.Local().Format("15:04:05"), ev.Kind, ev.State.Status)
		if ev.Session != nil {
			line += " " + ev.Session.Device
			if ev.Session.Reason != "" {
				line += " (" + ev.Session.Reason + ")"
			}
			if ev.Session.Error != "" {
				line += ": " + ev.Session.Error
			}
		}
		fmt.Fprintln(c.out, line)
	}
	if err := c.client.Err(); err != nil {
		return err
	}
	return ipc.ErrConnectionLost
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
