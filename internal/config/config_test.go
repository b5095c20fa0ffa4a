package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.PollInterval() != 10*time.Millisecond {
		t.Errorf("expected poll interval 10ms, got %v", cfg.PollInterval())
	}
	if cfg.ScanInterval() != 2*time.Second {
		t.Errorf("expected scan interval 2s, got %v", cfg.ScanInterval())
	}
	if cfg.Capture.UnlockKey != "Q" {
		t.Errorf("expected unlock key Q, got %q", cfg.Capture.UnlockKey)
	}
	if cfg.Registry.InputDir != "/dev/input" {
		t.Errorf("unexpected input dir %s", cfg.Registry.InputDir)
	}
	if !strings.HasSuffix(cfg.IPC.SocketPath, "keylockd.sock") {
		t.Errorf("unexpected socket path %s", cfg.IPC.SocketPath)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestDirsFollowXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg/config")
	t.Setenv("XDG_STATE_HOME", "/xdg/state")
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	t.Setenv("KEYLOCK_DATA_DIR", "")

	if got := ConfigPath(); got != "/xdg/config/keylock/config.toml" {
		t.Errorf("ConfigPath = %s", got)
	}
	if got := StateDir(); got != "/xdg/state/keylock" {
		t.Errorf("StateDir = %s", got)
	}
	if got := DefaultSocketPath(); got != "/run/user/1000/keylock/keylockd.sock" {
		t.Errorf("DefaultSocketPath = %s", got)
	}

	t.Setenv("KEYLOCK_DATA_DIR", "/data")
	if got := StateDir(); got != "/data" {
		t.Errorf("StateDir with override = %s", got)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Capture.PollIntervalMs != 10 {
		t.Errorf("expected defaults, got poll interval %d", cfg.Capture.PollIntervalMs)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "config.toml", `
# keylock daemon
version = 1

[capture]
poll_interval_ms = 25
unlock_key = "k"

[registry]
scan_interval_ms = 5000
watch = false

[ipc]
socket_path = "/run/keylock/test.sock"
allowed_uids = [1001, 1002]

[logging]
level = "debug"
format = "json"

[history]
keep = 50
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Capture.PollIntervalMs != 25 {
		t.Errorf("poll interval = %d", cfg.Capture.PollIntervalMs)
	}
	if cfg.Capture.UnlockKey != "k" {
		t.Errorf("unlock key = %q", cfg.Capture.UnlockKey)
	}
	if cfg.Registry.Watch {
		t.Error("watch should be disabled")
	}
	if cfg.Registry.InputDir != "/dev/input" {
		t.Errorf("input dir should keep its default, got %s", cfg.Registry.InputDir)
	}
	if len(cfg.IPC.AllowedUIDs) != 2 || cfg.IPC.AllowedUIDs[1] != 1002 {
		t.Errorf("allowed uids = %v", cfg.IPC.AllowedUIDs)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.History.Keep != 50 || !cfg.History.Enabled {
		t.Errorf("history = %+v", cfg.History)
	}
}

func TestLoadYAMLAndJSON(t *testing.T) {
	yamlPath := writeFile(t, "config.yaml", "capture:\n  unlock_key: z\nnotify:\n  enabled: false\n")
	cfg, err := Load(yamlPath)
	if err != nil {
		t.Fatalf("Load YAML failed: %v", err)
	}
	if cfg.Capture.UnlockKey != "z" || cfg.Notify.Enabled {
		t.Errorf("YAML not applied: %+v %+v", cfg.Capture, cfg.Notify)
	}

	jsonPath := writeFile(t, "config.json", `{"registry": {"scan_interval_ms": 500}}`)
	cfg, err = Load(jsonPath)
	if err != nil {
		t.Fatalf("Load JSON failed: %v", err)
	}
	if cfg.ScanInterval() != 500*time.Millisecond {
		t.Errorf("scan interval = %v", cfg.ScanInterval())
	}
}

func TestLoadRejectsSchemaViolations(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unknown section", "config.toml", "[tpm]\nenabled = true\n"},
		{"unknown key", "config.toml", "[capture]\npoll_ms = 5\n"},
		{"wrong type", "config.toml", "[capture]\npoll_interval_ms = \"fast\"\n"},
		{"bad enum", "config.yaml", "logging:\n  level: verbose\n"},
		{"negative uid", "config.json", `{"ipc": {"allowed_uids": [-1]}}`},
		{"broken toml", "config.toml", "[capture\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content)
			if _, err := Load(path); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KEYLOCK_UNLOCK_KEY", "m")
	t.Setenv("KEYLOCK_POLL_INTERVAL_MS", "40")
	t.Setenv("KEYLOCK_SOCKET_PATH", "/tmp/kl.sock")
	t.Setenv("KEYLOCK_LOG_LEVEL", "WARN")
	t.Setenv("KEYLOCK_NOTIFY", "false")
	t.Setenv("KEYLOCK_INPUT_DIR", "/tmp/input")
	t.Setenv("KEYLOCK_HISTORY_PATH", "/tmp/h.db")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Capture.UnlockKey != "m" {
		t.Errorf("unlock key = %q", cfg.Capture.UnlockKey)
	}
	if cfg.Capture.PollIntervalMs != 40 {
		t.Errorf("poll interval = %d", cfg.Capture.PollIntervalMs)
	}
	if cfg.IPC.SocketPath != "/tmp/kl.sock" {
		t.Errorf("socket = %s", cfg.IPC.SocketPath)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("level = %s", cfg.Logging.Level)
	}
	if cfg.Notify.Enabled {
		t.Error("notify should be disabled")
	}
	if cfg.Registry.InputDir != "/tmp/input" || cfg.History.Path != "/tmp/h.db" {
		t.Errorf("paths not overridden: %s %s", cfg.Registry.InputDir, cfg.History.Path)
	}
}

func TestEnvOverrideIgnoresGarbage(t *testing.T) {
	t.Setenv("KEYLOCK_POLL_INTERVAL_MS", "soon")
	t.Setenv("KEYLOCK_NOTIFY", "perhaps")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()
	if cfg.Capture.PollIntervalMs != 10 || !cfg.Notify.Enabled {
		t.Errorf("garbage should be ignored: %+v %+v", cfg.Capture, cfg.Notify)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"poll interval zero", func(c *Config) { c.Capture.PollIntervalMs = 0 }, "capture.poll_interval_ms"},
		{"scan interval too short", func(c *Config) { c.Registry.ScanIntervalMs = 10 }, "registry.scan_interval_ms"},
		{"relative input dir", func(c *Config) { c.Registry.InputDir = "input" }, "registry.input_dir"},
		{"missing socket", func(c *Config) { c.IPC.SocketPath = "" }, "ipc.socket_path"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"file output without path", func(c *Config) {
			c.Logging.Output = "file"
			c.Logging.FilePath = ""
		}, "logging.file_path"},
		{"history without path", func(c *Config) { c.History.Path = "" }, "history.path"},
		{"bad version", func(c *Config) { c.Version = 9 }, "version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %v", err)
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Error("expected errors.Is(err, ErrInvalidConfig)")
			}
			found := false
			for _, e := range verrs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected an error for %s, got %v", tt.field, verrs)
			}
		})
	}
}

func TestInvalidUnlockKeyIsWarning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capture.UnlockKey = "7"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("a bad unlock key should not fail validation: %v", err)
	}
	warnings := Check(cfg).Warnings()
	if len(warnings) != 1 || warnings[0].Field != "capture.unlock_key" {
		t.Errorf("expected one unlock key warning, got %v", warnings)
	}
}

func TestDisabledHistorySkipsChecks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.History.Enabled = false
	cfg.History.Path = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.IPC.SocketPath = filepath.Join(dir, "run", "keylockd.sock")
	cfg.History.Path = filepath.Join(dir, "state", "history.db")
	cfg.Logging.Output = "both"
	cfg.Logging.FilePath = filepath.Join(dir, "logs", "keylockd.log")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, sub := range []string{"run", "state", "logs"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil {
			t.Errorf("%s not created: %v", sub, err)
			continue
		}
		if info.Mode().Perm() != 0o700 {
			t.Errorf("%s mode = %v", sub, info.Mode().Perm())
		}
	}
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IPC.AllowedUIDs = []int{5}

	clone := cfg.Clone()
	clone.IPC.AllowedUIDs[0] = 6
	clone.Capture.UnlockKey = "X"

	if cfg.IPC.AllowedUIDs[0] != 5 || cfg.Capture.UnlockKey != "Q" {
		t.Error("clone shares state with the original")
	}
}
