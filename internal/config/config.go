// Package config handles configuration loading and validation for keylock.
//
// The configuration file is read-only input: keylock never writes settings
// back, and the unlock key chosen at runtime is not persisted.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Capture configures capture sessions.
	Capture CaptureConfig `toml:"capture" json:"capture" yaml:"capture"`

	// Registry configures keyboard discovery.
	Registry RegistryConfig `toml:"registry" json:"registry" yaml:"registry"`

	// IPC configures the control socket.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Notify configures desktop notifications.
	Notify NotifyConfig `toml:"notify" json:"notify" yaml:"notify"`

	// History configures the session history database.
	History HistoryConfig `toml:"history" json:"history" yaml:"history"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// CaptureConfig holds capture session settings.
type CaptureConfig struct {
	// PollIntervalMs is the sleep between empty polls of a grabbed device.
	PollIntervalMs int `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`

	// UnlockKey is the initial unlock letter. Anything but A-Z means Q.
	UnlockKey string `toml:"unlock_key" json:"unlock_key" yaml:"unlock_key"`
}

// RegistryConfig holds keyboard discovery settings.
type RegistryConfig struct {
	// ScanIntervalMs is the periodic rescan interval.
	ScanIntervalMs int `toml:"scan_interval_ms" json:"scan_interval_ms" yaml:"scan_interval_ms"`

	// InputDir is the evdev device directory.
	InputDir string `toml:"input_dir" json:"input_dir" yaml:"input_dir"`

	// Watch enables hot-plug wakeups through fsnotify.
	Watch bool `toml:"watch" json:"watch" yaml:"watch"`
}

// IPCConfig holds control socket settings.
type IPCConfig struct {
	// SocketPath is the unix socket the daemon listens on.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// AllowedUIDs may connect in addition to the daemon's own uid and root.
	AllowedUIDs []int `toml:"allowed_uids" json:"allowed_uids" yaml:"allowed_uids"`

	// MaxConnections caps concurrent clients.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// TimeoutSec is the per-connection idle timeout.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is text or json.
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is stdout, stderr, file or both.
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file when Output is file or both.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	MaxSizeMB  int  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool `toml:"compress" json:"compress" yaml:"compress"`
}

// NotifyConfig holds desktop notification settings.
type NotifyConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// TimeoutMs is how long a notification stays up; -1 lets the server
	// decide.
	TimeoutMs int `toml:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms"`
}

// HistoryConfig holds session history settings.
type HistoryConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// Keep is how many sessions are retained. Zero keeps everything.
	Keep int `toml:"keep" json:"keep" yaml:"keep"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	state := StateDir()
	return &Config{
		Version: Version,
		Capture: CaptureConfig{
			PollIntervalMs: 10,
			UnlockKey:      "Q",
		},
		Registry: RegistryConfig{
			ScanIntervalMs: 2000,
			InputDir:       "/dev/input",
			Watch:          true,
		},
		IPC: IPCConfig{
			SocketPath:     defaultSocketPath(),
			AllowedUIDs:    []int{},
			MaxConnections: 16,
			TimeoutSec:     300,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(state, "keylockd.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Notify: NotifyConfig{
			Enabled:   true,
			TimeoutMs: 5000,
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    filepath.Join(state, "history.db"),
			Keep:    1000,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// Load reads configuration from path. A missing file yields the defaults.
// TOML, JSON and YAML are accepted by extension. Environment overrides are
// applied, but the result is not validated; use Validate or a Loader.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// PollInterval returns the capture poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Capture.PollIntervalMs) * time.Millisecond
}

// ScanInterval returns the registry rescan interval.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Registry.ScanIntervalMs) * time.Millisecond
}

// IdleTimeout returns the IPC connection idle timeout.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IPC.TimeoutSec) * time.Second
}

// EnsureDirectories creates the directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.IPC.SocketPath),
	}
	if c.History.Enabled {
		dirs = append(dirs, filepath.Dir(c.History.Path))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies KEYLOCK_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("KEYLOCK_UNLOCK_KEY"); v != "" {
		c.Capture.UnlockKey = v
	}
	if v, ok := envInt("KEYLOCK_POLL_INTERVAL_MS"); ok {
		c.Capture.PollIntervalMs = v
	}
	if v := os.Getenv("KEYLOCK_INPUT_DIR"); v != "" {
		c.Registry.InputDir = v
	}
	if v := os.Getenv("KEYLOCK_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("KEYLOCK_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("KEYLOCK_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v, ok := envBool("KEYLOCK_NOTIFY"); ok {
		c.Notify.Enabled = v
	}
	if v := os.Getenv("KEYLOCK_HISTORY_PATH"); v != "" {
		c.History.Path = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:  c.Version,
		Capture:  c.Capture,
		Registry: c.Registry,
		IPC:      c.IPC,
		Logging:  c.Logging,
		Notify:   c.Notify,
		History:  c.History,
	}
	clone.IPC.AllowedUIDs = slices.Clone(c.IPC.AllowedUIDs)
	return clone
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
