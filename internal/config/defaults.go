package config

import (
	"os"
	"path/filepath"
	"strconv"
)

const appName = "keylock"

// ConfigDir returns the configuration directory, $XDG_CONFIG_HOME/keylock
// or ~/.config/keylock.
func ConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, appName)
	}
	return filepath.Join(homeDir(), ".config", appName)
}

// StateDir returns the directory for logs and history. KEYLOCK_DATA_DIR
// overrides the XDG default of ~/.local/state/keylock.
func StateDir() string {
	if dir := os.Getenv("KEYLOCK_DATA_DIR"); dir != "" {
		return dir
	}
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, appName)
	}
	return filepath.Join(homeDir(), ".local", "state", appName)
}

// RuntimeDir returns the directory for the control socket,
// $XDG_RUNTIME_DIR/keylock or /tmp/keylock-$UID.
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, appName)
	}
	return filepath.Join(os.TempDir(), appName+"-"+strconv.Itoa(os.Getuid()))
}

func defaultSocketPath() string {
	return filepath.Join(RuntimeDir(), "keylockd.sock")
}

// DefaultSocketPath is the socket clients dial when none is configured.
func DefaultSocketPath() string {
	return defaultSocketPath()
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.TempDir()
	}
	return home
}

// SupportedConfigFormats lists the accepted file extensions.
func SupportedConfigFormats() []string {
	return []string{".toml", ".json", ".yaml", ".yml"}
}

// FindConfigFile returns the first existing config file in the config
// directory, or the default TOML path when none exists.
func FindConfigFile() string {
	dir := ConfigDir()
	for _, ext := range SupportedConfigFormats() {
		path := filepath.Join(dir, "config"+ext)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ConfigPath()
}
