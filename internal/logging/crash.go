package logging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// CrashReport describes a recovered panic.
type CrashReport struct {
	Timestamp    time.Time `json:"timestamp"`
	Component    string    `json:"component"`
	Goroutine    string    `json:"goroutine,omitempty"`
	GOOS         string    `json:"goos"`
	GOARCH       string    `json:"goarch"`
	GoVersion    string    `json:"go_version"`
	NumGoroutine int       `json:"num_goroutine"`
	PanicValue   string    `json:"panic_value"`
	StackTrace   string    `json:"stack_trace"`
}

// CrashHandler recovers panics, writes a JSON report and logs it. The
// daemon installs one around each long-running goroutine so that a bug in,
// say, the registry loop is recorded before the process exits and the
// kernel drops any grab.
type CrashHandler struct {
	mu        sync.Mutex
	dir       string
	component string
	log       *slog.Logger
	onCrash   func(CrashReport)
}

// CrashHandlerConfig configures a CrashHandler.
type CrashHandlerConfig struct {
	// Dir receives crash-*.json files. Empty means DefaultCrashDir.
	Dir string

	Component string
	Logger    *slog.Logger

	// OnCrash runs after the report is written.
	OnCrash func(CrashReport)
}

// DefaultCrashDir is $XDG_STATE_HOME/keylock/crashes.
func DefaultCrashDir() string {
	return filepath.Join(filepath.Dir(defaultLogPath()), "crashes")
}

// NewCrashHandler creates a CrashHandler.
func NewCrashHandler(cfg CrashHandlerConfig) *CrashHandler {
	if cfg.Dir == "" {
		cfg.Dir = DefaultCrashDir()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CrashHandler{
		dir:       cfg.Dir,
		component: cfg.Component,
		log:       cfg.Logger,
		onCrash:   cfg.OnCrash,
	}
}

// Recover must be deferred directly. It records a panic and then re-panics
// so the process still dies.
//
//	go func() {
//		defer crashes.Recover("registry")
//		...
//	}()
func (h *CrashHandler) Recover(goroutine string) {
	r := recover()
	if r == nil {
		return
	}
	h.Handle(r, goroutine)
	panic(r)
}

// Handle writes and logs a report for panic value v and returns it.
func (h *CrashHandler) Handle(v any, goroutine string) CrashReport {
	h.mu.Lock()
	defer h.mu.Unlock()

	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Component:    h.component,
		Goroutine:    goroutine,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprint(v),
		StackTrace:   string(debug.Stack()),
	}

	path, err := h.write(report)
	if err != nil {
		h.log.Error("panic", "goroutine", goroutine, "panic", report.PanicValue, "report_error", err)
	} else {
		h.log.Error("panic", "goroutine", goroutine, "panic", report.PanicValue, "report", path)
	}

	if h.onCrash != nil {
		h.onCrash(report)
	}
	return report
}

func (h *CrashHandler) write(report CrashReport) (string, error) {
	if err := os.MkdirAll(h.dir, 0o700); err != nil {
		return "", fmt.Errorf("create crash dir: %w", err)
	}
	name := fmt.Sprintf("crash-%s-%s.json",
		strings.ReplaceAll(report.Component, string(filepath.Separator), "_"),
		report.Timestamp.Format("20060102-150405.000000"))
	path := filepath.Join(h.dir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Reports returns the crash reports in the directory.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return nil, err
	}

	reports := make([]CrashReport, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var report CrashReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Prune removes reports older than maxAge.
func (h *CrashHandler) Prune(maxAge time.Duration) error {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-maxAge)
	for _, file := range files {
		if info, err := os.Stat(file); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(file)
		}
	}
	return nil
}
