package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// CrashReport describes a recovered panic.
type CrashReport struct {
	Timestamp    time.Time         `json:"timestamp"`
	Version      string            `json:"version"`
	GOOS         string            `json:"goos"`
	GOARCH       string            `json:"goarch"`
	NumGoroutine int               `json:"num_goroutine"`
	PanicValue   string            `json:"panic_value"`
	StackTrace   string            `json:"stack_trace"`
	Component    string            `json:"component,omitempty"`
	Context      map[string]string `json:"context,omitempty"`
}

// CrashHandler writes crash reports for panics recovered in daemon
// goroutines.
type CrashHandler struct {
	mu      sync.Mutex
	dir     string
	version string
	logger  *slog.Logger
	onCrash func(CrashReport)
}

// NewCrashHandler creates a handler writing into dir. A nil logger discards.
func NewCrashHandler(dir, version string, logger *slog.Logger, onCrash func(CrashReport)) *CrashHandler {
	if logger == nil {
		logger = Discard().Logger
	}
	return &CrashHandler{dir: dir, version: version, logger: logger, onCrash: onCrash}
}

// Go runs fn on a new goroutine, recovering and reporting a panic.
func (h *CrashHandler) Go(component string, fn func()) {
	go func() {
		defer h.Recover(component)
		fn()
	}()
}

// Recover reports a panic in progress. Use as a deferred call.
func (h *CrashHandler) Recover(component string) {
	if r := recover(); r != nil {
		h.HandlePanic(component, r, nil)
	}
}

// HandlePanic records a panic value and returns the written report.
func (h *CrashHandler) HandlePanic(component string, value any, ctx map[string]string) CrashReport {
	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprint(value),
		StackTrace:   string(debug.Stack()),
		Component:    component,
		Context:      ctx,
	}

	h.mu.Lock()
	path, err := h.write(report)
	h.mu.Unlock()

	h.logger.Log(context.Background(), LevelCritical, "recovered panic",
		"panic", report.PanicValue, "crash_component", component, "report", path, "write_error", err)
	if h.onCrash != nil {
		h.onCrash(report)
	}
	return report
}

func (h *CrashHandler) write(report CrashReport) (string, error) {
	if h.dir == "" {
		return "", nil
	}
	if err := os.MkdirAll(h.dir, 0750); err != nil {
		return "", fmt.Errorf("create crash directory: %w", err)
	}
	name := fmt.Sprintf("crash-%s-%s.json", report.Component, report.Timestamp.Format("20060102-150405.000"))
	path := filepath.Join(h.dir, name)
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Reports loads the crash reports in the directory.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return nil, err
	}
	reports := make([]CrashReport, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		var r CrashReport
		if json.Unmarshal(data, &r) == nil {
			reports = append(reports, r)
		}
	}
	return reports, nil
}

// Prune removes crash reports older than maxAge.
func (h *CrashHandler) Prune(maxAge time.Duration) error {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-maxAge)
	for _, f := range files {
		if info, err := os.Stat(f); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(f)
		}
	}
	return nil
}
