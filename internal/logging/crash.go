package logging

import (
	"encoding/json"
	"fmt"
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
	Version      string            `json:"version,omitempty"`
	GOOS         string            `json:"goos"`
	GOARCH       string            `json:"goarch"`
	NumGoroutine int               `json:"num_goroutine"`
	PanicValue   string            `json:"panic_value"`
	StackTrace   string            `json:"stack_trace"`
	Component    string            `json:"component,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	Context      map[string]string `json:"context,omitempty"`
}

// CrashHandlerConfig configures a CrashHandler.
type CrashHandlerConfig struct {
	// CrashDir receives one JSON file per recovered panic. Empty disables dumps.
	CrashDir  string
	Version   string
	Component string
	Logger    *Logger

	// OnCrash is called after the report has been written.
	OnCrash func(CrashReport)
}

// CrashHandler recovers panics in detached goroutines and records them.
//
// A panic inside a fire-and-forget task (reporting, evidence capture,
// location sampling) must never end the exam, so such goroutines start with
// `defer h.RecoverGoroutine("name")`.
type CrashHandler struct {
	mu        sync.Mutex
	crashDir  string
	version   string
	component string
	sessionID string
	logger    *Logger
	onCrash   func(CrashReport)
	count     int
}

// DefaultCrashDir returns the platform-specific crash directory.
func DefaultCrashDir() string {
	return filepath.Join(filepath.Dir(defaultLogPath()), "crashes")
}

// NewCrashHandler creates a CrashHandler.
func NewCrashHandler(cfg *CrashHandlerConfig) *CrashHandler {
	if cfg == nil {
		cfg = &CrashHandlerConfig{}
	}
	if cfg.CrashDir != "" {
		_ = os.MkdirAll(cfg.CrashDir, 0750)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = Default()
	}
	return &CrashHandler{
		crashDir:  cfg.CrashDir,
		version:   cfg.Version,
		component: cfg.Component,
		logger:    logger,
		onCrash:   cfg.OnCrash,
	}
}

// SetSessionID tags subsequent reports with the evaluation session.
func (h *CrashHandler) SetSessionID(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessionID = id
}

// Count returns the number of panics recovered so far.
func (h *CrashHandler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// RecoverGoroutine must be deferred directly at the top of a goroutine.
func (h *CrashHandler) RecoverGoroutine(task string) {
	if r := recover(); r != nil {
		h.HandlePanic(r, map[string]string{"task": task})
	}
}

// Go runs fn in a new goroutine guarded by RecoverGoroutine.
func (h *CrashHandler) Go(task string, fn func()) {
	go func() {
		defer h.RecoverGoroutine(task)
		fn()
	}()
}

// HandlePanic records a recovered panic value.
func (h *CrashHandler) HandlePanic(value any, ctx map[string]string) {
	h.mu.Lock()
	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprintf("%v", value),
		StackTrace:   string(debug.Stack()),
		Component:    h.component,
		SessionID:    h.sessionID,
		Context:      ctx,
	}
	h.count++
	h.mu.Unlock()

	path, err := h.writeReport(report)
	h.logger.Error("recovered panic",
		"panic", report.PanicValue,
		"task", ctx["task"],
		"report", path,
		"write_error", err,
	)

	if h.onCrash != nil {
		h.onCrash(report)
	}
}

func (h *CrashHandler) writeReport(report CrashReport) (string, error) {
	if h.crashDir == "" {
		return "", nil
	}
	name := fmt.Sprintf("crash-%s-%s.json", report.Component, report.Timestamp.Format("20060102-150405.000"))
	path := filepath.Join(h.crashDir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Reports loads all crash reports from the crash directory.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	if h.crashDir == "" {
		return nil, nil
	}
	files, err := filepath.Glob(filepath.Join(h.crashDir, "crash-*.json"))
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
