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
	Timestamp    time.Time `json:"timestamp"`
	Version      string    `json:"version"`
	GOOS         string    `json:"goos"`
	GOARCH       string    `json:"goarch"`
	NumGoroutine int       `json:"num_goroutine"`
	Goroutine    string    `json:"goroutine"`
	PanicValue   string    `json:"panic_value"`
	StackTrace   string    `json:"stack_trace"`
	SessionID    string    `json:"session_id,omitempty"`
}

// CrashHandler recovers panics in daemon goroutines, logs them and writes
// a JSON report to its directory.
type CrashHandler struct {
	mu        sync.Mutex
	dir       string
	version   string
	sessionID string
	logger    *Logger
	onCrash   func(CrashReport)
}

// NewCrashHandler creates a handler writing reports under dir. An empty
// dir disables report files.
func NewCrashHandler(dir, version string, logger *Logger) *CrashHandler {
	if logger == nil {
		logger = Default()
	}
	return &CrashHandler{dir: dir, version: version, logger: logger}
}

// SetSessionID records the active journal session in future reports.
func (h *CrashHandler) SetSessionID(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessionID = id
}

// OnCrash registers a callback run after each report.
func (h *CrashHandler) OnCrash(fn func(CrashReport)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onCrash = fn
}

// Go runs fn in a new goroutine, recovering any panic it raises.
func (h *CrashHandler) Go(name string, fn func()) {
	go func() {
		defer h.Recover(name)
		fn()
	}()
}

// Recover must be deferred directly. It reports a panic instead of letting
// it crash the process.
func (h *CrashHandler) Recover(name string) {
	if r := recover(); r != nil {
		h.HandlePanic(name, r)
	}
}

// HandlePanic records a recovered panic value.
func (h *CrashHandler) HandlePanic(name string, value any) CrashReport {
	h.mu.Lock()
	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		Goroutine:    name,
		PanicValue:   fmt.Sprintf("%v", value),
		StackTrace:   string(debug.Stack()),
		SessionID:    h.sessionID,
	}
	onCrash := h.onCrash
	h.mu.Unlock()

	path, err := h.write(report)
	h.logger.Error("goroutine panicked",
		"goroutine", name,
		"panic", report.PanicValue,
		"report", path,
		"write_error", err,
	)

	if onCrash != nil {
		onCrash(report)
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

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}

	name := fmt.Sprintf("crash-%s-%d.json", report.Goroutine, report.Timestamp.UnixNano())
	path := filepath.Join(h.dir, name)
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Reports reads all crash reports in the handler's directory.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	if h.dir == "" {
		return nil, nil
	}
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
