package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"modalityd/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"ERROR", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(level))
		if err != nil || parsed != level {
			t.Errorf("level %v did not round trip through %q", level, LevelString(level))
		}
	}
}

func TestFromSettings(t *testing.T) {
	cfg, err := FromSettings(config.LoggingConfig{
		Level:      "debug",
		Format:     "json",
		Output:     "file",
		FilePath:   "/var/log/modalityd.log",
		MaxSizeMB:  7,
		MaxBackups: 2,
		Compress:   true,
	})
	if err != nil {
		t.Fatalf("FromSettings failed: %v", err)
	}
	if cfg.Level != LevelDebug || cfg.Format != FormatJSON {
		t.Errorf("unexpected level/format: %v/%v", cfg.Level, cfg.Format)
	}
	if cfg.MaxSize != 7 || cfg.MaxBackups != 2 || !cfg.Compress {
		t.Errorf("rotation settings not carried: %+v", cfg)
	}
	if !cfg.AddSource {
		t.Error("debug level should add source")
	}

	if _, err := FromSettings(config.LoggingConfig{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key      string
		expected bool
	}{
		{"keycode", true},
		{"KeyCode", true},
		{"scan_code", true},
		{"keysym", true},
		{"char", true},
		{"password", true},
		{"auth_token", true},
		{"cookie", true},
		{"type", false},
		{"device", false},
		{"session_id", false},
		{"pointer_type", false},
		{"timestamp", false},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			if got := shouldRedact(test.key); got != test.expected {
				t.Errorf("shouldRedact(%q) = %v, expected %v", test.key, got, test.expected)
			}
		})
	}
}

func TestJSONOutputRedactsKeyIdentity(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&Config{
		Level:     LevelInfo,
		Format:    FormatJSON,
		Component: "test",
		Writer:    &buf,
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	logger.Info("input", "type", "keyboard", "keycode", 30)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["component"] != "test" {
		t.Errorf("expected component test, got %v", entry["component"])
	}
	if entry["type"] != "keyboard" {
		t.Errorf("expected type keyboard, got %v", entry["type"])
	}
	if entry["keycode"] != "[REDACTED]" {
		t.Errorf("keycode leaked: %v", entry["keycode"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&Config{Level: LevelWarn, Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info message passed a warn-level logger")
	}
	if !strings.Contains(out, "shown") {
		t.Error("warn message missing")
	}
}

func TestSetLevelAffectsDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&Config{Level: LevelWarn, Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	child := logger.WithComponent("daemon")

	child.Info("before")
	logger.SetLevel(LevelDebug)
	child.Debug("after")

	out := buf.String()
	if strings.Contains(out, "before") {
		t.Error("info message passed a warn-level logger")
	}
	if !strings.Contains(out, "after") {
		t.Error("derived logger did not follow SetLevel")
	}
	if child.Level() != LevelDebug {
		t.Errorf("Level() = %v", child.Level())
	}
}

func TestRequestIDs(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&Config{Format: FormatJSON, Component: "ipc", Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}

	id1 := logger.NewRequestID()
	id2 := logger.WithComponent("other").NewRequestID()
	if id1 == id2 {
		t.Error("derived loggers share the counter and must not repeat IDs")
	}
	if !strings.HasPrefix(id1, "ipc-") {
		t.Errorf("request ID should start with component name, got %q", id1)
	}

	ctx := ContextWithRequestID(context.Background(), "req-7")
	if RequestIDFromContext(ctx) != "req-7" {
		t.Error("request ID not stored in context")
	}
	if RequestIDFromContext(nil) != "" || RequestIDFromContext(context.Background()) != "" {
		t.Error("expected empty request ID")
	}

	logger.WithContext(ctx).Info("handled")
	if !strings.Contains(buf.String(), `"request_id":"req-7"`) {
		t.Errorf("request_id missing from output: %s", buf.String())
	}
}

func TestFileRotator(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "test.log")

	rotator, err := NewFileRotator(&Config{FilePath: logPath, MaxSize: 1, MaxBackups: 3})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	defer rotator.Close()

	data := []byte("test log line\n")
	n, err := rotator.Write(data)
	if err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	if n != len(data) {
		t.Errorf("expected to write %d bytes, wrote %d", len(data), n)
	}
	if err := rotator.Sync(); err != nil {
		t.Errorf("sync failed: %v", err)
	}
	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("log file was not created: %v", err)
	}
}

func TestFileRotatorRotatesBySize(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	rotator, err := NewFileRotator(&Config{FilePath: logPath, MaxSize: 1, MaxBackups: 3, Compress: true})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}

	chunk := bytes.Repeat([]byte("x"), 512*1024)
	for i := 0; i < 3; i++ {
		if _, err := rotator.Write(chunk); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}
	if err := rotator.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(logPath), "test-*.log.gz"))
	if len(matches) != 1 {
		t.Fatalf("expected one compressed backup, got %v", matches)
	}
	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != int64(len(chunk)) {
		t.Errorf("expected fresh log with one chunk, got %d bytes", info.Size())
	}
}

func TestFileRotatorRotatesDaily(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	rotator, err := NewFileRotator(&Config{FilePath: logPath, MaxSize: 100, MaxBackups: 3})
	if err != nil {
		t.Fatal(err)
	}
	defer rotator.Close()

	if _, err := rotator.Write([]byte("day one\n")); err != nil {
		t.Fatal(err)
	}

	tomorrow := time.Now().Add(24 * time.Hour)
	rotator.mu.Lock()
	rotator.now = func() time.Time { return tomorrow }
	rotator.mu.Unlock()

	if _, err := rotator.Write([]byte("day two\n")); err != nil {
		t.Fatal(err)
	}

	files, err := rotator.LogFiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Errorf("expected current plus one rotated file, got %v", files)
	}
}

func TestCrashHandlerRecovers(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	logger, err := New(&Config{Format: FormatJSON, Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}

	h := NewCrashHandler(dir, "1.2.3", logger)
	h.SetSessionID("session-1")

	done := make(chan CrashReport, 1)
	h.OnCrash(func(r CrashReport) { done <- r })
	h.Go("source", func() { panic("boom") })

	select {
	case r := <-done:
		if r.PanicValue != "boom" || r.Goroutine != "source" || r.SessionID != "session-1" {
			t.Errorf("unexpected report: %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("panic was not reported")
	}

	reports, err := h.Reports()
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 1 || reports[0].Version != "1.2.3" {
		t.Errorf("expected one report on disk, got %+v", reports)
	}
	if !strings.Contains(buf.String(), "goroutine panicked") {
		t.Error("panic was not logged")
	}
}
