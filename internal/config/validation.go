package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrInvalidConfig matches every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError is one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid field of a configuration.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i := range e {
		msgs[i] = e[i].Error()
	}
	return strings.Join(msgs, "; ")
}

func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Fields returns the invalid field names in order.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, len(e))
	for i := range e {
		fields[i] = e[i].Field
	}
	return fields
}

var octalMode = regexp.MustCompile(`^0[0-7]{3}$`)

type checker struct {
	errs ValidationErrors
}

// require records a failure on field unless ok.
func (c *checker) require(ok bool, field, format string, args ...any) {
	if !ok {
		c.errs = append(c.errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
}

func (c *checker) oneOf(value, field string, allowed ...string) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	c.require(false, field, "invalid value %q (valid: %s)", value, strings.Join(allowed, ", "))
}

// ValidateConfig checks every section and returns ValidationErrors listing
// all problems, or nil.
func ValidateConfig(cfg *Config) error {
	var c checker

	c.require(cfg.Version >= 1 && cfg.Version <= Version, "version",
		"unsupported version %d (current: %d)", cfg.Version, Version)

	t := cfg.Tracker
	c.require(t.BufferWindowMs >= 0, "tracker.buffer_window_ms", "buffer window cannot be negative")
	c.require(t.UserInvokedDelayMs >= 0, "tracker.user_invoked_delay_ms", "user invoked delay cannot be negative")
	c.oneOf(t.PointerEvents, "tracker.pointer_events", ModeAuto, ModeOn, ModeOff)
	c.oneOf(t.Touch, "tracker.touch", ModeAuto, ModeOn, ModeOff)
	c.require(t.QueueSize >= 1, "tracker.queue_size", "queue size must be at least 1")

	ev := cfg.Sources.Evdev
	c.require(!ev.Enabled || ev.InputDir != "" || len(ev.Devices) > 0, "sources.evdev.input_dir",
		"input directory is required when no devices are listed")
	for i, dev := range ev.Devices {
		c.require(dev != "", fmt.Sprintf("sources.evdev.devices[%d]", i), "device path cannot be empty")
	}
	if p := cfg.Sources.Replay.Path; p != "" {
		c.require(filepath.Ext(p) == ".jsonl", "sources.replay.path", "replay file must have a .jsonl extension")
	}

	s := cfg.Storage
	c.oneOf(s.Type, "storage.type", "sqlite", "none")
	if s.Type == "sqlite" {
		c.require(s.Path != "", "storage.path", "database path is required for sqlite storage")
	}
	c.require(s.RetentionDays >= 0, "storage.retention_days", "retention cannot be negative")
	c.require(s.BusyTimeoutMs >= 0, "storage.busy_timeout_ms", "busy timeout cannot be negative")

	if ipc := cfg.IPC; ipc.Enabled {
		c.require(ipc.SocketPath != "", "ipc.socket_path", "socket path is required when IPC is enabled")
		c.require(ipc.Permissions == "" || octalMode.MatchString(ipc.Permissions), "ipc.permissions",
			"invalid permissions %q (expected octal like 0600)", ipc.Permissions)
		c.require(ipc.MaxConnections >= 1, "ipc.max_connections", "max connections must be at least 1")
		c.require(ipc.TimeoutSec >= 1, "ipc.timeout_sec", "timeout must be at least 1 second")
	}

	if cfg.Metrics.Enabled {
		_, _, err := net.SplitHostPort(cfg.Metrics.ListenAddr)
		c.require(err == nil, "metrics.listen_addr", "invalid listen address: %v", err)
	}

	l := cfg.Logging
	c.oneOf(l.Level, "logging.level", "debug", "info", "warn", "error")
	c.oneOf(l.Format, "logging.format", "text", "json")
	c.oneOf(l.Output, "logging.output", "stdout", "stderr", "file", "both")
	if l.Output == "file" || l.Output == "both" {
		c.require(l.FilePath != "", "logging.file_path", "file path is required when output includes a file")
	}
	c.require(l.MaxSizeMB >= 1, "logging.max_size_mb", "max size must be at least 1 MB")
	c.require(l.MaxBackups >= 0, "logging.max_backups", "max backups cannot be negative")

	if len(c.errs) > 0 {
		return c.errs
	}
	return nil
}
