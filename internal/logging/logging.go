// Package logging sets up modalityd's slog loggers: text or JSON output to
// the terminal or a rotated file, per-request IDs for the query socket, a
// level that can change while running, and redaction of anything that
// would identify which key was pressed.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"modalityd/internal/config"
)

// Level is a slog level.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

var levelNames = map[string]Level{
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
}

// ParseLevel parses a level name case-insensitively.
func ParseLevel(s string) (Level, error) {
	if level, ok := levelNames[strings.ToLower(s)]; ok {
		return level, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level: %q", s)
}

// LevelString is the config spelling of level.
func LevelString(level Level) string {
	return strings.ToLower(level.String())
}

// Format selects the handler.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Config holds the logging configuration.
type Config struct {
	Level  Level
	Format Format

	// Output is "stdout", "stderr", "file" or "both".
	Output string

	// FilePath, MaxSize (MB), MaxAge (days), MaxBackups and Compress apply
	// when Output includes a file.
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool

	AddSource bool

	// Component is attached to every record.
	Component string

	// Writer overrides Output.
	Writer io.Writer
}

// DefaultConfig returns info-level text logging to stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		MaxSize:    50,
		MaxAge:     30,
		MaxBackups: 5,
		Compress:   true,
		Component:  "modalityd",
	}
}

// FromSettings converts the daemon's [logging] section.
func FromSettings(s config.LoggingConfig) (*Config, error) {
	level, err := ParseLevel(s.Level)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	cfg.Level = level
	cfg.AddSource = level == LevelDebug
	if strings.EqualFold(s.Format, "json") {
		cfg.Format = FormatJSON
	}
	cfg.Output = s.Output
	cfg.FilePath = s.FilePath
	if s.MaxSizeMB > 0 {
		cfg.MaxSize = int64(s.MaxSizeMB)
	}
	cfg.MaxBackups = s.MaxBackups
	cfg.Compress = s.Compress
	return cfg, nil
}

// shared is the state every logger derived from one New call points at.
type shared struct {
	config   *Config
	level    *slog.LevelVar
	rotator  *FileRotator
	requests atomic.Uint64
}

// Logger is a slog.Logger plus the component, request and level helpers.
type Logger struct {
	*slog.Logger
	shared *shared
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger
)

// Default returns the process-wide logger, creating a stderr one on first
// use.
func Default() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultLogger == nil {
		l, err := New(DefaultConfig())
		if err != nil {
			l = &Logger{Logger: slog.Default(), shared: &shared{config: DefaultConfig(), level: new(slog.LevelVar)}}
		}
		defaultLogger = l
	}
	return defaultLogger
}

// SetDefault installs l as the process-wide logger and as slog's default.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	slog.SetDefault(l.Logger)
}

// New builds a logger from cfg. A nil cfg means DefaultConfig.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &shared{config: cfg, level: new(slog.LevelVar)}
	s.level.Set(cfg.Level)

	w, err := s.writer()
	if err != nil {
		return nil, fmt.Errorf("setup writers: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level:       s.level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: redactAttr,
	}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.Format == FormatJSON {
		h = slog.NewJSONHandler(w, opts)
	}
	if cfg.Component != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}
	return &Logger{Logger: slog.New(h), shared: s}, nil
}

func (s *shared) writer() (io.Writer, error) {
	if s.config.Writer != nil {
		return s.config.Writer, nil
	}

	output := strings.ToLower(s.config.Output)
	switch output {
	case "stdout":
		return os.Stdout, nil
	case "file", "both":
		rotator, err := NewFileRotator(s.config)
		if err != nil {
			return nil, err
		}
		s.rotator = rotator
		if output == "both" {
			return io.MultiWriter(os.Stderr, rotator), nil
		}
		return rotator, nil
	}
	return os.Stderr, nil
}

// keyIdentity are attribute keys that could reveal what was typed. Only
// the modality of an input may be logged.
var keyIdentity = []string{"keycode", "key_code", "scancode", "scan_code", "keysym", "char"}

var credentials = []string{"password", "secret", "token", "credential", "cookie"}

func shouldRedact(key string) bool {
	key = strings.ToLower(key)
	for _, list := range [][]string{keyIdentity, credentials} {
		for _, s := range list {
			if strings.Contains(key, s) {
				return true
			}
		}
	}
	return false
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if shouldRedact(a.Key) {
		a.Value = slog.StringValue("[REDACTED]")
	}
	return a
}

// SetLevel changes the minimum level of l and every logger sharing its
// output.
func (l *Logger) SetLevel(level Level) {
	l.shared.level.Set(level)
}

// Level returns the current minimum level.
func (l *Logger) Level() Level {
	return l.shared.level.Level()
}

func (l *Logger) with(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), shared: l.shared}
}

// WithComponent tags records with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	return l.with(slog.String("component", name))
}

// WithRequestID tags records with a request ID.
func (l *Logger) WithRequestID(id string) *Logger {
	return l.with(slog.String("request_id", id))
}

// WithContext tags records with the request ID carried by ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id := RequestIDFromContext(ctx); id != "" {
		return l.WithRequestID(id)
	}
	return l
}

// NewRequestID returns an ID unique among loggers derived from the same
// New call.
func (l *Logger) NewRequestID() string {
	n := l.shared.requests.Add(1)
	return fmt.Sprintf("%s-%d-%d", l.shared.config.Component, time.Now().UnixNano(), n)
}

// Sync flushes the log file, if any.
func (l *Logger) Sync() error {
	if l.shared.rotator == nil {
		return nil
	}
	return l.shared.rotator.Sync()
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.shared.rotator == nil {
		return nil
	}
	return l.shared.rotator.Close()
}

type requestIDKey struct{}

// ContextWithRequestID returns ctx carrying id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID in ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
