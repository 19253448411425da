// Package config handles configuration loading, validation, and management for modalityd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"modalityd/internal/security"
)

// Version is the current configuration schema version.
const Version = 1

// Feature modes for capabilities that can be detected or forced.
const (
	ModeAuto = "auto"
	ModeOn   = "on"
	ModeOff  = "off"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Tracker configures interaction classification.
	Tracker TrackerConfig `toml:"tracker" json:"tracker" yaml:"tracker"`

	// Sources configures where input events come from.
	Sources SourcesConfig `toml:"sources" json:"sources" yaml:"sources"`

	// Storage configures the interaction journal.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// IPC configures the query socket.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// Metrics configures the metrics endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Lifecycle configures which signals end the tracking session.
	Lifecycle LifecycleConfig `toml:"lifecycle" json:"lifecycle" yaml:"lifecycle"`
}

// TrackerConfig holds interaction tracker settings.
type TrackerConfig struct {
	// BufferWindowMs is how long a touch suppresses further events.
	BufferWindowMs int `toml:"buffer_window_ms" json:"buffer_window_ms" yaml:"buffer_window_ms"`

	// UserInvokedDelayMs is the default recency window for user-invoked checks.
	UserInvokedDelayMs int `toml:"user_invoked_delay_ms" json:"user_invoked_delay_ms" yaml:"user_invoked_delay_ms"`

	// PointerEvents is "auto", "on" or "off".
	PointerEvents string `toml:"pointer_events" json:"pointer_events" yaml:"pointer_events"`

	// LegacyPointerEvents subscribes the vendor-prefixed pointer-down event
	// instead of the standard one.
	LegacyPointerEvents bool `toml:"legacy_pointer_events" json:"legacy_pointer_events" yaml:"legacy_pointer_events"`

	// Touch is "auto", "on" or "off".
	Touch string `toml:"touch" json:"touch" yaml:"touch"`

	// QueueSize bounds pending events on the dispatch loop.
	QueueSize int `toml:"queue_size" json:"queue_size" yaml:"queue_size"`
}

// SourcesConfig holds event source settings.
type SourcesConfig struct {
	Evdev  EvdevConfig  `toml:"evdev" json:"evdev" yaml:"evdev"`
	Replay ReplayConfig `toml:"replay" json:"replay" yaml:"replay"`
}

// EvdevConfig configures the Linux input device source.
type EvdevConfig struct {
	// Enabled turns on reading from input devices.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Devices lists device nodes to open. Empty means discover.
	Devices []string `toml:"devices" json:"devices" yaml:"devices"`

	// InputDir is the directory holding event device nodes.
	InputDir string `toml:"input_dir" json:"input_dir" yaml:"input_dir"`

	// Hotplug attaches devices that appear after startup.
	Hotplug bool `toml:"hotplug" json:"hotplug" yaml:"hotplug"`
}

// ReplayConfig configures a recorded event file fed at startup.
type ReplayConfig struct {
	// Path is a JSON Lines event recording. Empty disables replay.
	Path string `toml:"path" json:"path" yaml:"path"`

	// Realtime paces events by their recorded offsets.
	Realtime bool `toml:"realtime" json:"realtime" yaml:"realtime"`
}

// StorageConfig holds journal configuration.
type StorageConfig struct {
	// Type is the storage backend type: "sqlite" or "none".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Path is the path to the database file (for sqlite).
	Path string `toml:"path" json:"path" yaml:"path"`

	// RetentionDays prunes interactions older than this. 0 keeps everything.
	RetentionDays int `toml:"retention_days" json:"retention_days" yaml:"retention_days"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// IPCConfig holds query socket configuration.
type IPCConfig struct {
	// Enabled determines whether the IPC server is started.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath is the path to the Unix domain socket.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the socket file mode, e.g. "0600".
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	// MaxConnections is the maximum number of concurrent clients.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// TimeoutSec is the per-request timeout in seconds.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// MetricsConfig holds metrics exposition settings.
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is where logs are written: "stdout", "stderr", "file", "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// Compress gzips rotated log files.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// LifecycleConfig selects the session-end signals.
type LifecycleConfig struct {
	// Logind listens for systemd-logind shutdown signals over D-Bus.
	Logind bool `toml:"logind" json:"logind" yaml:"logind"`

	// EndOnLock also ends the session when the login session locks.
	EndOnLock bool `toml:"end_on_lock" json:"end_on_lock" yaml:"end_on_lock"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Tracker: TrackerConfig{
			BufferWindowMs:      650,
			UserInvokedDelayMs:  15,
			PointerEvents:       ModeAuto,
			LegacyPointerEvents: false,
			Touch:               ModeAuto,
			QueueSize:           256,
		},
		Sources: SourcesConfig{
			Evdev: EvdevConfig{
				Enabled:  runtime.GOOS == "linux",
				Devices:  []string{},
				InputDir: "/dev/input",
				Hotplug:  true,
			},
		},
		Storage: StorageConfig{
			Type:          "sqlite",
			Path:          filepath.Join(dir, "interactions.db"),
			RetentionDays: 30,
			BusyTimeoutMs: 5000,
		},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     defaultSocketPath(),
			Permissions:    "0600",
			MaxConnections: 32,
			TimeoutSec:     10,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9464",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "modalityd.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			Compress:   true,
		},
		Lifecycle: LifecycleConfig{
			Logind:    runtime.GOOS == "linux",
			EndOnLock: false,
		},
	}
}

// ConfigPath returns the existing config file in the platform config
// directory, or config.toml there when none exists yet.
func ConfigPath() string {
	dir := PlatformConfigDir()
	if found := FindConfigFile(dir); found != "" {
		return found
	}
	return filepath.Join(dir, "config.toml")
}

// Load reads path, or ConfigPath when path is "", without validating it.
// A missing file yields the defaults. The format follows the extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	return read(path)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{}
	if c.Storage.Type == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.IPC.Enabled {
		dirs = append(dirs, filepath.Dir(c.IPC.SocketPath))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := security.EnsurePrivateDir(dir); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DataDir returns the base modalityd data directory.
// MODALITYD_DATA_DIR overrides the platform default.
func DataDir() string {
	if envDir := os.Getenv("MODALITYD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with MODALITYD_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("MODALITYD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("MODALITYD_STORAGE_TYPE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("MODALITYD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MODALITYD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("MODALITYD_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("MODALITYD_METRICS_ADDR"); v != "" {
		c.Metrics.ListenAddr = v
		c.Metrics.Enabled = true
	}
	if v := os.Getenv("MODALITYD_BUFFER_WINDOW_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Tracker.BufferWindowMs = ms
		}
	}
	if v := os.Getenv("MODALITYD_TOUCH"); v != "" {
		c.Tracker.Touch = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Sources.Evdev.Devices = append([]string{}, c.Sources.Evdev.Devices...)
	return &clone
}

// Save writes the configuration as TOML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	fmt.Fprintf(f, "# modalityd configuration (schema version %d)\n\n", Version)
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encode TOML: %w", err)
	}
	return f.Close()
}

// BufferWindow returns the touch buffering window.
func (c *Config) BufferWindow() time.Duration {
	return time.Duration(c.Tracker.BufferWindowMs) * time.Millisecond
}

// UserInvokedDelay returns the default recency window.
func (c *Config) UserInvokedDelay() time.Duration {
	return time.Duration(c.Tracker.UserInvokedDelayMs) * time.Millisecond
}

// IPCTimeout returns the per-request IPC timeout.
func (c *Config) IPCTimeout() time.Duration {
	return time.Duration(c.IPC.TimeoutSec) * time.Second
}

// Retention returns how long journaled interactions are kept. Zero means forever.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Storage.RetentionDays) * 24 * time.Hour
}

// ResolveMode applies an "auto"/"on"/"off" mode to a detected capability.
func ResolveMode(mode string, detected bool) bool {
	switch mode {
	case ModeOn:
		return true
	case ModeOff:
		return false
	default:
		return detected
	}
}

// SocketMode parses IPC.Permissions as an octal file mode.
func (c *Config) SocketMode() os.FileMode {
	mode, err := strconv.ParseUint(c.IPC.Permissions, 8, 32)
	if err != nil {
		return 0600
	}
	return os.FileMode(mode)
}
