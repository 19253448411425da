package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

const appName = "modalityd"

type dirKind int

const (
	dataDir dirKind = iota
	configDir
	logDir
	runtimeDir
)

// xdgDirs maps each kind to its XDG base directory variable and the
// fallback below $HOME. The runtime directory has no fallback.
var xdgDirs = map[dirKind]struct {
	env      string
	fallback []string
}{
	dataDir:    {"XDG_DATA_HOME", []string{".local", "share"}},
	configDir:  {"XDG_CONFIG_HOME", []string{".config"}},
	logDir:     {"XDG_STATE_HOME", []string{".local", "state"}},
	runtimeDir: {"XDG_RUNTIME_DIR", nil},
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}

// platformDir resolves kind for the running OS. It returns "" when the
// platform has no such directory.
func platformDir(kind dirKind) string {
	home := homeDir()

	switch runtime.GOOS {
	case "darwin":
		switch kind {
		case logDir:
			return filepath.Join(home, "Library", "Logs", appName)
		case runtimeDir:
			return ""
		}
		return filepath.Join(home, "Library", "Application Support", appName)

	case "windows":
		if kind == runtimeDir {
			return ""
		}
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		if kind == logDir {
			if local := os.Getenv("LOCALAPPDATA"); local != "" {
				return filepath.Join(local, appName, "logs")
			}
			return filepath.Join(base, appName, "logs")
		}
		return filepath.Join(base, appName)
	}

	xdg := xdgDirs[kind]
	if v := os.Getenv(xdg.env); v != "" {
		return filepath.Join(v, appName)
	}
	if xdg.fallback == nil || home == "" {
		return ""
	}
	parts := append([]string{home}, xdg.fallback...)
	return filepath.Join(append(parts, appName)...)
}

// PlatformDataDir returns where the journal lives by default:
// ~/Library/Application Support/modalityd on macOS, %APPDATA%\modalityd on
// Windows and $XDG_DATA_HOME/modalityd elsewhere.
func PlatformDataDir() string {
	return platformDir(dataDir)
}

// PlatformConfigDir returns the directory searched for config files.
func PlatformConfigDir() string {
	return platformDir(configDir)
}

// PlatformLogDir returns the directory for log files.
func PlatformLogDir() string {
	return platformDir(logDir)
}

// defaultSocketPath prefers the per-user runtime directory, which the
// session manager creates private and removes at logout.
func defaultSocketPath() string {
	if dir := platformDir(runtimeDir); dir != "" {
		return filepath.Join(dir, appName+".sock")
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(PlatformDataDir(), appName+".sock")
	case "windows":
		return filepath.Join(os.TempDir(), appName+".sock")
	}
	return filepath.Join(os.TempDir(), appName+"-"+strconv.Itoa(os.Getuid())+".sock")
}

// SupportedConfigFormats returns the config file extensions Load understands,
// in the order FindConfigFile tries them.
func SupportedConfigFormats() []string {
	return []string{".toml", ".yaml", ".yml", ".json"}
}

// FindConfigFile returns the first existing config file in dir, or "" if
// there is none.
func FindConfigFile(dir string) string {
	for _, ext := range SupportedConfigFormats() {
		path := filepath.Join(dir, "config"+ext)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
