// Package security holds the daemon's filesystem hardening: private
// directories, the single-instance lock and log throttling.
package security

import (
	"errors"
	"fmt"
	"os"
	"runtime"
)

const (
	// PermPrivateDir is the mode of directories modalityd creates.
	PermPrivateDir os.FileMode = 0700
	// PermPrivateFile is the mode of lock and state files.
	PermPrivateFile os.FileMode = 0600
)

var (
	ErrInsecurePermissions = errors.New("security: insecure permissions")
	ErrNotDirectory        = errors.New("security: not a directory")
	ErrLocked              = errors.New("security: already locked by another process")
)

// EnsurePrivateDir creates path with PermPrivateDir if it is missing. An
// existing directory is accepted unless others can write to it without the
// sticky bit set, as in /tmp.
func EnsurePrivateDir(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return os.MkdirAll(path, PermPrivateDir)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotDirectory, path)
	}
	if runtime.GOOS == "windows" {
		return nil
	}

	mode := info.Mode()
	if mode.Perm()&0022 != 0 && mode&os.ModeSticky == 0 {
		return fmt.Errorf("%w: %s has mode %04o", ErrInsecurePermissions, path, mode.Perm())
	}
	return nil
}
