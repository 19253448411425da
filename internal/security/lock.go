package security

import (
	"fmt"
	"os"
	"strconv"
)

// Lock is an exclusive advisory lock on a file. It is released when the
// process exits even if Release is never called.
type Lock struct {
	path string
	f    *os.File
}

// AcquireLock takes the lock at path without blocking. It returns ErrLocked
// when another process holds it. The holder's pid is written to the file.
func AcquireLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, PermPrivateFile)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := tryLock(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s", err, path)
	}

	if err := f.Truncate(0); err == nil {
		f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &Lock{path: path, f: f}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the file.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	os.Remove(l.path)
	unlock(l.f)
	err := l.f.Close()
	l.f = nil
	return err
}
