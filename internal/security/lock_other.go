//go:build !unix

package security

import "os"

// Locking is advisory only on unix; elsewhere the lock file marks the
// holder but does not exclude others.
func tryLock(f *os.File) error { return nil }

func unlock(f *os.File) error { return nil }
