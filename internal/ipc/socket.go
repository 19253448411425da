package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"modalityd/internal/security"
)

var (
	// ErrCredentialsUnavailable is returned where the platform cannot
	// report who is on the other end of a socket.
	ErrCredentialsUnavailable = errors.New("ipc: peer credentials unavailable on this platform")

	// ErrSocketInUse means a live daemon already answers on the path.
	ErrSocketInUse = errors.New("ipc: socket in use")
)

// PeerCredentials identify the process on the other end of a connection.
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// prepareSocket readies path for a new listener: the directory is made
// private and a socket left behind by a dead daemon is removed. It refuses
// to touch a live socket or anything that is not a socket.
func prepareSocket(path string) error {
	if err := security.EnsurePrivateDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("socket directory: %w", err)
	}

	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("path exists but is not a socket: %s", path)
	}

	if conn, err := net.DialTimeout("unix", path, time.Second); err == nil {
		conn.Close()
		return fmt.Errorf("%w: %s", ErrSocketInUse, path)
	}
	return os.Remove(path)
}

func rawUnixConn(conn net.Conn) (syscall.RawConn, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("not a unix connection: %T", conn)
	}
	return uc.SyscallConn()
}
