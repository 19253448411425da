//go:build !linux && !darwin

package ipc

import "net"

// GetPeerCredentials is not supported on this platform.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	return nil, ErrCredentialsUnavailable
}
