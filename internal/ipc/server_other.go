//go:build !linux && !darwin

package ipc

import "net"

// GetPeerCredentials is not implemented on this platform, so every peer is
// refused.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	return nil, ErrPermissionDenied
}
