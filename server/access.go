package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
)

// DefaultSocketMode restricts the channel socket to its owner.
const DefaultSocketMode os.FileMode = 0o600

// ErrPeerRejected is returned when a connecting process is not allowed.
var ErrPeerRejected = errors.New("server: peer not allowed")

// AccessPolicy controls who may connect to the channel.
type AccessPolicy struct {
	// SocketMode is applied to the socket file after listening.
	SocketMode os.FileMode
	// AllowedUIDs, when non-empty, admits only peers whose effective UID is
	// listed. Peer credentials are read from the socket; platforms without
	// support reject every peer.
	AllowedUIDs []uint32
}

func (p AccessPolicy) check(conn net.Conn) error {
	if len(p.AllowedUIDs) == 0 {
		return nil
	}
	uid, err := peerUID(conn)
	if err != nil {
		return fmt.Errorf("%w: reading peer credentials: %v", ErrPeerRejected, err)
	}
	if !slices.Contains(p.AllowedUIDs, uid) {
		return fmt.Errorf("%w: uid %d", ErrPeerRejected, uid)
	}
	return nil
}
