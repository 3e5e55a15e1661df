// Package registry maps channel names to the socket a server listens on.
//
// Two backends are provided. PathRegistry derives the socket path from the
// channel name under a runtime directory, so both sides agree without any
// shared state. EtcdRegistry publishes the endpoint in etcd under a TTL
// lease, for hosts where processes do not share a runtime directory layout.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound means no server currently serves the channel.
var ErrNotFound = errors.New("registry: channel not found")

// ErrInvalidChannel is returned for channel names that cannot form a socket
// file name.
var ErrInvalidChannel = errors.New("registry: invalid channel name")

// Endpoint describes one listening server.
type Endpoint struct {
	Channel   string `json:"channel"`
	Path      string `json:"path"` // Unix socket path
	PID       int    `json:"pid"`
	SessionID string `json:"session_id"` // changes on every server start
	Version   string `json:"version,omitempty"`
}

// Resolver is the client-side view: find where a channel is served.
type Resolver interface {
	Resolve(ctx context.Context, channel string) (Endpoint, error)
}

// Registry is the server-side view. ttl is in seconds and only meaningful
// for backends with expiring entries.
type Registry interface {
	Resolver
	Register(ctx context.Context, endpoint Endpoint, ttl int64) error
	Deregister(ctx context.Context, channel string) error
}

// ValidateChannel rejects empty names and names that would escape the
// runtime directory.
func ValidateChannel(channel string) error {
	if channel == "" || channel == "." || channel == ".." || strings.ContainsAny(channel, "/\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	return nil
}

// SocketPath returns the socket file of channel inside dir.
func SocketPath(dir, channel string) string {
	return filepath.Join(dir, channel+".sock")
}

// DefaultDir returns $XDG_RUNTIME_DIR/pipe-rpc, falling back to
// ~/.local/share/pipe-rpc when no runtime directory is set.
func DefaultDir() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "pipe-rpc")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "pipe-rpc")
	}
	return filepath.Join(os.TempDir(), "pipe-rpc")
}
