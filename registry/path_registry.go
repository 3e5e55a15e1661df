package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// PathRegistry resolves a channel to <Dir>/<channel>.sock. The socket file
// is the registration: Register and Deregister only validate their input.
type PathRegistry struct {
	Dir string
}

func NewPathRegistry(dir string) *PathRegistry {
	if dir == "" {
		dir = DefaultDir()
	}
	return &PathRegistry{Dir: dir}
}

// Resolve returns ErrNotFound while no socket exists for channel.
func (r *PathRegistry) Resolve(ctx context.Context, channel string) (Endpoint, error) {
	if err := ValidateChannel(channel); err != nil {
		return Endpoint{}, err
	}
	path := SocketPath(r.Dir, channel)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrNotFound, channel)
	}
	if err != nil {
		return Endpoint{}, fmt.Errorf("resolving %s: %w", channel, err)
	}
	if info.Mode().Type() != fs.ModeSocket {
		return Endpoint{}, fmt.Errorf("resolving %s: %s is not a socket", channel, path)
	}
	return Endpoint{Channel: channel, Path: path}, nil
}

func (r *PathRegistry) Register(ctx context.Context, endpoint Endpoint, ttl int64) error {
	if err := ValidateChannel(endpoint.Channel); err != nil {
		return err
	}
	if want := SocketPath(r.Dir, endpoint.Channel); endpoint.Path != want {
		return fmt.Errorf("registering %s: socket must live at %s, not %s", endpoint.Channel, want, endpoint.Path)
	}
	return nil
}

func (r *PathRegistry) Deregister(ctx context.Context, channel string) error {
	return ValidateChannel(channel)
}
