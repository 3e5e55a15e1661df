package registry

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipe-rpc/internal/testutil"
)

func TestValidateChannel(t *testing.T) {
	for _, name := range []string{"", ".", "..", "a/b", "nul\x00"} {
		assert.ErrorIs(t, ValidateChannel(name), ErrInvalidChannel, "channel %q", name)
	}
	assert.NoError(t, ValidateChannel("sample-channel"))
}

func TestSocketPath(t *testing.T) {
	assert.Equal(t, "/run/user/1000/pipe-rpc/demo.sock", SocketPath("/run/user/1000/pipe-rpc", "demo"))
}

func TestDefaultDir(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	assert.Equal(t, "/run/user/1000/pipe-rpc", DefaultDir())

	t.Setenv("XDG_RUNTIME_DIR", "")
	t.Setenv("HOME", "/home/someone")
	assert.Equal(t, "/home/someone/.local/share/pipe-rpc", DefaultDir())
}

func TestPathRegistryResolve(t *testing.T) {
	dir := testutil.SocketDir(t)
	reg := NewPathRegistry(dir)
	ctx := context.Background()

	_, err := reg.Resolve(ctx, "demo")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = reg.Resolve(ctx, "../escape")
	assert.ErrorIs(t, err, ErrInvalidChannel)

	listener, err := net.Listen("unix", SocketPath(dir, "demo"))
	require.NoError(t, err)
	defer listener.Close()

	endpoint, err := reg.Resolve(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "demo", endpoint.Channel)
	assert.Equal(t, filepath.Join(dir, "demo.sock"), endpoint.Path)
}

func TestPathRegistryRejectsRegularFile(t *testing.T) {
	dir := testutil.SocketDir(t)
	require.NoError(t, os.WriteFile(SocketPath(dir, "demo"), []byte("x"), 0o600))

	_, err := NewPathRegistry(dir).Resolve(context.Background(), "demo")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestPathRegistryRegister(t *testing.T) {
	dir := testutil.SocketDir(t)
	reg := NewPathRegistry(dir)
	ctx := context.Background()

	assert.NoError(t, reg.Register(ctx, Endpoint{Channel: "demo", Path: SocketPath(dir, "demo")}, 10))
	assert.Error(t, reg.Register(ctx, Endpoint{Channel: "demo", Path: "/elsewhere.sock"}, 10))
	assert.NoError(t, reg.Deregister(ctx, "demo"))
}
