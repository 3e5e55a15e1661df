package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipe-rpc/config"
	"pipe-rpc/internal/testutil"
)

// testApp builds an App on an isolated runtime directory.
func testApp(t *testing.T, channel string) *App {
	t.Helper()
	dir := testutil.SocketDir(t)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	for _, kv := range os.Environ() {
		if key, _, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(key, "PIPERPC_") {
			t.Setenv(key, "")
		}
	}
	t.Setenv("PIPERPC_RUNTIME_DIR", dir)
	t.Setenv("PIPERPC_CHANNEL", channel)

	v := viper.New()
	require.NoError(t, config.Load(v))
	app, err := buildApp(v, io.Discard)
	require.NoError(t, err)
	app.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	t.Cleanup(func() { app.Close() })
	return app
}

func startSampleServer(t *testing.T, app *App) {
	t.Helper()
	srv, err := newSampleServer(app)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()
	testutil.RequireClosed(t, srv.Ready(), 5*time.Second, "sample server ready")
	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, served, 10*time.Second, "waiting for Serve to return")
	})
}

func TestSampleServiceRoundTrip(t *testing.T) {
	app := testApp(t, "cli-sample")
	startSampleServer(t, app)

	cli := newClient(app)
	defer cli.Close()

	var out bytes.Buffer
	require.NoError(t, runSample(context.Background(), cli, &out, 10, 3, time.Second))
	assert.Equal(t, strings.Join([]string{
		"opcode 0: ok",
		"opcode 1: ok",
		"opcode 2: ok",
		"opcode 100: 10",
		"queued 3 notifications",
		"",
	}, "\n"), out.String())
}

func TestSampleServerBindsOpcodes(t *testing.T) {
	app := testApp(t, "cli-bind")
	srv, err := newSampleServer(app)
	require.NoError(t, err)

	var opcodes []int32
	for _, e := range srv.Table().Entries() {
		opcodes = append(opcodes, e.Opcode)
	}
	assert.Equal(t, []int32{OpSample, OpSet, OpSetTriple, OpEcho, OpNotifyValue}, opcodes)
}

func TestCallCommand(t *testing.T) {
	app := testApp(t, "cli-command")
	startSampleServer(t, app)

	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetArgs([]string{"call", "--value", "5", "--log-level", "error"})
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "opcode 100: 5")
}

func TestCallCommandWithoutServerTimesOut(t *testing.T) {
	testApp(t, "cli-absent")
	t.Setenv("PIPERPC_CALL_TIMEOUT", "100ms")

	cmd := NewRootCmd()
	cmd.SetArgs([]string{"call"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request timed out")
}

func TestInvalidConfigIsReported(t *testing.T) {
	testApp(t, "cli-invalid")
	t.Setenv("PIPERPC_CODEC", "xml")

	cmd := NewRootCmd()
	cmd.SetArgs([]string{"call"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "codec:")
}
