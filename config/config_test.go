package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipe-rpc/client"
	"pipe-rpc/codec"
)

// isolate keeps the host's config files and PIPERPC_* variables out of the test.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/4242")
	for _, kv := range os.Environ() {
		// Viper ignores empty variables.
		if key, _, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(key, "PIPERPC_") {
			t.Setenv(key, "")
		}
	}
}

func TestDefaults(t *testing.T) {
	isolate(t)
	v := viper.New()
	require.NoError(t, Load(v))

	cfg, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "pipe-rpc-sample", cfg.Channel)
	assert.Equal(t, "/run/user/4242/pipe-rpc", cfg.RuntimeDir)
	assert.Equal(t, codec.CodecTypeCBOR, cfg.Codec)
	assert.Equal(t, 3*time.Second, cfg.CallTimeout)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat)
	assert.Equal(t, 256, cfg.Notify.QueueSize)
	assert.Equal(t, client.PolicyBlock, cfg.Notify.Policy)
	assert.Equal(t, os.FileMode(0o600), cfg.Server.SocketMode)
	assert.Empty(t, cfg.Server.AllowedUIDs)
	assert.Equal(t, 2*time.Minute, cfg.Server.IdleTimeout)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "path", cfg.Registry.Backend)
	assert.Equal(t, int64(10), cfg.Registry.TTL)
	assert.Equal(t, slog.LevelInfo, cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestConfigFileOverridesDefaults(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
channel = "from-file"
codec = "json"

[call]
timeout = "750ms"

[notify]
policy = "drop-oldest"
queue_size = 8
`), 0o600))

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, Load(v))
	cfg, err := FromViper(v)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Channel)
	assert.Equal(t, codec.CodecTypeJSON, cfg.Codec)
	assert.Equal(t, 750*time.Millisecond, cfg.CallTimeout)
	assert.Equal(t, client.PolicyDropOldest, cfg.Notify.Policy)
	assert.Equal(t, 8, cfg.Notify.QueueSize)
}

func TestEnvOverridesFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`channel = "from-file"`), 0o600))
	t.Setenv("PIPERPC_CHANNEL", "from-env")
	t.Setenv("PIPERPC_SERVER_ALLOWED_UIDS", "1000,1001")
	t.Setenv("PIPERPC_REGISTRY_BACKEND", "etcd")
	t.Setenv("PIPERPC_REGISTRY_ETCD_ENDPOINTS", "10.0.0.1:2379,10.0.0.2:2379")

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, Load(v))
	cfg, err := FromViper(v)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Channel)
	assert.Equal(t, []uint32{1000, 1001}, cfg.Server.AllowedUIDs)
	assert.Equal(t, "etcd", cfg.Registry.Backend)
	assert.Equal(t, []string{"10.0.0.1:2379", "10.0.0.2:2379"}, cfg.Registry.EtcdEndpoints)
}

func TestMissingExplicitFile(t *testing.T) {
	isolate(t)
	v := viper.New()
	v.SetConfigFile(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, Load(v))
}

func TestFromViperReportsEveryProblem(t *testing.T) {
	isolate(t)
	v := viper.New()
	require.NoError(t, Load(v))
	v.Set("channel", "a/b")
	v.Set("codec", "xml")
	v.Set("call.timeout", "soon")
	v.Set("notify.queue_size", 0)
	v.Set("notify.policy", "lossy")
	v.Set("server.socket_mode", "999")
	v.Set("server.allowed_uids", []string{"root"})
	v.Set("registry.backend", "consul")
	v.Set("log.level", "loud")
	v.Set("log.format", "xml")

	_, err := FromViper(v)
	require.Error(t, err)
	for _, want := range []string{
		"channel:",
		"codec:",
		"call.timeout:",
		"notify.queue_size must be greater than 0",
		"notify.policy:",
		"server.socket_mode must be an octal permission",
		`server.allowed_uids: "root" is not a uid`,
		`registry.backend must be path or etcd, not "consul"`,
		"log.level:",
		`log.format must be text or json, not "xml"`,
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestOptionsHaveComments(t *testing.T) {
	seen := make(map[string]bool)
	for _, o := range GetConfigOptions() {
		assert.NotEmpty(t, o.Comment, o.Key)
		assert.False(t, seen[o.Key], "duplicate key %s", o.Key)
		seen[o.Key] = true
	}
}
