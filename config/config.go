// Package config resolves pipe-rpc settings with precedence
// defaults < config file < PIPERPC_* environment variables.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type ConfigOption struct {
	Key     string
	Default any
	Comment string
}

// GetConfigOptions returns the default configuration options and their meanings.
func GetConfigOptions() []ConfigOption {
	return []ConfigOption{
		{Key: "channel", Default: "pipe-rpc-sample", Comment: "Channel name shared by server and clients"},
		{Key: "runtime_dir", Default: "", Comment: "Directory holding channel sockets; empty means $XDG_RUNTIME_DIR/pipe-rpc"},
		{Key: "codec", Default: "cbor", Comment: "Value codec used by clients: cbor or json"},

		{Key: "call.timeout", Default: "3s", Comment: "Default call timeout"},
		{Key: "call.heartbeat", Default: "30s", Comment: "Session keep-alive interval; 0 disables"},

		{Key: "notify.queue_size", Default: 256, Comment: "Queued notifications per client"},
		{Key: "notify.policy", Default: "block", Comment: "Full queue behavior: block or drop-oldest"},
		{Key: "notify.rate", Default: 0.0, Comment: "Notifications per second; 0 disables pacing"},
		{Key: "notify.burst", Default: 1, Comment: "Notification burst when paced"},
		{Key: "notify.flush_timeout", Default: "1s", Comment: "How long Close keeps delivering queued notifications"},

		{Key: "server.socket_mode", Default: "0600", Comment: "Octal file mode of the channel socket"},
		{Key: "server.allowed_uids", Default: []int{}, Comment: "Peer UIDs allowed to connect; empty allows any peer that can open the socket"},
		{Key: "server.idle_timeout", Default: "2m", Comment: "Close connections silent for this long; 0 disables"},
		{Key: "server.handler_timeout", Default: "0s", Comment: "Fail calls whose handler runs longer; 0 disables"},
		{Key: "server.rate_limit", Default: 0.0, Comment: "Calls per second accepted by the server; 0 disables"},
		{Key: "server.rate_burst", Default: 10, Comment: "Call burst when rate limited"},
		{Key: "server.shutdown_timeout", Default: "5s", Comment: "Wait for in-flight calls on shutdown"},

		{Key: "registry.backend", Default: "path", Comment: "Channel directory: path or etcd"},
		{Key: "registry.etcd_endpoints", Default: []string{"localhost:2379"}, Comment: "etcd endpoints for the etcd backend"},
		{Key: "registry.ttl", Default: 10, Comment: "etcd lease TTL in seconds"},

		{Key: "log.level", Default: "info", Comment: "debug, info, warn or error"},
		{Key: "log.format", Default: "text", Comment: "text or json"},
	}
}

// applyDefaults seeds Viper with defaults defined in GetConfigOptions.
func applyDefaults(v *viper.Viper) {
	for _, o := range GetConfigOptions() {
		v.SetDefault(o.Key, o.Default)
	}
}

// Load resolves configuration with precedence: defaults < file < env.
// The provided Viper instance is mutated with defaults, file contents, and env.
// A missing config file is not an error; an unreadable one is.
func Load(v *viper.Viper) error {
	explicit := v.ConfigFileUsed() != ""
	if !explicit {
		v.SetConfigName("config")
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			v.AddConfigPath(filepath.Join(xdg, "pipe-rpc"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "pipe-rpc"))
		}
	}

	applyDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !errors.As(err, &notFound) {
			return err
		}
	}

	// Environment variables: PIPERPC_* (highest among these sources)
	v.SetEnvPrefix("piperpc")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return nil
}

// DefaultConfigPath resolves the standard config.toml location.
func DefaultConfigPath() string {
	xdg := os.Getenv("XDG_CONFIG_HOME")
	if xdg == "" {
		home, _ := os.UserHomeDir()
		xdg = filepath.Join(home, ".config")
	}
	return filepath.Join(xdg, "pipe-rpc", "config.toml")
}
