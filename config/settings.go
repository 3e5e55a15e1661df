package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"pipe-rpc/client"
	"pipe-rpc/codec"
	"pipe-rpc/logging"
	"pipe-rpc/registry"
)

// Config is the validated, typed form of the Viper settings.
type Config struct {
	Channel    string
	RuntimeDir string
	Codec      codec.CodecType

	CallTimeout time.Duration
	Heartbeat   time.Duration

	Notify NotifyConfig
	Server ServerConfig

	Registry RegistryConfig
	Log      LogConfig
}

type NotifyConfig struct {
	QueueSize    int
	Policy       client.Policy
	Rate         float64
	Burst        int
	FlushTimeout time.Duration
}

type ServerConfig struct {
	SocketMode      os.FileMode
	AllowedUIDs     []uint32
	IdleTimeout     time.Duration
	HandlerTimeout  time.Duration
	RateLimit       float64
	RateBurst       int
	ShutdownTimeout time.Duration
}

type RegistryConfig struct {
	Backend       string // "path" or "etcd"
	EtcdEndpoints []string
	TTL           int64
}

type LogConfig struct {
	Level  slog.Level
	Format string
}

// FromViper validates v and converts it. Every problem is reported, not
// just the first.
func FromViper(v *viper.Viper) (*Config, error) {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	duration := func(key string) time.Duration {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			fail("%s: %v", key, err)
			return 0
		}
		if d < 0 {
			fail("%s must not be negative", key)
		}
		return d
	}

	cfg := &Config{
		Channel:    strings.TrimSpace(v.GetString("channel")),
		RuntimeDir: v.GetString("runtime_dir"),
	}
	if err := registry.ValidateChannel(cfg.Channel); err != nil {
		fail("channel: %v", err)
	}
	if cfg.RuntimeDir == "" {
		cfg.RuntimeDir = registry.DefaultDir()
	}

	codecType, err := codec.Parse(v.GetString("codec"))
	if err != nil {
		fail("codec: %v", err)
	}
	cfg.Codec = codecType

	cfg.CallTimeout = duration("call.timeout")
	if cfg.CallTimeout == 0 {
		fail("call.timeout must be greater than 0")
	}
	cfg.Heartbeat = duration("call.heartbeat")

	cfg.Notify = NotifyConfig{
		QueueSize:    v.GetInt("notify.queue_size"),
		Rate:         v.GetFloat64("notify.rate"),
		Burst:        v.GetInt("notify.burst"),
		FlushTimeout: duration("notify.flush_timeout"),
	}
	if cfg.Notify.QueueSize <= 0 {
		fail("notify.queue_size must be greater than 0")
	}
	if cfg.Notify.Policy, err = client.ParsePolicy(v.GetString("notify.policy")); err != nil {
		fail("notify.policy: %v", err)
	}
	if cfg.Notify.Rate < 0 {
		fail("notify.rate must not be negative")
	}

	mode, err := strconv.ParseUint(v.GetString("server.socket_mode"), 8, 32)
	if err != nil || mode > 0o777 {
		fail("server.socket_mode must be an octal permission such as 0600")
	}
	cfg.Server = ServerConfig{
		SocketMode:      os.FileMode(mode),
		IdleTimeout:     duration("server.idle_timeout"),
		HandlerTimeout:  duration("server.handler_timeout"),
		RateLimit:       v.GetFloat64("server.rate_limit"),
		RateBurst:       v.GetInt("server.rate_burst"),
		ShutdownTimeout: duration("server.shutdown_timeout"),
	}
	for _, raw := range v.GetStringSlice("server.allowed_uids") {
		for _, field := range strings.Split(raw, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			uid, err := strconv.ParseUint(field, 10, 32)
			if err != nil {
				fail("server.allowed_uids: %q is not a uid", field)
				continue
			}
			cfg.Server.AllowedUIDs = append(cfg.Server.AllowedUIDs, uint32(uid))
		}
	}
	if cfg.Server.RateLimit < 0 {
		fail("server.rate_limit must not be negative")
	}
	if cfg.Server.RateLimit > 0 && cfg.Server.RateBurst <= 0 {
		fail("server.rate_burst must be greater than 0 when server.rate_limit is set")
	}

	cfg.Registry = RegistryConfig{
		Backend: strings.ToLower(v.GetString("registry.backend")),
		TTL:     v.GetInt64("registry.ttl"),
	}
	for _, raw := range v.GetStringSlice("registry.etcd_endpoints") {
		for _, field := range strings.Split(raw, ",") {
			if field = strings.TrimSpace(field); field != "" {
				cfg.Registry.EtcdEndpoints = append(cfg.Registry.EtcdEndpoints, field)
			}
		}
	}
	switch cfg.Registry.Backend {
	case "path":
	case "etcd":
		if len(cfg.Registry.EtcdEndpoints) == 0 {
			fail("registry.etcd_endpoints is required for the etcd backend")
		}
		if cfg.Registry.TTL <= 0 {
			fail("registry.ttl must be greater than 0")
		}
	default:
		fail("registry.backend must be path or etcd, not %q", cfg.Registry.Backend)
	}

	level, err := logging.ParseLevel(v.GetString("log.level"))
	if err != nil {
		fail("log.level: %v", err)
	}
	cfg.Log = LogConfig{Level: level, Format: strings.ToLower(v.GetString("log.format"))}
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		fail("log.format must be text or json, not %q", cfg.Log.Format)
	}

	if len(problems) > 0 {
		return nil, errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return cfg, nil
}
