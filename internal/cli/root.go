// Package cli implements the pipe-rpc command: a sample server and a client
// that exercises it.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pipe-rpc/config"
	"pipe-rpc/logging"
	"pipe-rpc/registry"
)

// Version is reported in registry entries.
const Version = "0.1.0"

type ctxKey string

const appKey ctxKey = "app"

// App carries what every subcommand needs.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Registry registry.Registry
	closers  []io.Closer
}

func (a *App) Close() error {
	for _, c := range a.closers {
		c.Close()
	}
	return nil
}

// Execute builds the root command and runs it.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd constructs the Cobra root command and wires dependencies.
func NewRootCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:           "pipe-rpc",
		Short:         "Typed request/response calls between processes on one host",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			if cfgPath != "" {
				v.SetConfigFile(cfgPath)
			}
			if err := config.Load(v); err != nil {
				return err
			}
			if err := bindFlags(cmd, v); err != nil {
				return err
			}
			app, err := buildApp(v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, app))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if app, ok := cmd.Context().Value(appKey).(*App); ok {
				return app.Close()
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (yaml|toml)")
	cmd.PersistentFlags().String("channel", "", "channel name (overrides config)")
	cmd.PersistentFlags().String("log-level", "", "debug, info, warn or error (overrides config)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCallCmd())

	cmd.Run = func(cmd *cobra.Command, args []string) { _ = cmd.Help() }
	return cmd
}

// bindFlags lets explicitly set flags win over file and environment.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	for flag, key := range map[string]string{"channel": "channel", "log-level": "log.level"} {
		f := cmd.Flags().Lookup(flag)
		if f != nil && f.Changed {
			v.Set(key, f.Value.String())
		}
	}
	return nil
}

func buildApp(v *viper.Viper, logOut io.Writer) (*App, error) {
	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logOut, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	app := &App{Config: cfg, Logger: logger}
	switch cfg.Registry.Backend {
	case "etcd":
		zapLogger, err := logging.NewZap(cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		reg, err := registry.NewEtcdRegistry(cfg.Registry.EtcdEndpoints, registry.EtcdOptions{Logger: zapLogger})
		if err != nil {
			return nil, err
		}
		app.Registry = reg
		app.closers = append(app.closers, reg)
	default:
		app.Registry = registry.NewPathRegistry(cfg.RuntimeDir)
	}
	return app, nil
}

func getApp(cmd *cobra.Command) *App {
	v := cmd.Context().Value(appKey)
	if v == nil {
		fmt.Fprintln(os.Stderr, "internal error: app not initialized")
		os.Exit(1)
	}
	return v.(*App)
}
