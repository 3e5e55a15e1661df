package cli

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pipe-rpc/middleware"
	"pipe-rpc/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the sample opcodes on the channel until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := getApp(cmd)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			srv, err := newSampleServer(app)
			if err != nil {
				return err
			}
			return srv.Serve(ctx)
		},
	}
}

func newSampleServer(app *App) (*server.Server, error) {
	cfg := app.Config
	srv := server.New(cfg.Channel, server.Options{
		Dir:             cfg.RuntimeDir,
		Registry:        app.Registry,
		RegistryTTL:     cfg.Registry.TTL,
		Access:          server.AccessPolicy{SocketMode: cfg.Server.SocketMode, AllowedUIDs: cfg.Server.AllowedUIDs},
		IdleTimeout:     orDisabled(cfg.Server.IdleTimeout),
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Version:         Version,
		Logger:          app.Logger,
	})
	srv.Use(middleware.LoggingMiddleware(app.Logger))
	if cfg.Server.HandlerTimeout > 0 {
		srv.Use(middleware.TimeOutMiddleware(cfg.Server.HandlerTimeout))
	}
	if cfg.Server.RateLimit > 0 {
		srv.Use(middleware.RateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst))
	}
	if err := registerSample(srv, app.Logger); err != nil {
		return nil, err
	}
	for _, e := range srv.Table().Entries() {
		app.Logger.Debug("opcode bound", "opcode", e.Opcode, "kind", e.Kind, "arity", e.Arity, "returns", e.Returns)
	}
	return srv, nil
}

// orDisabled maps a configured zero, meaning "off", to the negative value
// the server and client use for disabled intervals.
func orDisabled(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}
