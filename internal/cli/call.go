package cli

import (
	"github.com/spf13/cobra"

	"pipe-rpc/client"
)

func newCallCmd() *cobra.Command {
	var (
		value    int32
		notifies int
	)
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Invoke the sample opcodes on the channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := getApp(cmd)
			cli := newClient(app)
			defer cli.Close()
			return runSample(cmd.Context(), cli, cmd.OutOrStdout(), value, notifies, app.Config.CallTimeout)
		},
	}
	cmd.Flags().Int32Var(&value, "value", 10, "argument passed to the sample opcodes")
	cmd.Flags().IntVar(&notifies, "notify", 0, "number of notifications to send after the calls")
	return cmd
}

func newClient(app *App) *client.Client {
	cfg := app.Config
	return client.New(app.Registry, cfg.Channel,
		client.WithCodec(cfg.Codec),
		client.WithDefaultTimeout(cfg.CallTimeout),
		client.WithHeartbeat(orDisabled(cfg.Heartbeat)),
		client.WithNotifyQueue(cfg.Notify.QueueSize, cfg.Notify.Policy),
		client.WithNotifyRate(cfg.Notify.Rate, cfg.Notify.Burst),
		client.WithFlushTimeout(cfg.Notify.FlushTimeout),
		client.WithLogger(app.Logger),
	)
}
