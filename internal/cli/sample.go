package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"pipe-rpc/client"
	"pipe-rpc/dispatch"
	"pipe-rpc/server"
)

// Sample opcodes.
const (
	OpSample      int32 = 0   // (Sample) → void
	OpSet         int32 = 1   // (int32) → void
	OpSetTriple   int32 = 2   // (int32, int32, int32) → void
	OpEcho        int32 = 100 // (int32) → int32
	OpNotifyValue int32 = 200 // notification (int32)
)

type Sample struct {
	Code    int32
	Message string
}

// registerSample binds the sample service to srv.
func registerSample(srv *server.Server, logger *slog.Logger) error {
	table := srv.Table()
	return errors.Join(
		dispatch.RegisterVoid1(table, OpSample, func(ctx context.Context, s Sample) error {
			logger.Info("sample received", "code", s.Code, "message", s.Message)
			return nil
		}),
		dispatch.RegisterVoid1(table, OpSet, func(ctx context.Context, v int32) error {
			logger.Info("value received", "value", v)
			return nil
		}),
		dispatch.RegisterVoid3(table, OpSetTriple, func(ctx context.Context, a, b, c int32) error {
			logger.Info("triple received", "a", a, "b", b, "c", c)
			return nil
		}),
		dispatch.RegisterValue1(table, OpEcho, func(ctx context.Context, v int32) (int32, error) {
			return v, nil
		}),
		server.Subscribe1(srv, OpNotifyValue, func(ctx context.Context, v int32) error {
			logger.Info("notification received", "value", v)
			return nil
		}),
	)
}

// runSample exercises every sample opcode and sends notifies notifications.
func runSample(ctx context.Context, cli *client.Client, out io.Writer, value int32, notifies int, timeout time.Duration) error {
	if err := client.Call1(ctx, cli, OpSample, timeout, Sample{Code: value, Message: "hello"}); err != nil {
		return fmt.Errorf("opcode %d: %w", OpSample, err)
	}
	fmt.Fprintf(out, "opcode %d: ok\n", OpSample)

	if err := client.Call1(ctx, cli, OpSet, timeout, value); err != nil {
		return fmt.Errorf("opcode %d: %w", OpSet, err)
	}
	fmt.Fprintf(out, "opcode %d: ok\n", OpSet)

	if err := client.Call3(ctx, cli, OpSetTriple, timeout, value, value+1, value+2); err != nil {
		return fmt.Errorf("opcode %d: %w", OpSetTriple, err)
	}
	fmt.Fprintf(out, "opcode %d: ok\n", OpSetTriple)

	echoed, err := client.CallValue1[int32](ctx, cli, OpEcho, timeout, value)
	if err != nil {
		return fmt.Errorf("opcode %d: %w", OpEcho, err)
	}
	fmt.Fprintf(out, "opcode %d: %d\n", OpEcho, echoed)

	for i := 0; i < notifies; i++ {
		if err := client.Notify1(ctx, cli, OpNotifyValue, value+int32(i)); err != nil {
			return fmt.Errorf("notification %d: %w", i, err)
		}
	}
	if notifies > 0 {
		fmt.Fprintf(out, "queued %d notifications\n", notifies)
	}
	return nil
}
