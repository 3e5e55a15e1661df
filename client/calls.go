package client

import (
	"context"
	"time"
)

// Call0..Call3 invoke a void handler with 0 to 3 arguments. timeout <= 0
// uses the client's default.

func Call0(ctx context.Context, c *Client, opcode int32, timeout time.Duration) error {
	return c.callVoid(ctx, opcode, timeout)
}

func Call1[A any](ctx context.Context, c *Client, opcode int32, timeout time.Duration, a A) error {
	return c.callVoid(ctx, opcode, timeout, a)
}

func Call2[A, B any](ctx context.Context, c *Client, opcode int32, timeout time.Duration, a A, b B) error {
	return c.callVoid(ctx, opcode, timeout, a, b)
}

func Call3[A, B, C any](ctx context.Context, c *Client, opcode int32, timeout time.Duration, a A, b B, cc C) error {
	return c.callVoid(ctx, opcode, timeout, a, b, cc)
}

// CallValue0..CallValue3 invoke a handler that returns an R. R comes first
// so the argument types can be inferred:
//
//	n, err := client.CallValue1[int32](ctx, cli, 100, 0, int32(10))

func CallValue0[R any](ctx context.Context, c *Client, opcode int32, timeout time.Duration) (R, error) {
	return callValue[R](ctx, c, opcode, timeout)
}

func CallValue1[R, A any](ctx context.Context, c *Client, opcode int32, timeout time.Duration, a A) (R, error) {
	return callValue[R](ctx, c, opcode, timeout, a)
}

func CallValue2[R, A, B any](ctx context.Context, c *Client, opcode int32, timeout time.Duration, a A, b B) (R, error) {
	return callValue[R](ctx, c, opcode, timeout, a, b)
}

func CallValue3[R, A, B, C any](ctx context.Context, c *Client, opcode int32, timeout time.Duration, a A, b B, cc C) (R, error) {
	return callValue[R](ctx, c, opcode, timeout, a, b, cc)
}
