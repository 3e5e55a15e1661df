package middleware

import (
	"context"
	"time"

	"pipe-rpc/message"
)

// HandlerTimeoutMessage is the failure text of a call cut off by
// TimeOutMiddleware.
const HandlerTimeoutMessage = "handler timed out"

// TimeOutMiddleware bounds how long the gateway waits for a handler. The
// handler keeps running in the background with a cancelled context; the
// caller gets a failure result immediately.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) *message.Result {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Result, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case result := <-done:
				return result
			case <-ctx.Done():
				return message.Failure(req.Codec, HandlerTimeoutMessage)
			}
		}
	}
}
