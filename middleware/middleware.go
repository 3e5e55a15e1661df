// Package middleware wraps the server's inbound gateway.
//
// Middlewares form an onion around the gateway: Chain(A, B, C)(h) runs
// A.before → B.before → C.before → h → C.after → B.after → A.after.
// A middleware that short-circuits must still return a Result; nothing
// unwinds to the transport.
package middleware

import (
	"context"

	"pipe-rpc/codec"
	"pipe-rpc/message"
)

// Request is one decoded call as seen by the gateway.
type Request struct {
	Call  *message.Call
	Codec codec.Codec // codec named in the frame header
	Conn  string      // connection id, for logs
}

type HandlerFunc func(ctx context.Context, req *Request) *message.Result

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
