package middleware

import (
	"context"
	"log/slog"
	"time"

	"pipe-rpc/message"
)

// LoggingMiddleware logs every call with its opcode, duration and outcome.
// Failed calls log at warn level; successful ones at debug.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) *message.Result {
			start := time.Now()
			result := next(ctx, req)
			duration := time.Since(start)
			if !result.Succeeded {
				var text string
				if err := req.Codec.Decode(result.Payload, &text); err != nil {
					text = "<undecodable failure payload>"
				}
				logger.Warn("call failed",
					"opcode", req.Call.Opcode,
					"conn", req.Conn,
					"duration", duration,
					"error", text,
				)
				return result
			}
			logger.Debug("call completed",
				"opcode", req.Call.Opcode,
				"conn", req.Conn,
				"duration", duration,
				"payload_bytes", len(result.Payload),
			)
			return result
		}
	}
}
