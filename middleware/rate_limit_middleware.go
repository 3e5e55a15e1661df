package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"pipe-rpc/message"
)

// RateLimitMessage is the failure text of a call rejected by RateLimitMiddleware.
const RateLimitMessage = "rate limit exceeded"

// RateLimitMiddleware limits calls with a token bucket of r calls per second
// and the given burst. Calls over the limit fail immediately instead of
// queueing.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) *message.Result {
			if !limiter.Allow() {
				return message.Failure(req.Codec, RateLimitMessage)
			}
			return next(ctx, req)
		}
	}
}
