package middleware

import (
	"context"

	"duplex-rpc/message"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware rejects calls beyond r per second with bursts of burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.CallRecord) *message.CallbackRecord {
			if !limiter.Allow() {
				return message.Exception(call.ID, "rate limit exceeded")
			}
			return next(ctx, call)
		}
	}
}
