package middleware

import (
	"context"
	"strings"
	"time"

	"duplex-rpc/message"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
)

// Transient reports whether an exception callback is worth running again.
// It matches the texts produced for timeouts and refused backend connections.
func Transient(cb *message.CallbackRecord) bool {
	return cb.IsException && (strings.Contains(cb.Data, "timed out") || strings.Contains(cb.Data, "connection refused"))
}

// RetryMiddleware reruns a call whose callback is a retryable exception, up
// to maxRetries more times with doubling delays. Only wrap idempotent methods.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, retryable func(*message.CallbackRecord) bool, clk clock.Clock) Middleware {
	if retryable == nil {
		retryable = Transient
	}
	if clk == nil {
		clk = clock.WallClock
	}
	if baseDelay <= 0 {
		baseDelay = 10 * time.Millisecond
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.CallRecord) *message.CallbackRecord {
			var cb *message.CallbackRecord
			errRetry := errors.New("retryable exception")
			err := retry.Call(retry.CallArgs{
				Func: func() error {
					cb = next(ctx, call)
					if retryable(cb) {
						return errRetry
					}
					return nil
				},
				NotifyFunc: func(_ error, attempt int) {
					logger.Debugf("retrying %s after attempt %d: %s", methodName(call), attempt, cb.Data)
				},
				Attempts:    maxRetries + 1,
				Delay:       baseDelay,
				BackoffFunc: retry.DoubleDelay,
				Clock:       clk,
				Stop:        ctx.Done(),
			})
			if cb == nil {
				return message.Exception(call.ID, err.Error())
			}
			return cb
		}
	}
}
