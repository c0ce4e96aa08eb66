package middleware

import (
	"context"
	"time"

	"duplex-rpc/message"
)

// TimeOutMiddleware answers with an exception when the handler takes longer
// than timeout. The handler keeps running with a cancelled context.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.CallRecord) *message.CallbackRecord {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.CallbackRecord, 1)
			go func() {
				done <- next(ctx, call)
			}()

			select {
			case cb := <-done:
				return cb
			case <-ctx.Done():
				return message.Exception(call.ID, "request timed out")
			}
		}
	}
}
