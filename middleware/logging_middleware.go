package middleware

import (
	"context"
	"time"

	"duplex-rpc/message"

	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("duplexrpc.middleware")

func LoggingMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.CallRecord) *message.CallbackRecord {
			start := time.Now()
			cb := next(ctx, call)
			logger.Debugf("call %s took %s", methodName(call), time.Since(start))
			switch {
			case cb.IsException:
				logger.Warningf("call %s failed: %s", methodName(call), cb.Data)
			case cb.IsAccessDenied:
				logger.Infof("call %s denied", methodName(call))
			}
			return cb
		}
	}
}
