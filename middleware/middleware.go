// Package middleware wraps the handler that answers inbound calls.
//
// Middlewares compose like an onion: Chain(A, B, C)(h) runs A, then B, then
// C around h. They only see user calls; control calls go straight to their
// own handlers.
package middleware

import (
	"context"

	"duplex-rpc/message"
)

// HandlerFunc answers one inbound call.
type HandlerFunc func(ctx context.Context, call *message.CallRecord) *message.CallbackRecord

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one, the first being the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

func methodName(call *message.CallRecord) string {
	return call.ServiceName + "." + call.MethodName
}
