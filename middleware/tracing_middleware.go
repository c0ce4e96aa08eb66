package middleware

import (
	"context"

	"duplex-rpc/message"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultTracerName = "duplex-rpc"

// Tracing opens a server span around every call. A nil tracer uses the
// global provider.
func Tracing(tracer trace.Tracer) Middleware {
	if tracer == nil {
		tracer = otel.Tracer(defaultTracerName)
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.CallRecord) *message.CallbackRecord {
			ctx, span := tracer.Start(ctx, methodName(call),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("rpc.service", call.ServiceName),
					attribute.String("rpc.method", call.MethodName),
					attribute.String("rpc.call_id", call.ID),
				),
			)
			defer span.End()

			cb := next(ctx, call)
			switch {
			case cb.IsException:
				span.SetStatus(codes.Error, cb.Data)
			case cb.IsAccessDenied:
				span.SetAttributes(attribute.Bool("rpc.access_denied", true))
			}
			return cb
		}
	}
}
