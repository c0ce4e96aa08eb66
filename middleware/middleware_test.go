package middleware

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"duplex-rpc/message"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/trace/noop"
)

func echoHandler(ctx context.Context, call *message.CallRecord) *message.CallbackRecord {
	return &message.CallbackRecord{ID: call.ID, Data: `"ok"`, PartNumber: -1}
}

func slowHandler(ctx context.Context, call *message.CallRecord) *message.CallbackRecord {
	time.Sleep(200 * time.Millisecond)
	return echoHandler(ctx, call)
}

func newCall() *message.CallRecord {
	return &message.CallRecord{ID: "1", ServiceName: "EchoService", MethodName: "Say"}
}

func TestLogging(t *testing.T) {
	handler := LoggingMiddleware()(echoHandler)

	cb := handler(context.Background(), newCall())
	if cb == nil {
		t.Fatal("expect non-nil callback")
	}
	if cb.Data != `"ok"` {
		t.Fatalf("expect data '\"ok\"', got '%s'", cb.Data)
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	cb := handler(context.Background(), newCall())
	if cb.IsException {
		t.Fatalf("expect no exception, got '%s'", cb.Data)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	cb := handler(context.Background(), newCall())
	if !cb.IsException || cb.Data != "request timed out" || cb.ID != "1" {
		t.Fatalf("expect timeout exception for call 1, got %+v", cb)
	}
}

func TestRateLimit(t *testing.T) {
	// burst of 2: the third call in the same instant is rejected
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		cb := handler(context.Background(), newCall())
		if cb.IsException {
			t.Fatalf("call %d should pass, got exception: %s", i, cb.Data)
		}
	}

	cb := handler(context.Background(), newCall())
	if cb.Data != "rate limit exceeded" {
		t.Fatalf("call 3 should be rate limited, got: '%s'", cb.Data)
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, call *message.CallRecord) *message.CallbackRecord {
				order = append(order, name)
				return next(ctx, call)
			}
		}
	}
	handler := Chain(mark("a"), LoggingMiddleware(), mark("b"), TimeOutMiddleware(500*time.Millisecond))(echoHandler)

	cb := handler(context.Background(), newCall())
	if cb == nil || cb.IsException {
		t.Fatalf("expect a successful callback, got %+v", cb)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("middlewares ran out of order: %v", order)
	}
}

func TestRetryTransient(t *testing.T) {
	var attempts atomic.Int32
	flaky := func(ctx context.Context, call *message.CallRecord) *message.CallbackRecord {
		if attempts.Add(1) < 3 {
			return message.Exception(call.ID, "dial tcp: connection refused")
		}
		return echoHandler(ctx, call)
	}
	handler := RetryMiddleware(3, time.Millisecond, nil, nil)(flaky)

	cb := handler(context.Background(), newCall())
	if cb.IsException {
		t.Fatalf("expect success after retries, got %s", cb.Data)
	}
	if attempts.Load() != 3 {
		t.Fatalf("expect 3 attempts, got %d", attempts.Load())
	}
}

func TestRetrySkipsPermanentErrors(t *testing.T) {
	var attempts atomic.Int32
	failing := func(ctx context.Context, call *message.CallRecord) *message.CallbackRecord {
		attempts.Add(1)
		return message.Exception(call.ID, "invalid argument")
	}
	handler := RetryMiddleware(3, time.Millisecond, nil, nil)(failing)

	cb := handler(context.Background(), newCall())
	if !cb.IsException || attempts.Load() != 1 {
		t.Fatalf("permanent error should not be retried: attempts=%d cb=%+v", attempts.Load(), cb)
	}
}

func TestPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	mw, m := Prometheus(WithRegistry(reg), WithNamespace("test"))
	denied := func(ctx context.Context, call *message.CallRecord) *message.CallbackRecord {
		return &message.CallbackRecord{ID: call.ID, IsAccessDenied: true, PartNumber: -1}
	}

	mw(echoHandler)(context.Background(), newCall())
	mw(echoHandler)(context.Background(), newCall())
	mw(denied)(context.Background(), newCall())

	if got := testutil.ToFloat64(m.CallsTotal.WithLabelValues("EchoService.Say", "ok")); got != 2 {
		t.Fatalf("expect 2 ok calls, got %v", got)
	}
	if got := testutil.ToFloat64(m.CallsTotal.WithLabelValues("EchoService.Say", "denied")); got != 1 {
		t.Fatalf("expect 1 denied call, got %v", got)
	}
	if n := testutil.CollectAndCount(m.CallDuration); n != 1 {
		t.Fatalf("expect one duration series, got %d", n)
	}
}

func TestTracingPassesCallbackThrough(t *testing.T) {
	handler := Tracing(noop.NewTracerProvider().Tracer("test"))(func(ctx context.Context, call *message.CallRecord) *message.CallbackRecord {
		return message.Exception(call.ID, "boom")
	})
	cb := handler(context.Background(), newCall())
	if !cb.IsException || cb.Data != "boom" {
		t.Fatalf("tracing must not alter the callback, got %+v", cb)
	}
}
