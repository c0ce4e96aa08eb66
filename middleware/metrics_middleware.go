package middleware

import (
	"context"
	"time"

	"duplex-rpc/message"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the Prometheus middleware.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "duplexrpc").
	Namespace string

	Subsystem string

	// Buckets are the histogram buckets for call duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry defaults to prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus middleware.
type MetricsOption func(*MetricsConfig)

func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "duplexrpc",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the call collectors registered by Prometheus.
type Metrics struct {
	CallsTotal   *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec
}

func newMetrics(config MetricsConfig) *Metrics {
	factory := promauto.With(config.Registry)
	return &Metrics{
		CallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "calls_total",
			Help:      "Total number of inbound calls by outcome",
		}, []string{"method", "status"}),
		CallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "call_duration_seconds",
			Help:      "Inbound call duration in seconds",
			Buckets:   config.Buckets,
		}, []string{"method"}),
	}
}

// Prometheus records a counter per outcome and a duration histogram per
// method. The collectors are returned so callers can read or unregister them.
func Prometheus(opts ...MetricsOption) (Middleware, *Metrics) {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	m := newMetrics(config)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.CallRecord) *message.CallbackRecord {
			start := time.Now()
			cb := next(ctx, call)
			name := methodName(call)
			m.CallDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
			m.CallsTotal.WithLabelValues(name, status(cb)).Inc()
			return cb
		}
	}, m
}

func status(cb *message.CallbackRecord) string {
	switch {
	case cb.IsException:
		return "exception"
	case cb.IsAccessDenied:
		return "denied"
	}
	return "ok"
}
