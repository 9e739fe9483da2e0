// Package observability wires logging, metrics, tracing and health checks.
//
// Logging uses logrus with a JSON formatter by default. Metrics are
// Prometheus collectors registered on an explicit registry and served by
// MetricsHandler; every recording method tolerates a nil *Metrics. Tracing
// exports spans over OTLP gRPC when enabled.
//
//	logger := observability.NewLogger("info", "json", nil)
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	tp, err := observability.InitTracing(ctx, cfg.Tracing, logger)
package observability
