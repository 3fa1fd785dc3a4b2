// Package observability holds the ambient telemetry of plangate: the JSON
// request logger, Prometheus metrics, health probes, OpenTelemetry export
// and graceful shutdown.
//
// The request logger travels in the context. The HTTP middleware stores a
// logger and request id; handlers log through FromContext:
//
//	observability.FromContext(r.Context()).WithError(err).Error("Subscribe failed")
//
// Metrics are registered on a caller supplied registry so tests can use a
// fresh one:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	router.Handle("/metrics", observability.MetricsHandler(registry))
//
// All Metrics recorders accept a nil receiver, so components built without
// metrics need no guards.
package observability
