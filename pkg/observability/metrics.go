package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Record methods are safe to call on a
// nil *Metrics so components can run without a registry.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Webhook metrics
	WebhookEventsTotal       *prometheus.CounterVec
	WebhookEventDuration     *prometheus.HistogramVec
	WebhookBackfillsEnqueued prometheus.Counter

	// Scheduler metrics
	JobRunsTotal           *prometheus.CounterVec
	JobDuration            *prometheus.HistogramVec
	JobItemsProcessedTotal *prometheus.CounterVec
	JobItemErrorsTotal     *prometheus.CounterVec

	// Subscription metrics
	EntitlementChecksTotal    *prometheus.CounterVec
	ConcurrencyConflictsTotal *prometheus.CounterVec
	SubscriptionsGauge        *prometheus.GaugeVec

	// Database metrics
	DBConnectionsActive       prometheus.Gauge
	DBConnectionsIdle         prometheus.Gauge
	DBConnectionsWaitCount    prometheus.Gauge
	DBConnectionsWaitDuration prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plangate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plangate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plangate_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plangate_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		// Webhook metrics
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plangate_webhook_events_total",
				Help: "Total number of provider webhook events by outcome",
			},
			[]string{"event_type", "outcome"},
		),
		WebhookEventDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plangate_webhook_event_duration_seconds",
				Help:    "Provider webhook processing duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event_type"},
		),
		WebhookBackfillsEnqueued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plangate_webhook_backfills_enqueued_total",
				Help: "Total number of unknown provider subscriptions queued for backfill",
			},
		),

		// Scheduler metrics
		JobRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plangate_job_runs_total",
				Help: "Total number of scheduler job runs",
			},
			[]string{"job", "status"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plangate_job_duration_seconds",
				Help:    "Scheduler job duration in seconds",
				Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900},
			},
			[]string{"job"},
		),
		JobItemsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plangate_job_items_processed_total",
				Help: "Total number of items processed by scheduler jobs",
			},
			[]string{"job"},
		),
		JobItemErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plangate_job_item_errors_total",
				Help: "Total number of per-item scheduler job errors",
			},
			[]string{"job"},
		),

		// Subscription metrics
		EntitlementChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plangate_entitlement_checks_total",
				Help: "Total number of entitlement checks by result",
			},
			[]string{"check", "result"},
		),
		ConcurrencyConflictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plangate_concurrency_conflicts_total",
				Help: "Total number of optimistic concurrency conflicts on subscription saves",
			},
			[]string{"outcome"},
		),
		SubscriptionsGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "plangate_subscriptions",
				Help: "Subscriptions by tier and status at the last statistics run",
			},
			[]string{"tier", "status"},
		),

		// Database metrics
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plangate_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plangate_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plangate_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
		DBConnectionsWaitDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plangate_db_connections_wait_duration_seconds",
				Help: "Total time spent waiting for connections",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.WebhookEventsTotal,
		m.WebhookEventDuration,
		m.WebhookBackfillsEnqueued,
		m.JobRunsTotal,
		m.JobDuration,
		m.JobItemsProcessedTotal,
		m.JobItemErrorsTotal,
		m.EntitlementChecksTotal,
		m.ConcurrencyConflictsTotal,
		m.SubscriptionsGauge,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.DBConnectionsWaitDuration,
	)

	return m
}

// RecordWebhookEvent counts one provider event and its processing time
func (m *Metrics) RecordWebhookEvent(eventType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
	m.WebhookEventDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// RecordBackfillEnqueued counts a queued backfill
func (m *Metrics) RecordBackfillEnqueued() {
	if m == nil {
		return
	}
	m.WebhookBackfillsEnqueued.Inc()
}

// RecordJobRun records the outcome of one scheduler job run
func (m *Metrics) RecordJobRun(job string, success bool, processed, itemErrors int, duration time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.JobRunsTotal.WithLabelValues(job, status).Inc()
	m.JobDuration.WithLabelValues(job).Observe(duration.Seconds())
	m.JobItemsProcessedTotal.WithLabelValues(job).Add(float64(processed))
	m.JobItemErrorsTotal.WithLabelValues(job).Add(float64(itemErrors))
}

// RecordEntitlementCheck counts an entitlement decision
func (m *Metrics) RecordEntitlementCheck(check string, allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	m.EntitlementChecksTotal.WithLabelValues(check, result).Inc()
}

// RecordConcurrencyConflict counts a conflicting save; retried is false when
// the retry budget was exhausted
func (m *Metrics) RecordConcurrencyConflict(retried bool) {
	if m == nil {
		return
	}
	outcome := "retried"
	if !retried {
		outcome = "exhausted"
	}
	m.ConcurrencyConflictsTotal.WithLabelValues(outcome).Inc()
}

// SetSubscriptionCount sets the gauge for one tier and status
func (m *Metrics) SetSubscriptionCount(tier, status string, count int64) {
	if m == nil {
		return
	}
	m.SubscriptionsGauge.WithLabelValues(tier, status).Set(float64(count))
}

// UpdateDBStats copies connection pool statistics into the gauges
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWaitCount.Set(float64(stats.WaitCount))
	m.DBConnectionsWaitDuration.Set(stats.WaitDuration.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// routeLabel returns the mux route template so organization ids do not
// become label values
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status and size
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			path := routeLabel(r)
			if r.ContentLength > 0 {
				metrics.HTTPRequestSize.WithLabelValues(r.Method, path).Observe(float64(r.ContentLength))
			}

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rw.bytesWritten))
		})
	}
}

// MetricsHandler serves the registry in the Prometheus text format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
