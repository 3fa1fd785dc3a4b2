package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/plangate/pkg/httputil"
	"github.com/platinummonkey/plangate/pkg/observability"
)

// DefaultMaxBodyBytes bounds JSON request bodies
const DefaultMaxBodyBytes = 1 << 20

// RouterOptions wires the HTTP surface. Nil components leave their routes
// unregistered.
type RouterOptions struct {
	Handlers *Handlers
	Webhook  *WebhookHandler
	Health   *observability.HealthChecker
	Metrics  *observability.Metrics
	Registry *prometheus.Registry
	Logger   *observability.Logger

	RequestTimeout time.Duration
	MaxBodyBytes   int64
	CORSOrigins    []string
	ServiceName    string
}

// NewRouter builds the HTTP handler: API, webhook, health and metrics routes
// behind request id, recovery, logging and metrics middleware, traced with
// otelhttp.
func NewRouter(opts RouterOptions) http.Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "plangate"
	}

	router := mux.NewRouter()
	router.Use(
		httputil.RequestIDMiddleware(opts.Logger),
		httputil.RecoveryMiddleware,
		httputil.LoggingMiddleware,
	)
	if opts.Metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(opts.Metrics))
	}

	if opts.Health != nil {
		observability.RegisterHealthRoutes(router, opts.Health)
	}
	if opts.Registry != nil {
		router.Handle("/metrics", observability.MetricsHandler(opts.Registry)).Methods(http.MethodGet)
	}
	if opts.Webhook != nil {
		opts.Webhook.RegisterRoutes(router)
	}
	if opts.Handlers != nil {
		api := router.NewRoute().Subrouter()
		api.Use(
			httputil.ContentTypeMiddleware,
			httputil.MaxBytesMiddleware(opts.MaxBodyBytes),
		)
		if opts.RequestTimeout > 0 {
			api.Use(httputil.TimeoutMiddleware(opts.RequestTimeout))
		}
		opts.Handlers.RegisterRoutes(api)
	}

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorMessage(w, http.StatusNotFound, "not found")
	})

	var handler http.Handler = router
	if len(opts.CORSOrigins) > 0 {
		// Outside the router so preflight requests never reach method matching
		handler = httputil.CORSMiddleware(opts.CORSOrigins)(handler)
	}
	return otelhttp.NewHandler(handler, opts.ServiceName)
}
