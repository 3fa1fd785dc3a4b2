package provider

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/plangate/pkg/retry"
)

const instrumentationName = "github.com/platinummonkey/plangate/pkg/provider"

// ResilientConfig bounds calls to the provider
type ResilientConfig struct {
	// Timeout applies to each attempt
	Timeout time.Duration
	// RequestsPerSecond and Burst feed a token bucket shared by all calls;
	// zero disables limiting
	RequestsPerSecond float64
	Burst             int
	Retry             retry.Config
}

// Resilient decorates a Provider. Writes are rate limited, time boxed and
// retried with exponential backoff. Retrieves are rate limited and time boxed
// but never retried, so background sweeps count a failure and move on.
type Resilient struct {
	next    Provider
	cfg     ResilientConfig
	limiter *rate.Limiter
	logger  logrus.FieldLogger
	calls   metric.Float64Histogram
}

var _ Provider = (*Resilient)(nil)

// NewResilient wraps next
func NewResilient(next Provider, cfg ResilientConfig, logger logrus.FieldLogger) *Resilient {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	calls, err := otel.Meter(instrumentationName).Float64Histogram("plangate.provider.call.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of billing provider call attempts"),
	)
	if err != nil {
		logger.WithError(err).Warn("Failed to create provider call histogram")
	}
	return &Resilient{next: next, cfg: cfg, limiter: limiter, logger: logger, calls: calls}
}

// Name returns the wrapped provider's name
func (r *Resilient) Name() string { return r.next.Name() }

// attempt makes one traced, time boxed call. Rate limiter waits are not
// part of the recorded duration.
func (r *Resilient) attempt(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "provider "+op)
	defer span.End()

	start := time.Now()
	err := fn(ctx)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if r.calls != nil {
		r.calls.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("provider", r.next.Name()),
			attribute.String("op", op),
			attribute.String("outcome", outcome),
		))
	}
	return err
}

func (r *Resilient) write(ctx context.Context, op string, fn func(context.Context) error) error {
	return retry.Do(ctx, r.cfg.Retry, func(ctx context.Context) error {
		return r.attempt(ctx, op, fn)
	}, func(err error, wait time.Duration) {
		r.logger.WithFields(logrus.Fields{
			"provider": r.next.Name(),
			"op":       op,
			"wait":     wait,
		}).WithError(err).Warn("Retrying provider call")
	})
}

// CreateCustomer creates a customer with retries
func (r *Resilient) CreateCustomer(ctx context.Context, params CreateCustomerParams) (Customer, error) {
	var out Customer
	err := r.write(ctx, "create customer", func(ctx context.Context) error {
		c, err := r.next.CreateCustomer(ctx, params)
		out = c
		return err
	})
	return out, err
}

// CreateSubscription creates a subscription with retries
func (r *Resilient) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (Subscription, error) {
	var out Subscription
	err := r.write(ctx, "create subscription", func(ctx context.Context) error {
		s, err := r.next.CreateSubscription(ctx, params)
		out = s
		return err
	})
	return out, err
}

// UpdateSubscription updates a subscription with retries
func (r *Resilient) UpdateSubscription(ctx context.Context, id string, params UpdateSubscriptionParams) (Subscription, error) {
	var out Subscription
	err := r.write(ctx, "update subscription", func(ctx context.Context) error {
		s, err := r.next.UpdateSubscription(ctx, id, params)
		out = s
		return err
	})
	return out, err
}

// CancelSubscription cancels a subscription with retries
func (r *Resilient) CancelSubscription(ctx context.Context, id string, atPeriodEnd bool) (Subscription, error) {
	var out Subscription
	err := r.write(ctx, "cancel subscription", func(ctx context.Context) error {
		s, err := r.next.CancelSubscription(ctx, id, atPeriodEnd)
		out = s
		return err
	})
	return out, err
}

// RetrieveSubscription makes a single bounded attempt
func (r *Resilient) RetrieveSubscription(ctx context.Context, id string) (Subscription, error) {
	var out Subscription
	err := r.attempt(ctx, "retrieve subscription", func(ctx context.Context) error {
		s, err := r.next.RetrieveSubscription(ctx, id)
		out = s
		return err
	})
	return out, err
}

// ConstructEvent delegates; verification is local and needs no protection
func (r *Resilient) ConstructEvent(payload []byte, signature string) (Event, error) {
	return r.next.ConstructEvent(payload, signature)
}
