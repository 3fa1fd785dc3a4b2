// Package reconciler applies verified billing provider webhook events to
// local subscriptions. It is the only component that creates subscriptions
// from provider data.
//
// Every event produces a Result. Failures are reported in the Result rather
// than returned, because the webhook endpoint acknowledges every verified
// delivery; operators see failures through logs, metrics and the
// "reconciler.failed" bus event. Events naming a provider subscription that
// has no local row are queued for a backfill fetch from the provider.
//
// Redeliveries are detected by event id, in process and, when a SeenStore is
// configured, across restarts and instances. Invoice events are also
// idempotent on their own: a payment already in the subscription history for
// the same invoice is not recorded or notified again.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/plangate/pkg/async"
	"github.com/platinummonkey/plangate/pkg/eventbus"
	"github.com/platinummonkey/plangate/pkg/notify"
	"github.com/platinummonkey/plangate/pkg/observability"
	"github.com/platinummonkey/plangate/pkg/plans"
	"github.com/platinummonkey/plangate/pkg/provider"
	"github.com/platinummonkey/plangate/pkg/service"
	"github.com/platinummonkey/plangate/pkg/storage"
	"github.com/platinummonkey/plangate/pkg/subscription"
)

var tracer = otel.Tracer("github.com/platinummonkey/plangate/pkg/reconciler")

// EventFailed is published on the bus for every failed webhook event
const EventFailed = "reconciler.failed"

// DefaultSeenCacheSize bounds the number of remembered event ids
const DefaultSeenCacheSize = 10000

// Outcome classifies how an event was handled
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeFailed    Outcome = "failed"
)

// Result describes the handling of one webhook event
type Result struct {
	EventID        string  `json:"event_id"`
	EventType      string  `json:"event_type"`
	Outcome        Outcome `json:"outcome"`
	SubscriptionID string  `json:"subscription_id,omitempty"`
	Err            error   `json:"-"`
}

// FailureEvent is the payload of EventFailed
type FailureEvent struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Error     string `json:"error"`
}

// Subscriptions is the write side the reconciler drives
type Subscriptions interface {
	Create(ctx context.Context, sub *subscription.Subscription) (*subscription.Subscription, error)
	Mutate(ctx context.Context, id string, fn service.MutateFunc) (*subscription.Subscription, error)
	MutateByProviderID(ctx context.Context, providerSubscriptionID string, fn service.MutateFunc) (*subscription.Subscription, error)
}

// Options wires a Reconciler
type Options struct {
	Subscriptions Subscriptions
	Reader        storage.SubscriptionReader
	// History defaults to Reader when it also reads history
	History       storage.HistoryReader
	// Seen persists handled event ids; nil keeps them in process only
	Seen          SeenStore
	Catalog       plans.Catalog
	Provider      provider.Provider
	Notifier      notify.Notifier
	Bus           eventbus.Bus
	// Backfill runs provider fetches for unknown subscriptions; nil disables backfill
	Backfill      *async.WorkerPool
	Metrics       *observability.Metrics
	Logger        logrus.FieldLogger
	Clock         func() time.Time
	SeenCacheSize int
}

// Reconciler maps provider events onto subscriptions
type Reconciler struct {
	subs     Subscriptions
	reader   storage.SubscriptionReader
	history  storage.HistoryReader
	store    SeenStore
	catalog  plans.Catalog
	provider provider.Provider
	notifier notify.Notifier
	bus      eventbus.Bus
	backfill *async.WorkerPool
	metrics  *observability.Metrics
	logger   logrus.FieldLogger
	clock    func() time.Time
	seen     *lru.Cache[string, Outcome]
}

// New creates a Reconciler
func New(opts Options) (*Reconciler, error) {
	switch {
	case opts.Subscriptions == nil:
		return nil, errors.New("subscriptions are required")
	case opts.Reader == nil:
		return nil, errors.New("subscription reader is required")
	case opts.Catalog == nil:
		return nil, errors.New("plan catalog is required")
	case opts.Provider == nil:
		return nil, errors.New("billing provider is required")
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.History == nil {
		if history, ok := opts.Reader.(storage.HistoryReader); ok {
			opts.History = history
		}
	}
	if opts.SeenCacheSize <= 0 {
		opts.SeenCacheSize = DefaultSeenCacheSize
	}
	seen, err := lru.New[string, Outcome](opts.SeenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create event cache: %w", err)
	}
	return &Reconciler{
		subs:     opts.Subscriptions,
		reader:   opts.Reader,
		history:  opts.History,
		store:    opts.Seen,
		catalog:  opts.Catalog,
		provider: opts.Provider,
		notifier: opts.Notifier,
		bus:      opts.Bus,
		backfill: opts.Backfill,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		clock:    opts.Clock,
		seen:     seen,
	}, nil
}

// Handle applies a verified event
func (r *Reconciler) Handle(ctx context.Context, event provider.Event) Result {
	start := r.clock()
	ctx, span := tracer.Start(ctx, "reconciler.Handle", trace.WithAttributes(
		attribute.String("webhook.event_id", event.ID),
		attribute.String("webhook.event_type", event.Type),
	))
	defer span.End()

	result := Result{EventID: event.ID, EventType: event.Type}
	logger := r.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
	})

	if r.alreadyHandled(ctx, event.ID, logger) {
		result.Outcome = OutcomeDuplicate
	} else {
		result.SubscriptionID, result.Outcome, result.Err = r.dispatch(ctx, event)
	}

	if result.Err != nil {
		result.Outcome = OutcomeFailed
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, "event failed")
		r.fail(ctx, event, result.Err, logger)
	} else {
		r.remember(ctx, event.ID, result.Outcome, logger)
		span.SetStatus(codes.Ok, string(result.Outcome))
		logger.WithFields(logrus.Fields{
			"outcome":         result.Outcome,
			"subscription_id": result.SubscriptionID,
		}).Info("Webhook event reconciled")
	}

	span.SetAttributes(attribute.String("webhook.outcome", string(result.Outcome)))
	r.metrics.RecordWebhookEvent(event.Type, string(result.Outcome), r.clock().Sub(start))
	return result
}

// alreadyHandled reports whether eventID was handled before. A store error
// is logged and the event handled again; handlers are idempotent.
func (r *Reconciler) alreadyHandled(ctx context.Context, eventID string, logger logrus.FieldLogger) bool {
	if eventID == "" {
		return false
	}
	if r.seen.Contains(eventID) {
		return true
	}
	if r.store == nil {
		return false
	}
	outcome, ok, err := r.store.Seen(ctx, eventID)
	if err != nil {
		logger.WithError(err).Warn("Failed to check handled events")
		return false
	}
	if ok {
		r.seen.Add(eventID, outcome)
	}
	return ok
}

func (r *Reconciler) remember(ctx context.Context, eventID string, outcome Outcome, logger logrus.FieldLogger) {
	if eventID == "" {
		return
	}
	r.seen.Add(eventID, outcome)
	if r.store == nil {
		return
	}
	if err := r.store.Remember(ctx, eventID, outcome); err != nil {
		logger.WithError(err).Warn("Failed to record handled event")
	}
}

func (r *Reconciler) dispatch(ctx context.Context, event provider.Event) (string, Outcome, error) {
	switch event.Type {
	case provider.EventCheckoutSessionCompleted:
		return r.handleCheckoutCompleted(ctx, event)
	case provider.EventInvoicePaymentSucceeded:
		return r.handleInvoice(ctx, event, true)
	case provider.EventInvoicePaymentFailed:
		return r.handleInvoice(ctx, event, false)
	case provider.EventSubscriptionUpdated:
		return r.handleSubscriptionUpdated(ctx, event)
	case provider.EventSubscriptionDeleted:
		return r.handleSubscriptionDeleted(ctx, event)
	default:
		return "", OutcomeIgnored, nil
	}
}

// fail logs a failed event, publishes it for operators and, when the local
// subscription is unknown, queues a backfill
func (r *Reconciler) fail(ctx context.Context, event provider.Event, err error, logger logrus.FieldLogger) {
	if errors.Is(err, subscription.ErrSubscriptionNotFound) {
		logger.WithError(err).Warn("Webhook references an unknown subscription")
		if id := providerSubscriptionID(event); id != "" {
			r.enqueueBackfill(id)
		}
	} else {
		logger.WithError(err).Error("Failed to reconcile webhook event")
	}

	if r.bus == nil {
		return
	}
	payload := FailureEvent{EventID: event.ID, EventType: event.Type, Error: err.Error()}
	if pubErr := r.bus.Publish(ctx, EventFailed, payload); pubErr != nil {
		logger.WithError(pubErr).Warn("Failed to publish reconciler failure")
	}
}

// providerSubscriptionID returns the provider subscription an event refers to
func providerSubscriptionID(event provider.Event) string {
	switch {
	case event.Session != nil:
		return event.Session.SubscriptionID
	case event.Invoice != nil:
		return event.Invoice.SubscriptionID
	case event.Subscription != nil:
		return event.Subscription.ID
	}
	return ""
}
