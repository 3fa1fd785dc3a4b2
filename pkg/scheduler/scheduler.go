// Package scheduler runs the periodic subscription sweeps: provider status
// sync, renewal and expiry reminders, expiry processing, payment failure
// reminders and weekly statistics.
//
// Jobs never return errors. Each one reports a JobResult; a failed listing
// marks the run unsuccessful, while failures of single subscriptions are
// collected in Errors and the sweep moves on to the next item.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

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

var tracer = otel.Tracer("github.com/platinummonkey/plangate/pkg/scheduler")

// Job names, used for cron registration, --run-once and metric labels
const (
	JobSyncSubscriptionStatuses     = "sync_subscription_statuses"
	JobCheckRenewalReminders        = "check_renewal_reminders"
	JobProcessExpiredSubscriptions  = "process_expired_subscriptions"
	JobSendPaymentFailureReminders  = "send_payment_failure_reminders"
	JobUpdateSubscriptionStatistics = "update_subscription_statistics"
)

// Bus events for upcoming period ends
const (
	EventRenewalUpcoming = "subscription.renewal_upcoming"
	EventExpiryUpcoming  = "subscription.expiry_upcoming"
)

const (
	DefaultItemTimeout   = 30 * time.Second
	DefaultWorkers       = 4
	DefaultRenewalWindow = 7 * 24 * time.Hour
)

// JobNames lists every job in registration order
func JobNames() []string {
	return []string{
		JobSyncSubscriptionStatuses,
		JobCheckRenewalReminders,
		JobProcessExpiredSubscriptions,
		JobSendPaymentFailureReminders,
		JobUpdateSubscriptionStatistics,
	}
}

// JobResult summarizes one job run. Processed counts the items the job
// handled successfully; Changed counts the subscriptions it modified.
type JobResult struct {
	Job       string        `json:"job"`
	Success   bool          `json:"success"`
	Processed int           `json:"processed"`
	Changed   int           `json:"changed"`
	Errors    []string      `json:"errors"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Subscriptions is the write path jobs mutate through
type Subscriptions interface {
	Mutate(ctx context.Context, id string, fn service.MutateFunc) (*subscription.Subscription, error)
}

// Repository is the read side the jobs sweep
type Repository interface {
	storage.SubscriptionQueries
	storage.StatisticsWriter
}

// Options wires a Scheduler
type Options struct {
	Subscriptions Subscriptions
	Repository    Repository
	Catalog       plans.Catalog
	Provider      provider.Provider
	Notifier      notify.Notifier
	Bus           eventbus.Bus
	// Archive receives a copy of every statistics snapshot; nil disables archiving
	Archive       storage.StatisticsWriter
	Metrics       *observability.Metrics
	Logger        logrus.FieldLogger
	Clock         func() time.Time
	ItemTimeout   time.Duration
	Workers       int
	RenewalWindow time.Duration
}

// Scheduler runs the subscription sweeps
type Scheduler struct {
	subs          Subscriptions
	repo          Repository
	catalog       plans.Catalog
	provider      provider.Provider
	notifier      notify.Notifier
	bus           eventbus.Bus
	archive       storage.StatisticsWriter
	metrics       *observability.Metrics
	logger        logrus.FieldLogger
	clock         func() time.Time
	itemTimeout   time.Duration
	workers       int
	renewalWindow time.Duration
}

// New creates a Scheduler
func New(opts Options) (*Scheduler, error) {
	switch {
	case opts.Subscriptions == nil:
		return nil, errors.New("subscriptions are required")
	case opts.Repository == nil:
		return nil, errors.New("repository is required")
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
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = DefaultItemTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.RenewalWindow <= 0 {
		opts.RenewalWindow = DefaultRenewalWindow
	}
	return &Scheduler{
		subs:          opts.Subscriptions,
		repo:          opts.Repository,
		catalog:       opts.Catalog,
		provider:      opts.Provider,
		notifier:      opts.Notifier,
		bus:           opts.Bus,
		archive:       opts.Archive,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		clock:         opts.Clock,
		itemTimeout:   opts.ItemTimeout,
		workers:       opts.Workers,
		renewalWindow: opts.RenewalWindow,
	}, nil
}

// RunJob runs a job by name
func (s *Scheduler) RunJob(ctx context.Context, name string) (JobResult, error) {
	switch name {
	case JobSyncSubscriptionStatuses:
		return s.SyncSubscriptionStatuses(ctx), nil
	case JobCheckRenewalReminders:
		return s.CheckRenewalReminders(ctx), nil
	case JobProcessExpiredSubscriptions:
		return s.ProcessExpiredSubscriptions(ctx), nil
	case JobSendPaymentFailureReminders:
		return s.SendPaymentFailureReminders(ctx), nil
	case JobUpdateSubscriptionStatistics:
		return s.UpdateSubscriptionStatistics(ctx), nil
	default:
		return JobResult{}, fmt.Errorf("unknown job %q", name)
	}
}

// run wraps a job body with tracing, panic recovery, logging and metrics.
// The body returns an error only when the whole run failed.
func (s *Scheduler) run(ctx context.Context, job string, body func(ctx context.Context, result *JobResult) error) JobResult {
	ctx, span := tracer.Start(ctx, "scheduler."+job, trace.WithAttributes(attribute.String("job", job)))
	defer span.End()

	result := JobResult{Job: job, StartedAt: s.clock(), Errors: []string{}}
	start := time.Now()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &async.PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		return body(ctx, &result)
	}()
	itemErrors := len(result.Errors)

	result.Duration = time.Since(start)
	result.Success = err == nil
	logger := s.logger.WithFields(logrus.Fields{
		"job":       job,
		"processed": result.Processed,
		"changed":   result.Changed,
		"errors":    itemErrors,
		"duration":  result.Duration.String(),
	})
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, "job failed")
		logger.WithError(err).Error("Scheduler job failed")
	} else {
		span.SetStatus(codes.Ok, "")
		if itemErrors > 0 {
			logger.Warn("Scheduler job completed with errors")
		} else {
			logger.Info("Scheduler job completed")
		}
	}

	span.SetAttributes(
		attribute.Int("job.processed", result.Processed),
		attribute.Int("job.errors", itemErrors),
	)
	s.metrics.RecordJobRun(job, result.Success, result.Processed, itemErrors, result.Duration)
	return result
}

// itemFunc handles one subscription. It reports whether the subscription
// was modified.
type itemFunc func(ctx context.Context, sub *subscription.Subscription) (bool, error)

// sweep runs fn for every subscription with bounded concurrency and a
// per-item timeout. Item failures are recorded on result and never stop
// the sweep.
func (s *Scheduler) sweep(ctx context.Context, result *JobResult, subs []*subscription.Subscription, fn itemFunc) {
	var changed atomic.Int64
	errs := async.Batch(ctx, subs, s.workers, s.itemTimeout, func(ctx context.Context, sub *subscription.Subscription) error {
		modified, err := fn(ctx, sub)
		if err == nil && modified {
			changed.Add(1)
		}
		return err
	})

	for i, err := range errs {
		if err == nil {
			result.Processed++
			continue
		}
		sub := subs[i]
		result.Errors = append(result.Errors, fmt.Sprintf("subscription %s: %v", sub.ID(), err))
		s.logger.WithFields(logrus.Fields{
			"job":             result.Job,
			"subscription_id": sub.ID(),
			"organization_id": sub.OrganizationID(),
		}).WithError(err).Warn("Scheduler item failed")
	}
	result.Changed = int(changed.Load())
}

func (s *Scheduler) publish(ctx context.Context, name string, payload any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, name, payload); err != nil {
		s.logger.WithField("event", name).WithError(err).Warn("Failed to publish scheduler event")
	}
}
