// Package service is the application layer for subscriptions. Every write
// follows the same loop: lock the subscription, reload it, apply a mutation
// to the aggregate, save with an optimistic version check, then publish the
// saved events. A conflicting save restarts the loop.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plangate/pkg/eventbus"
	"github.com/platinummonkey/plangate/pkg/locks"
	"github.com/platinummonkey/plangate/pkg/observability"
	"github.com/platinummonkey/plangate/pkg/plans"
	"github.com/platinummonkey/plangate/pkg/provider"
	"github.com/platinummonkey/plangate/pkg/storage"
	"github.com/platinummonkey/plangate/pkg/subscription"
)

// DefaultMaxAttempts bounds the load-mutate-save loop on version conflicts
const DefaultMaxAttempts = 3

// MutateFunc changes a loaded subscription. Returning without recording an
// event skips the save.
type MutateFunc func(sub *subscription.Subscription) error

// Options wires a SubscriptionService
type Options struct {
	Repository storage.Repository
	Catalog    plans.Catalog
	Provider   provider.Provider
	Bus        eventbus.Bus
	Locker     locks.Locker
	Metrics    *observability.Metrics
	Logger     *logrus.Logger
	Clock      func() time.Time
	// MaxAttempts defaults to DefaultMaxAttempts
	MaxAttempts int
}

// SubscriptionService runs subscription use cases
type SubscriptionService struct {
	repo        storage.Repository
	catalog     plans.Catalog
	provider    provider.Provider
	bus         eventbus.Bus
	locker      locks.Locker
	metrics     *observability.Metrics
	logger      *logrus.Logger
	clock       func() time.Time
	maxAttempts int
}

// New creates a SubscriptionService
func New(opts Options) (*SubscriptionService, error) {
	switch {
	case opts.Repository == nil:
		return nil, errors.New("repository is required")
	case opts.Catalog == nil:
		return nil, errors.New("plan catalog is required")
	case opts.Provider == nil:
		return nil, errors.New("billing provider is required")
	case opts.Bus == nil:
		return nil, errors.New("event bus is required")
	case opts.Locker == nil:
		return nil, errors.New("locker is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &SubscriptionService{
		repo:        opts.Repository,
		catalog:     opts.Catalog,
		provider:    opts.Provider,
		bus:         opts.Bus,
		locker:      opts.Locker,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		clock:       opts.Clock,
		maxAttempts: opts.MaxAttempts,
	}, nil
}

// Repository returns the underlying repository
func (s *SubscriptionService) Repository() storage.Repository { return s.repo }

// Catalog returns the plan catalog
func (s *SubscriptionService) Catalog() plans.Catalog { return s.catalog }

// Now returns the service clock's current time
func (s *SubscriptionService) Now() time.Time { return s.clock() }

type loader func(ctx context.Context) (*subscription.Subscription, error)

// mutate resolves the subscription with load, then runs the locked
// reload-mutate-save loop keyed by its id
func (s *SubscriptionService) mutate(ctx context.Context, load loader, fn MutateFunc) (*subscription.Subscription, error) {
	resolved, err := load(ctx)
	if err != nil {
		return nil, err
	}
	id := resolved.ID()

	for attempt := 1; ; attempt++ {
		sub, events, err := s.mutateOnce(ctx, id, fn)
		if errors.Is(err, subscription.ErrConcurrencyConflict) {
			retry := attempt < s.maxAttempts
			s.metrics.RecordConcurrencyConflict(retry)
			if retry {
				s.logger.WithFields(logrus.Fields{
					"subscription_id": id,
					"attempt":         attempt,
				}).Debug("Version conflict, retrying")
				continue
			}
			return nil, fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		if err != nil {
			return nil, err
		}
		eventbus.PublishEvents(ctx, s.bus, events, s.logger)
		return sub, nil
	}
}

func (s *SubscriptionService) mutateOnce(ctx context.Context, id string, fn MutateFunc) (*subscription.Subscription, []subscription.Event, error) {
	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock subscription %s: %w", id, err)
	}
	defer unlock()

	sub, err := s.repo.GetSubscriptionByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := fn(sub); err != nil {
		return nil, nil, err
	}
	if len(sub.PendingEvents()) == 0 {
		return sub, nil, nil
	}

	events, err := s.repo.SaveSubscription(ctx, sub)
	if err != nil {
		return nil, nil, err
	}
	return sub, events, nil
}

// Mutate applies fn to the subscription with the given id
func (s *SubscriptionService) Mutate(ctx context.Context, id string, fn MutateFunc) (*subscription.Subscription, error) {
	return s.mutate(ctx, func(ctx context.Context) (*subscription.Subscription, error) {
		return s.repo.GetSubscriptionByID(ctx, id)
	}, fn)
}

// MutateByOrganization applies fn to the organization's subscription
func (s *SubscriptionService) MutateByOrganization(ctx context.Context, organizationID string, fn MutateFunc) (*subscription.Subscription, error) {
	return s.mutate(ctx, func(ctx context.Context) (*subscription.Subscription, error) {
		return s.repo.GetSubscriptionByOrganizationID(ctx, organizationID)
	}, fn)
}

// MutateByProviderID applies fn to the subscription linked to a provider subscription
func (s *SubscriptionService) MutateByProviderID(ctx context.Context, providerSubscriptionID string, fn MutateFunc) (*subscription.Subscription, error) {
	return s.mutate(ctx, func(ctx context.Context) (*subscription.Subscription, error) {
		return s.repo.GetSubscriptionByProviderID(ctx, providerSubscriptionID)
	}, fn)
}

// Create saves a new subscription and publishes its events. The organization
// lock prevents two creations racing for the same organization; the
// repository's uniqueness check backs it up across instances without a
// shared lock.
func (s *SubscriptionService) Create(ctx context.Context, sub *subscription.Subscription) (*subscription.Subscription, error) {
	unlock, err := s.locker.Lock(ctx, "org:"+sub.OrganizationID())
	if err != nil {
		return nil, fmt.Errorf("failed to lock organization %s: %w", sub.OrganizationID(), err)
	}
	defer unlock()

	events, err := s.repo.SaveSubscription(ctx, sub)
	if err != nil {
		return nil, err
	}
	eventbus.PublishEvents(ctx, s.bus, events, s.logger)
	return sub, nil
}

// GetSubscription returns the organization's subscription
func (s *SubscriptionService) GetSubscription(ctx context.Context, organizationID string) (*subscription.Subscription, error) {
	return s.repo.GetSubscriptionByOrganizationID(ctx, organizationID)
}

// GetHistory returns the audit log of the organization's subscription, oldest first
func (s *SubscriptionService) GetHistory(ctx context.Context, organizationID string) ([]subscription.HistoryEntry, error) {
	sub, err := s.repo.GetSubscriptionByOrganizationID(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	return s.repo.GetSubscriptionHistory(ctx, sub.ID())
}
