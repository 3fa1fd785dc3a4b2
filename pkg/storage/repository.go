package storage

import (
	"context"
	"time"

	"github.com/platinummonkey/plangate/pkg/plans"
	"github.com/platinummonkey/plangate/pkg/subscription"
)

// SubscriptionReader loads subscriptions. Lookups return a
// *subscription.NotFoundError when nothing matches.
type SubscriptionReader interface {
	GetSubscriptionByID(ctx context.Context, id string) (*subscription.Subscription, error)
	GetSubscriptionByOrganizationID(ctx context.Context, organizationID string) (*subscription.Subscription, error)
	GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*subscription.Subscription, error)
}

// SubscriptionWriter persists subscriptions
type SubscriptionWriter interface {
	// SaveSubscription inserts a never-saved subscription or updates an existing
	// one if its stored version still matches. Pending events are appended to
	// the history log in the same unit of work; on success they are drained
	// from the aggregate and returned for publication.
	SaveSubscription(ctx context.Context, sub *subscription.Subscription) ([]subscription.Event, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// UsageWriter writes single usage counters without loading the aggregate.
// Neither operation bumps the stored version; SaveSubscription writes only the
// counters its usage updates set, so counters written here are never
// clobbered by other saves.
type UsageWriter interface {
	// UpdateSubscriptionUsage sets an absolute value and records a history entry
	UpdateSubscriptionUsage(ctx context.Context, id string, metric plans.Metric, value int64) (subscription.Usage, error)
	// IncrementSubscriptionUsage adds delta atomically and returns the new value
	IncrementSubscriptionUsage(ctx context.Context, id string, metric plans.Metric, delta int64) (int64, error)
}

// SubscriptionQueries are the bulk reads used by the scheduler
type SubscriptionQueries interface {
	GetSubscriptionsByStatus(ctx context.Context, statuses ...subscription.Status) ([]*subscription.Subscription, error)
	// GetExpiredSubscriptions returns active or trialing subscriptions that are
	// scheduled to cancel and whose period ended at or before now
	GetExpiredSubscriptions(ctx context.Context, now time.Time) ([]*subscription.Subscription, error)
	// GetSubscriptionsRenewingBetween returns active or trialing subscriptions
	// whose period ends within [start, end]
	GetSubscriptionsRenewingBetween(ctx context.Context, start, end time.Time) ([]*subscription.Subscription, error)
	GetSubscriptionsWithFailedPayments(ctx context.Context) ([]*subscription.Subscription, error)
	// GetSubscriptionsWithProviderLink returns non-canceled subscriptions the
	// provider has confirmed
	GetSubscriptionsWithProviderLink(ctx context.Context) ([]*subscription.Subscription, error)
}

// PlanReader loads plans from the system of record
type PlanReader interface {
	GetSubscriptionPlanByID(ctx context.Context, id string) (plans.Plan, error)
	GetAllSubscriptionPlans(ctx context.Context) ([]plans.Plan, error)
}

// HistoryReader reads the append-only audit log
type HistoryReader interface {
	GetSubscriptionHistory(ctx context.Context, subscriptionID string) ([]subscription.HistoryEntry, error)
}

// StatisticsWriter persists statistics snapshots
type StatisticsWriter interface {
	SaveStatisticsSnapshot(ctx context.Context, snapshot StatisticsSnapshot) error
}

// Repository is the full persistence port
type Repository interface {
	SubscriptionReader
	SubscriptionWriter
	UsageWriter
	SubscriptionQueries
	PlanReader
	HistoryReader
	StatisticsWriter
	HealthCheck(ctx context.Context) error
}

// UsageChanges merges the counters set by the usage updates in events, in
// order. ok is false when events hold no usage update.
func UsageChanges(events []subscription.Event) (changed subscription.UsageUpdate, ok bool) {
	for _, e := range events {
		if u, isUsage := e.Payload.(subscription.UsageUpdated); isUsage {
			changed = changed.Merge(u.Changed)
			ok = true
		}
	}
	return changed, ok
}

// TierCounts holds subscription counts for one plan tier
type TierCounts struct {
	Active   int64 `json:"active"`
	Trialing int64 `json:"trialing"`
	PastDue  int64 `json:"past_due"`
	Canceled int64 `json:"canceled"`
	Other    int64 `json:"other"`
}

// Add counts one subscription with the given status
func (c *TierCounts) Add(status subscription.Status) {
	switch status {
	case subscription.StatusActive:
		c.Active++
	case subscription.StatusTrialing:
		c.Trialing++
	case subscription.StatusPastDue:
		c.PastDue++
	case subscription.StatusCanceled:
		c.Canceled++
	default:
		c.Other++
	}
}

// StatisticsSnapshot is a weekly aggregate of subscriptions by tier
type StatisticsSnapshot struct {
	ID      string                    `json:"id"`
	TakenAt time.Time                 `json:"taken_at"`
	Total   int64                     `json:"total"`
	ByTier  map[plans.Tier]TierCounts `json:"by_tier"`
}
