package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/plangate/pkg/plans"
	"github.com/platinummonkey/plangate/pkg/subscription"
)

// MemoryRepository is an in-process Repository for local development and
// tests. It stores snapshots, never live aggregates, so callers cannot mutate
// stored state without saving.
type MemoryRepository struct {
	mu         sync.RWMutex
	byID       map[string]subscription.Snapshot
	byOrg      map[string]string
	byProvider map[string]string
	history    map[string][]subscription.HistoryEntry
	plans      []plans.Plan
	statistics []StatisticsSnapshot
	clock      func() time.Time
}

// NewMemoryRepository creates an empty repository serving the given plans
func NewMemoryRepository(catalog []plans.Plan) *MemoryRepository {
	return &MemoryRepository{
		byID:       make(map[string]subscription.Snapshot),
		byOrg:      make(map[string]string),
		byProvider: make(map[string]string),
		history:    make(map[string][]subscription.HistoryEntry),
		plans:      append([]plans.Plan(nil), catalog...),
		clock:      time.Now,
	}
}

func (r *MemoryRepository) restore(snap subscription.Snapshot) (*subscription.Subscription, error) {
	sub, err := subscription.Restore(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to restore subscription %s: %w", snap.ID, err)
	}
	return sub, nil
}

// GetSubscriptionByID returns the subscription with the given id
func (r *MemoryRepository) GetSubscriptionByID(ctx context.Context, id string) (*subscription.Subscription, error) {
	r.mu.RLock()
	snap, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return nil, subscription.SubscriptionNotFound("id", id)
	}
	return r.restore(snap)
}

// GetSubscriptionByOrganizationID returns the organization's subscription
func (r *MemoryRepository) GetSubscriptionByOrganizationID(ctx context.Context, organizationID string) (*subscription.Subscription, error) {
	r.mu.RLock()
	id, ok := r.byOrg[organizationID]
	snap := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return nil, subscription.SubscriptionNotFound("organization_id", organizationID)
	}
	return r.restore(snap)
}

// GetSubscriptionByProviderID returns the subscription linked to a provider subscription
func (r *MemoryRepository) GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*subscription.Subscription, error) {
	r.mu.RLock()
	id, ok := r.byProvider[providerSubscriptionID]
	snap := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return nil, subscription.SubscriptionNotFound("provider_subscription_id", providerSubscriptionID)
	}
	return r.restore(snap)
}

// SaveSubscription inserts or updates a subscription with an optimistic version check
func (r *MemoryRepository) SaveSubscription(ctx context.Context, sub *subscription.Subscription) ([]subscription.Event, error) {
	events := sub.PendingEvents()
	snap := sub.Snapshot()

	r.mu.Lock()
	if snap.Version == 0 {
		if _, exists := r.byOrg[snap.OrganizationID]; exists {
			r.mu.Unlock()
			return nil, fmt.Errorf("organization %s: %w", snap.OrganizationID, subscription.ErrAlreadyExists)
		}
		if _, exists := r.byID[snap.ID]; exists {
			r.mu.Unlock()
			return nil, fmt.Errorf("subscription %s: %w", snap.ID, subscription.ErrAlreadyExists)
		}
	}
	current, exists := r.byID[snap.ID]
	if snap.Version != 0 && (!exists || current.Version != snap.Version) {
		r.mu.Unlock()
		return nil, subscription.ErrConcurrencyConflict
	}
	pid := snap.Payment.SubscriptionID
	if owner, taken := r.byProvider[pid]; pid != "" && taken && owner != snap.ID {
		r.mu.Unlock()
		return nil, fmt.Errorf("provider subscription %s: %w", pid, subscription.ErrAlreadyExists)
	}
	if exists && current.Payment.SubscriptionID != "" && current.Payment.SubscriptionID != pid {
		delete(r.byProvider, current.Payment.SubscriptionID)
	}
	if pid != "" {
		r.byProvider[pid] = snap.ID
	}

	if exists {
		// Counters not set by this save keep their stored value so concurrent
		// increments survive.
		usage := current.Usage
		if changed, ok := UsageChanges(events); ok {
			usage = changed.Apply(usage)
			usage.LastUpdated = snap.Usage.LastUpdated
		}
		snap.Usage = usage
	}
	snap.Version++
	r.byID[snap.ID] = snap
	r.byOrg[snap.OrganizationID] = snap.ID
	for _, e := range events {
		r.history[snap.ID] = append(r.history[snap.ID], e.HistoryEntry())
	}
	r.mu.Unlock()

	sub.FlushEvents()
	sub.MarkPersisted(snap.Version)
	sub.RefreshUsage(snap.Usage)
	return events, nil
}

// DeleteSubscription removes a subscription. Its history is retained.
func (r *MemoryRepository) DeleteSubscription(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, ok := r.byID[id]
	if !ok {
		return subscription.SubscriptionNotFound("id", id)
	}
	delete(r.byID, id)
	delete(r.byOrg, snap.OrganizationID)
	if snap.Payment.SubscriptionID != "" {
		delete(r.byProvider, snap.Payment.SubscriptionID)
	}
	return nil
}

// GetSubscriptionPlanByID returns a plan
func (r *MemoryRepository) GetSubscriptionPlanByID(ctx context.Context, id string) (plans.Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.plans {
		if p.ID == id {
			return p, nil
		}
	}
	return plans.Plan{}, subscription.PlanNotFound(id)
}

// GetAllSubscriptionPlans returns every plan
func (r *MemoryRepository) GetAllSubscriptionPlans(ctx context.Context) ([]plans.Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]plans.Plan(nil), r.plans...), nil
}

func setUsage(usage *subscription.Usage, metric plans.Metric) (*int64, error) {
	switch metric {
	case plans.MetricTeamMembers:
		return &usage.TeamMembers, nil
	case plans.MetricMediaStorage:
		return &usage.MediaStorage, nil
	case plans.MetricAPIRequests:
		return &usage.APIRequests, nil
	}
	return nil, subscription.NewValidationError("metric", fmt.Sprintf("usage for %s is not tracked", metric))
}

// UpdateSubscriptionUsage sets a usage counter and records a history entry
func (r *MemoryRepository) UpdateSubscriptionUsage(ctx context.Context, id string, metric plans.Metric, value int64) (subscription.Usage, error) {
	if value < 0 {
		return subscription.Usage{}, subscription.NewValidationError("value", "must not be negative")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	snap, ok := r.byID[id]
	if !ok {
		return subscription.Usage{}, subscription.SubscriptionNotFound("id", id)
	}
	field, err := setUsage(&snap.Usage, metric)
	if err != nil {
		return subscription.Usage{}, err
	}

	now := r.clock().UTC()
	*field = value
	snap.Usage.LastUpdated = now
	r.byID[id] = snap
	r.history[id] = append(r.history[id], usageHistoryEntry(snap, metric, now))
	return snap.Usage, nil
}

// IncrementSubscriptionUsage adds delta to a usage counter under the write lock
func (r *MemoryRepository) IncrementSubscriptionUsage(ctx context.Context, id string, metric plans.Metric, delta int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, ok := r.byID[id]
	if !ok {
		return 0, subscription.SubscriptionNotFound("id", id)
	}
	field, err := setUsage(&snap.Usage, metric)
	if err != nil {
		return 0, err
	}

	now := r.clock().UTC()
	*field += delta
	snap.Usage.LastUpdated = now
	r.byID[id] = snap
	return *field, nil
}

func usageHistoryEntry(snap subscription.Snapshot, metric plans.Metric, now time.Time) subscription.HistoryEntry {
	return UsageEvent(snap.ID, snap.OrganizationID, snap.Usage, metric, now).HistoryEntry()
}

// usageUpdateFor returns an update setting metric to value
func usageUpdateFor(metric plans.Metric, value int64) subscription.UsageUpdate {
	switch metric {
	case plans.MetricTeamMembers:
		return subscription.UsageUpdate{TeamMembers: &value}
	case plans.MetricMediaStorage:
		return subscription.UsageUpdate{MediaStorage: &value}
	case plans.MetricAPIRequests:
		return subscription.UsageUpdate{APIRequests: &value}
	}
	return subscription.UsageUpdate{}
}

// UsageEvent builds the usage_updated event recorded by UpdateSubscriptionUsage
func UsageEvent(subscriptionID, organizationID string, usage subscription.Usage, metric plans.Metric, now time.Time) subscription.Event {
	var changed subscription.UsageUpdate
	if field, err := setUsage(&usage, metric); err == nil {
		changed = usageUpdateFor(metric, *field)
	}
	return subscription.Event{
		ID:             uuid.New().String(),
		SubscriptionID: subscriptionID,
		OrganizationID: organizationID,
		OccurredAt:     now,
		Payload:        subscription.UsageUpdated{Usage: usage, Changed: changed},
	}
}

func (r *MemoryRepository) filter(match func(subscription.Snapshot) bool) ([]*subscription.Subscription, error) {
	r.mu.RLock()
	matched := make([]subscription.Snapshot, 0)
	for _, snap := range r.byID {
		if match(snap) {
			matched = append(matched, snap)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	out := make([]*subscription.Subscription, 0, len(matched))
	for _, snap := range matched {
		sub, err := r.restore(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

func activeStatus(s subscription.Status) bool {
	return s == subscription.StatusActive || s == subscription.StatusTrialing
}

// GetSubscriptionsByStatus returns subscriptions in any of the given statuses
func (r *MemoryRepository) GetSubscriptionsByStatus(ctx context.Context, statuses ...subscription.Status) ([]*subscription.Subscription, error) {
	want := make(map[subscription.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	return r.filter(func(snap subscription.Snapshot) bool {
		return want[snap.Status]
	})
}

// GetExpiredSubscriptions returns subscriptions due to expire at now
func (r *MemoryRepository) GetExpiredSubscriptions(ctx context.Context, now time.Time) ([]*subscription.Subscription, error) {
	return r.filter(func(snap subscription.Snapshot) bool {
		return snap.CancelAtPeriodEnd && !snap.CurrentPeriodEnd.After(now) && activeStatus(snap.Status)
	})
}

// GetSubscriptionsRenewingBetween returns subscriptions whose period ends in [start, end]
func (r *MemoryRepository) GetSubscriptionsRenewingBetween(ctx context.Context, start, end time.Time) ([]*subscription.Subscription, error) {
	return r.filter(func(snap subscription.Snapshot) bool {
		return !snap.CurrentPeriodEnd.Before(start) && !snap.CurrentPeriodEnd.After(end) && activeStatus(snap.Status)
	})
}

// GetSubscriptionsWithFailedPayments returns past_due subscriptions
func (r *MemoryRepository) GetSubscriptionsWithFailedPayments(ctx context.Context) ([]*subscription.Subscription, error) {
	return r.GetSubscriptionsByStatus(ctx, subscription.StatusPastDue)
}

// GetSubscriptionsWithProviderLink returns non-canceled subscriptions linked to the provider
func (r *MemoryRepository) GetSubscriptionsWithProviderLink(ctx context.Context) ([]*subscription.Subscription, error) {
	return r.filter(func(snap subscription.Snapshot) bool {
		return snap.Payment.SubscriptionID != "" && snap.Status != subscription.StatusCanceled
	})
}

// GetSubscriptionHistory returns the audit log of a subscription, oldest first
func (r *MemoryRepository) GetSubscriptionHistory(ctx context.Context, subscriptionID string) ([]subscription.HistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]subscription.HistoryEntry(nil), r.history[subscriptionID]...), nil
}

// SaveStatisticsSnapshot stores a statistics snapshot
func (r *MemoryRepository) SaveStatisticsSnapshot(ctx context.Context, snapshot StatisticsSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statistics = append(r.statistics, snapshot)
	return nil
}

// Statistics returns the stored statistics snapshots
func (r *MemoryRepository) Statistics() []StatisticsSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]StatisticsSnapshot(nil), r.statistics...)
}

// HealthCheck always succeeds
func (r *MemoryRepository) HealthCheck(ctx context.Context) error {
	return nil
}
