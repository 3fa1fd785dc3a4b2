package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plangate/pkg/plans"
	"github.com/platinummonkey/plangate/pkg/storage"
	"github.com/platinummonkey/plangate/pkg/subscription"
)

const uniqueViolation = "23505"

const subscriptionColumns = `id, organization_id, plan_id, status,
	current_period_start, current_period_end, cancel_at_period_end, trial_end,
	payment_provider, provider_customer_id, provider_subscription_id, payment_method_id,
	billing, usage_team_members, usage_media_storage, usage_api_requests, usage_last_updated,
	version, created_at, updated_at`

// Repository implements storage.Repository on PostgreSQL
type Repository struct {
	conns  *ConnectionManager
	logger *logrus.Logger
	clock  func() time.Time
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a repository over the given connections
func NewRepository(conns *ConnectionManager, logger *logrus.Logger) *Repository {
	if logger == nil {
		logger = logrus.New()
	}
	return &Repository{conns: conns, logger: logger, clock: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*subscription.Subscription, error) {
	var (
		snap               subscription.Snapshot
		status             string
		trialEnd, usageAt  sql.NullTime
		provider, customer sql.NullString
		providerSub, pmID  sql.NullString
		billing            []byte
	)
	err := row.Scan(
		&snap.ID, &snap.OrganizationID, &snap.PlanID, &status,
		&snap.CurrentPeriodStart, &snap.CurrentPeriodEnd, &snap.CancelAtPeriodEnd, &trialEnd,
		&provider, &customer, &providerSub, &pmID,
		&billing, &snap.Usage.TeamMembers, &snap.Usage.MediaStorage, &snap.Usage.APIRequests, &usageAt,
		&snap.Version, &snap.CreatedAt, &snap.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	snap.Status = subscription.Status(status)
	if trialEnd.Valid {
		t := trialEnd.Time.UTC()
		snap.TrialEnd = &t
	}
	if usageAt.Valid {
		snap.Usage.LastUpdated = usageAt.Time.UTC()
	}
	snap.Payment = subscription.Payment{
		Provider:        provider.String,
		CustomerID:      customer.String,
		SubscriptionID:  providerSub.String,
		PaymentMethodID: pmID.String,
	}
	if len(billing) > 0 {
		if err := json.Unmarshal(billing, &snap.Billing); err != nil {
			return nil, fmt.Errorf("failed to unmarshal billing: %w", err)
		}
	}
	snap.CurrentPeriodStart = snap.CurrentPeriodStart.UTC()
	snap.CurrentPeriodEnd = snap.CurrentPeriodEnd.UTC()
	snap.CreatedAt = snap.CreatedAt.UTC()
	snap.UpdatedAt = snap.UpdatedAt.UTC()

	sub, err := subscription.Restore(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to restore subscription %s: %w", snap.ID, err)
	}
	return sub, nil
}

func (r *Repository) getOne(ctx context.Context, key, value string) (*subscription.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE ` + key + ` = $1`
	sub, err := scanSubscription(r.conns.Primary().QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, subscription.SubscriptionNotFound(key, value)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription by %s: %w", key, err)
	}
	return sub, nil
}

// GetSubscriptionByID returns the subscription with the given id
func (r *Repository) GetSubscriptionByID(ctx context.Context, id string) (*subscription.Subscription, error) {
	return r.getOne(ctx, "id", id)
}

// GetSubscriptionByOrganizationID returns the organization's subscription
func (r *Repository) GetSubscriptionByOrganizationID(ctx context.Context, organizationID string) (*subscription.Subscription, error) {
	return r.getOne(ctx, "organization_id", organizationID)
}

// GetSubscriptionByProviderID returns the subscription linked to a provider subscription
func (r *Repository) GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*subscription.Subscription, error) {
	return r.getOne(ctx, "provider_subscription_id", providerSubscriptionID)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

const insertSubscription = `
	INSERT INTO subscriptions (` + subscriptionColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1, $18, $19)
	RETURNING version
`

const updateSubscription = `
	UPDATE subscriptions SET
		plan_id = $3, status = $4,
		current_period_start = $5, current_period_end = $6, cancel_at_period_end = $7, trial_end = $8,
		payment_provider = $9, provider_customer_id = $10, provider_subscription_id = $11, payment_method_id = $12,
		billing = $13, updated_at = $14, version = version + 1
	WHERE id = $1 AND version = $2
	RETURNING version
`

const updateSubscriptionWithUsage = `
	UPDATE subscriptions SET
		plan_id = $3, status = $4,
		current_period_start = $5, current_period_end = $6, cancel_at_period_end = $7, trial_end = $8,
		payment_provider = $9, provider_customer_id = $10, provider_subscription_id = $11, payment_method_id = $12,
		billing = $13, updated_at = $14, version = version + 1,
		usage_team_members = COALESCE($15::BIGINT, usage_team_members),
		usage_media_storage = COALESCE($16::BIGINT, usage_media_storage),
		usage_api_requests = COALESCE($17::BIGINT, usage_api_requests),
		usage_last_updated = $18
	WHERE id = $1 AND version = $2
	RETURNING version, usage_team_members, usage_media_storage, usage_api_requests, usage_last_updated
`

const insertHistory = `
	INSERT INTO subscription_history (subscription_id, event_id, event_type, event_data, created_at)
	VALUES ($1, $2, $3, $4, $5)
`

// SaveSubscription inserts or updates a subscription and appends its pending
// events to the history log in one transaction
func (r *Repository) SaveSubscription(ctx context.Context, sub *subscription.Subscription) (events []subscription.Event, err error) {
	events = sub.PendingEvents()
	snap := sub.Snapshot()

	billing, err := json.Marshal(snap.Billing)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal billing: %w", err)
	}

	tx, err := r.conns.Primary().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var (
		version int64
		stored  subscription.Usage
		refresh bool
	)
	if snap.Version == 0 {
		err = tx.QueryRowContext(ctx, insertSubscription,
			snap.ID, snap.OrganizationID, snap.PlanID, string(snap.Status),
			snap.CurrentPeriodStart, snap.CurrentPeriodEnd, snap.CancelAtPeriodEnd, nullTime(snap.TrialEnd),
			nullString(snap.Payment.Provider), nullString(snap.Payment.CustomerID),
			nullString(snap.Payment.SubscriptionID), nullString(snap.Payment.PaymentMethodID),
			billing, snap.Usage.TeamMembers, snap.Usage.MediaStorage, snap.Usage.APIRequests, nullTime(usageTime(snap.Usage)),
			snap.CreatedAt, snap.UpdatedAt,
		).Scan(&version)
	} else {
		args := []any{
			snap.ID, snap.Version, snap.PlanID, string(snap.Status),
			snap.CurrentPeriodStart, snap.CurrentPeriodEnd, snap.CancelAtPeriodEnd, nullTime(snap.TrialEnd),
			nullString(snap.Payment.Provider), nullString(snap.Payment.CustomerID),
			nullString(snap.Payment.SubscriptionID), nullString(snap.Payment.PaymentMethodID),
			billing, snap.UpdatedAt,
		}
		if changed, ok := storage.UsageChanges(events); ok {
			// Only counters set by this save are written; the others keep
			// their stored value, including concurrent increments.
			args = append(args,
				nullInt64(changed.TeamMembers), nullInt64(changed.MediaStorage), nullInt64(changed.APIRequests),
				nullTime(usageTime(snap.Usage)))
			var usageAt sql.NullTime
			err = tx.QueryRowContext(ctx, updateSubscriptionWithUsage, args...).Scan(
				&version, &stored.TeamMembers, &stored.MediaStorage, &stored.APIRequests, &usageAt,
			)
			if usageAt.Valid {
				stored.LastUpdated = usageAt.Time.UTC()
			}
			refresh = true
		} else {
			err = tx.QueryRowContext(ctx, updateSubscription, args...).Scan(&version)
		}
		if errors.Is(err, sql.ErrNoRows) {
			err = subscription.ErrConcurrencyConflict
			return nil, err
		}
	}
	if isUniqueViolation(err) {
		err = fmt.Errorf("subscription %s: %w", snap.ID, subscription.ErrAlreadyExists)
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to save subscription: %w", err)
	}

	for _, e := range events {
		if err = insertHistoryEntry(ctx, tx, e.HistoryEntry()); err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit subscription: %w", err)
	}

	sub.FlushEvents()
	sub.MarkPersisted(version)
	if refresh {
		sub.RefreshUsage(stored)
	}
	return events, nil
}

func usageTime(u subscription.Usage) *time.Time {
	if u.LastUpdated.IsZero() {
		return nil
	}
	return &u.LastUpdated
}

func insertHistoryEntry(ctx context.Context, tx *sql.Tx, entry subscription.HistoryEntry) error {
	data, err := json.Marshal(entry.EventData)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insertHistory,
		entry.SubscriptionID, entry.EventID, entry.EventType, data, entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert history: %w", err)
	}
	return nil
}

// DeleteSubscription removes a subscription. Its history is retained.
func (r *Repository) DeleteSubscription(ctx context.Context, id string) error {
	result, err := r.conns.Primary().ExecContext(ctx, "DELETE FROM subscriptions WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if affected == 0 {
		return subscription.SubscriptionNotFound("id", id)
	}
	return nil
}

func usageColumn(metric plans.Metric) (string, error) {
	switch metric {
	case plans.MetricTeamMembers:
		return "usage_team_members", nil
	case plans.MetricMediaStorage:
		return "usage_media_storage", nil
	case plans.MetricAPIRequests:
		return "usage_api_requests", nil
	}
	return "", subscription.NewValidationError("metric", fmt.Sprintf("usage for %s is not tracked", metric))
}

// UpdateSubscriptionUsage sets a usage counter and records a history entry
func (r *Repository) UpdateSubscriptionUsage(ctx context.Context, id string, metric plans.Metric, value int64) (usage subscription.Usage, err error) {
	if value < 0 {
		return subscription.Usage{}, subscription.NewValidationError("value", "must not be negative")
	}
	column, err := usageColumn(metric)
	if err != nil {
		return subscription.Usage{}, err
	}

	tx, err := r.conns.Primary().BeginTx(ctx, nil)
	if err != nil {
		return subscription.Usage{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := r.clock().UTC()
	query := `
		UPDATE subscriptions SET ` + column + ` = $2, usage_last_updated = $3
		WHERE id = $1
		RETURNING organization_id, usage_team_members, usage_media_storage, usage_api_requests
	`
	var organizationID string
	err = tx.QueryRowContext(ctx, query, id, value, now).Scan(
		&organizationID, &usage.TeamMembers, &usage.MediaStorage, &usage.APIRequests,
	)
	if errors.Is(err, sql.ErrNoRows) {
		err = subscription.SubscriptionNotFound("id", id)
		return subscription.Usage{}, err
	}
	if err != nil {
		return subscription.Usage{}, fmt.Errorf("failed to update usage: %w", err)
	}
	usage.LastUpdated = now

	if err = insertHistoryEntry(ctx, tx, storage.UsageEvent(id, organizationID, usage, metric, now).HistoryEntry()); err != nil {
		return subscription.Usage{}, err
	}
	if err = tx.Commit(); err != nil {
		return subscription.Usage{}, fmt.Errorf("failed to commit usage: %w", err)
	}
	return usage, nil
}

// IncrementSubscriptionUsage adds delta to a usage counter in a single statement
func (r *Repository) IncrementSubscriptionUsage(ctx context.Context, id string, metric plans.Metric, delta int64) (int64, error) {
	column, err := usageColumn(metric)
	if err != nil {
		return 0, err
	}

	query := `
		UPDATE subscriptions SET ` + column + ` = ` + column + ` + $2, usage_last_updated = $3
		WHERE id = $1
		RETURNING ` + column

	var value int64
	err = r.conns.Primary().QueryRowContext(ctx, query, id, delta, r.clock().UTC()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, subscription.SubscriptionNotFound("id", id)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment usage: %w", err)
	}
	return value, nil
}

func (r *Repository) list(ctx context.Context, where string, args ...any) ([]*subscription.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE ` + where + ` ORDER BY created_at, id`
	rows, err := r.conns.Replica().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	subs := make([]*subscription.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subscriptions: %w", err)
	}
	return subs, nil
}

// GetSubscriptionsByStatus returns subscriptions in any of the given statuses
func (r *Repository) GetSubscriptionsByStatus(ctx context.Context, statuses ...subscription.Status) ([]*subscription.Subscription, error) {
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	return r.list(ctx, "status = ANY($1)", pq.Array(values))
}

// GetExpiredSubscriptions returns subscriptions due to expire at now
func (r *Repository) GetExpiredSubscriptions(ctx context.Context, now time.Time) ([]*subscription.Subscription, error) {
	return r.list(ctx,
		"cancel_at_period_end AND current_period_end <= $1 AND status IN ('active', 'trialing')", now)
}

// GetSubscriptionsRenewingBetween returns subscriptions whose period ends in [start, end]
func (r *Repository) GetSubscriptionsRenewingBetween(ctx context.Context, start, end time.Time) ([]*subscription.Subscription, error) {
	return r.list(ctx,
		"current_period_end BETWEEN $1 AND $2 AND status IN ('active', 'trialing')", start, end)
}

// GetSubscriptionsWithFailedPayments returns past_due subscriptions
func (r *Repository) GetSubscriptionsWithFailedPayments(ctx context.Context) ([]*subscription.Subscription, error) {
	return r.GetSubscriptionsByStatus(ctx, subscription.StatusPastDue)
}

// GetSubscriptionsWithProviderLink returns non-canceled subscriptions linked to the provider
func (r *Repository) GetSubscriptionsWithProviderLink(ctx context.Context) ([]*subscription.Subscription, error) {
	return r.list(ctx, "provider_subscription_id IS NOT NULL AND status <> 'canceled'")
}

const planColumns = `id, tier, display_name, price_monthly, price_yearly, currency, provider_price_id, features, limits`

func scanPlan(row rowScanner) (plans.Plan, error) {
	var (
		p                plans.Plan
		tier             string
		priceID          sql.NullString
		features, limits []byte
	)
	if err := row.Scan(&p.ID, &tier, &p.DisplayName, &p.Price.Monthly, &p.Price.Yearly, &p.Price.Currency,
		&priceID, &features, &limits); err != nil {
		return plans.Plan{}, err
	}
	p.Tier = plans.Tier(tier)
	p.ProviderPriceID = priceID.String
	if err := json.Unmarshal(features, &p.Features); err != nil {
		return plans.Plan{}, fmt.Errorf("failed to unmarshal features: %w", err)
	}
	if err := json.Unmarshal(limits, &p.Limits); err != nil {
		return plans.Plan{}, fmt.Errorf("failed to unmarshal limits: %w", err)
	}
	return p, nil
}

// GetSubscriptionPlanByID returns a plan
func (r *Repository) GetSubscriptionPlanByID(ctx context.Context, id string) (plans.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM subscription_plans WHERE id = $1`
	p, err := scanPlan(r.conns.Replica().QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return plans.Plan{}, subscription.PlanNotFound(id)
	}
	if err != nil {
		return plans.Plan{}, fmt.Errorf("failed to get plan: %w", err)
	}
	return p, nil
}

// GetAllSubscriptionPlans returns every plan ordered by id
func (r *Repository) GetAllSubscriptionPlans(ctx context.Context) ([]plans.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM subscription_plans ORDER BY id`
	rows, err := r.conns.Replica().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var all []plans.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		all = append(all, p)
	}
	return all, rows.Err()
}

// UpsertPlan stores a plan definition, replacing an existing row with the same id
func (r *Repository) UpsertPlan(ctx context.Context, p plans.Plan) error {
	features, err := json.Marshal(p.Features)
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}
	limits, err := json.Marshal(p.Limits)
	if err != nil {
		return fmt.Errorf("failed to marshal limits: %w", err)
	}

	query := `
		INSERT INTO subscription_plans (` + planColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			tier = EXCLUDED.tier, display_name = EXCLUDED.display_name,
			price_monthly = EXCLUDED.price_monthly, price_yearly = EXCLUDED.price_yearly,
			currency = EXCLUDED.currency, provider_price_id = EXCLUDED.provider_price_id,
			features = EXCLUDED.features, limits = EXCLUDED.limits
	`
	if _, err := r.conns.Primary().ExecContext(ctx, query,
		p.ID, string(p.Tier), p.DisplayName, p.Price.Monthly, p.Price.Yearly, p.Price.Currency,
		nullString(p.ProviderPriceID), features, limits,
	); err != nil {
		return fmt.Errorf("failed to upsert plan %s: %w", p.ID, err)
	}
	return nil
}

// GetSubscriptionHistory returns the audit log of a subscription, oldest first
func (r *Repository) GetSubscriptionHistory(ctx context.Context, subscriptionID string) ([]subscription.HistoryEntry, error) {
	query := `
		SELECT subscription_id, event_id, event_type, event_data, created_at
		FROM subscription_history
		WHERE subscription_id = $1
		ORDER BY created_at, id
	`
	rows, err := r.conns.Replica().QueryContext(ctx, query, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	history := make([]subscription.HistoryEntry, 0)
	for rows.Next() {
		var (
			entry subscription.HistoryEntry
			data  []byte
		)
		if err := rows.Scan(&entry.SubscriptionID, &entry.EventID, &entry.EventType, &data, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &entry.EventData); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		history = append(history, entry)
	}
	return history, rows.Err()
}

// SaveStatisticsSnapshot stores a statistics snapshot
func (r *Repository) SaveStatisticsSnapshot(ctx context.Context, snapshot storage.StatisticsSnapshot) error {
	byTier, err := json.Marshal(snapshot.ByTier)
	if err != nil {
		return fmt.Errorf("failed to marshal statistics: %w", err)
	}
	if _, err := r.conns.Primary().ExecContext(ctx,
		"INSERT INTO subscription_statistics (id, taken_at, total, by_tier) VALUES ($1, $2, $3, $4)",
		snapshot.ID, snapshot.TakenAt, snapshot.Total, byTier,
	); err != nil {
		return fmt.Errorf("failed to save statistics: %w", err)
	}
	r.logger.WithFields(logrus.Fields{"snapshot_id": snapshot.ID, "total": snapshot.Total}).Debug("Saved statistics snapshot")
	return nil
}

// HealthCheck pings the database
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.conns.HealthCheck(ctx)
}
