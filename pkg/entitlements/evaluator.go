// Package entitlements answers what an organization may do under its current
// subscription: which features it can use and whether a requested amount of a
// metered resource fits its plan limits.
//
// Checks never mutate the subscription and fail closed: if the subscription or
// plan cannot be loaded, access is denied with ReasonCheckFailed. Usage is
// written through separate paths; UpdateUsage sets absolute counts through the
// aggregate and IncrementAPIRequests adds atomically in the repository.
package entitlements

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plangate/pkg/observability"
	"github.com/platinummonkey/plangate/pkg/plans"
	"github.com/platinummonkey/plangate/pkg/storage"
	"github.com/platinummonkey/plangate/pkg/subscription"
)

// Metric is a metered resource
type Metric = plans.Metric

// Denial reasons
const (
	ReasonNoSubscription   = "no active subscription"
	ReasonInactive         = "subscription inactive"
	ReasonFeatureNotInPlan = "feature not in plan"
	ReasonLimitExceeded    = "usage limit exceeded"
	ReasonCheckFailed      = "entitlement check failed"
)

const (
	checkFeature = "feature"
	checkUsage   = "usage"
)

// FeatureAccess is the result of a feature check. Reason is set on denial.
type FeatureAccess struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// UsageCheck is the result of a usage check. Limit and CurrentUsage are
// reported even when the request is denied; Limit is plans.Unlimited when the
// plan places no bound on the metric.
type UsageCheck struct {
	Allowed      bool   `json:"allowed"`
	Limit        int64  `json:"limit"`
	CurrentUsage int64  `json:"current_usage"`
	Reason       string `json:"reason,omitempty"`
}

// UsageUpdater applies absolute usage counts through the subscription aggregate
type UsageUpdater interface {
	UpdateUsage(ctx context.Context, organizationID string, update subscription.UsageUpdate) (*subscription.Subscription, error)
}

// Options wires an Evaluator
type Options struct {
	Subscriptions storage.SubscriptionReader
	Usage         storage.UsageWriter
	Updater       UsageUpdater
	Catalog       plans.Catalog
	Metrics       *observability.Metrics
	Logger        logrus.FieldLogger
}

// Evaluator evaluates entitlements
type Evaluator struct {
	subs    storage.SubscriptionReader
	usage   storage.UsageWriter
	updater UsageUpdater
	catalog plans.Catalog
	metrics *observability.Metrics
	logger  logrus.FieldLogger
}

// NewEvaluator creates an Evaluator
func NewEvaluator(opts Options) (*Evaluator, error) {
	if opts.Subscriptions == nil || opts.Catalog == nil {
		return nil, errors.New("subscription reader and plan catalog are required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Evaluator{
		subs:    opts.Subscriptions,
		usage:   opts.Usage,
		updater: opts.Updater,
		catalog: opts.Catalog,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}, nil
}

// load returns the organization's subscription, or nil when it has none
func (e *Evaluator) load(ctx context.Context, organizationID string) (*subscription.Subscription, error) {
	sub, err := e.subs.GetSubscriptionByOrganizationID(ctx, organizationID)
	if subscription.IsNotFound(err) {
		return nil, nil
	}
	return sub, err
}

func (e *Evaluator) failClosed(check, organizationID string, err error) {
	e.logger.WithFields(logrus.Fields{
		"organization_id": organizationID,
		"check":           check,
	}).WithError(err).Error("Entitlement check failed, denying")
}

// CheckFeatureAccess reports whether the organization may use featureID.
// Organizations without an active subscription get the basic-tier features.
func (e *Evaluator) CheckFeatureAccess(ctx context.Context, organizationID, featureID string) FeatureAccess {
	access := e.checkFeatureAccess(ctx, organizationID, featureID)
	e.metrics.RecordEntitlementCheck(checkFeature, access.Allowed)
	return access
}

func (e *Evaluator) checkFeatureAccess(ctx context.Context, organizationID, featureID string) FeatureAccess {
	sub, err := e.load(ctx, organizationID)
	if err != nil {
		e.failClosed(checkFeature, organizationID, err)
		return FeatureAccess{Reason: ReasonCheckFailed}
	}

	if sub == nil || !sub.IsActive() {
		reason := ReasonNoSubscription
		if sub != nil {
			reason = ReasonInactive
		}
		all, err := e.catalog.ListPlans(ctx)
		if err != nil {
			e.failClosed(checkFeature, organizationID, err)
			return FeatureAccess{Reason: ReasonCheckFailed}
		}
		if plans.BasicFeatures(all)[featureID] {
			return FeatureAccess{Allowed: true}
		}
		return FeatureAccess{Reason: reason}
	}

	plan, err := e.catalog.GetPlan(ctx, sub.PlanID())
	if err != nil {
		e.failClosed(checkFeature, organizationID, err)
		return FeatureAccess{Reason: ReasonCheckFailed}
	}
	if !plan.HasFeature(featureID) {
		return FeatureAccess{Reason: ReasonFeatureNotInPlan}
	}
	return FeatureAccess{Allowed: true}
}

// currentUsage returns the recorded value for a metric. Metrics the
// subscription does not count report zero.
func currentUsage(u subscription.Usage, metric Metric) int64 {
	switch metric {
	case plans.MetricTeamMembers:
		return u.TeamMembers
	case plans.MetricMediaStorage:
		return u.MediaStorage
	case plans.MetricAPIRequests:
		return u.APIRequests
	}
	return 0
}

// CheckUsageLimit reports whether requested units of metric fit the plan
// limit. A known metric the plan does not limit, or an Unlimited limit, is
// always allowed; otherwise requested must not exceed the limit. Unknown
// metrics are denied with ReasonCheckFailed.
func (e *Evaluator) CheckUsageLimit(ctx context.Context, organizationID string, metric Metric, requested int64) UsageCheck {
	if !metric.Valid() {
		e.failClosed(checkUsage, organizationID, fmt.Errorf("unknown metric %q", metric))
		e.metrics.RecordEntitlementCheck(checkUsage+":unknown", false)
		return UsageCheck{Reason: ReasonCheckFailed}
	}
	check := e.checkUsageLimit(ctx, organizationID, metric, requested)
	e.metrics.RecordEntitlementCheck(checkUsage+":"+string(metric), check.Allowed)
	return check
}

func (e *Evaluator) checkUsageLimit(ctx context.Context, organizationID string, metric Metric, requested int64) UsageCheck {
	sub, err := e.load(ctx, organizationID)
	if err != nil {
		e.failClosed(checkUsage, organizationID, err)
		return UsageCheck{Reason: ReasonCheckFailed}
	}
	if sub == nil {
		return UsageCheck{Reason: ReasonNoSubscription}
	}

	current := currentUsage(sub.Usage(), metric)
	if !sub.IsActive() {
		return UsageCheck{CurrentUsage: current, Reason: ReasonInactive}
	}

	plan, err := e.catalog.GetPlan(ctx, sub.PlanID())
	if err != nil {
		e.failClosed(checkUsage, organizationID, err)
		return UsageCheck{CurrentUsage: current, Reason: ReasonCheckFailed}
	}

	limit, ok := plan.Limits.For(metric)
	if !ok || limit == plans.Unlimited {
		return UsageCheck{Allowed: true, Limit: plans.Unlimited, CurrentUsage: current}
	}
	if requested <= limit {
		return UsageCheck{Allowed: true, Limit: limit, CurrentUsage: current}
	}
	return UsageCheck{
		Limit:        limit,
		CurrentUsage: current,
		Reason:       fmt.Sprintf("%s: %s limit is %d, requested %d", ReasonLimitExceeded, metric, limit, requested),
	}
}

// UpdateUsage sets the absolute count of a metric. It is not additive;
// callers supply the final value.
func (e *Evaluator) UpdateUsage(ctx context.Context, organizationID string, metric Metric, value int64) (subscription.Usage, error) {
	if e.updater == nil {
		return subscription.Usage{}, errors.New("usage updates are not configured")
	}
	if value < 0 {
		return subscription.Usage{}, subscription.NewValidationError("value", "must not be negative")
	}

	var update subscription.UsageUpdate
	switch metric {
	case plans.MetricTeamMembers:
		update.TeamMembers = &value
	case plans.MetricMediaStorage:
		update.MediaStorage = &value
	case plans.MetricAPIRequests:
		update.APIRequests = &value
	default:
		return subscription.Usage{}, subscription.NewValidationError("metric", fmt.Sprintf("%s is not a recorded usage counter", metric))
	}

	sub, err := e.updater.UpdateUsage(ctx, organizationID, update)
	if err != nil {
		return subscription.Usage{}, fmt.Errorf("failed to update %s usage: %w", metric, err)
	}
	return sub.Usage(), nil
}

// IncrementAPIRequests adds delta to the API request counter atomically in
// the repository and returns the new total
func (e *Evaluator) IncrementAPIRequests(ctx context.Context, organizationID string, delta int64) (int64, error) {
	if e.usage == nil {
		return 0, errors.New("usage counters are not configured")
	}
	if delta <= 0 {
		return 0, subscription.NewValidationError("delta", "must be positive")
	}

	sub, err := e.subs.GetSubscriptionByOrganizationID(ctx, organizationID)
	if err != nil {
		return 0, err
	}
	total, err := e.usage.IncrementSubscriptionUsage(ctx, sub.ID(), plans.MetricAPIRequests, delta)
	if err != nil {
		return 0, fmt.Errorf("failed to increment api requests: %w", err)
	}
	return total, nil
}
