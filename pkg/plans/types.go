package plans

import (
	"context"
	"fmt"
)

// Tier represents a plan tier
type Tier string

const (
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Valid reports whether t is a known tier
func (t Tier) Valid() bool {
	switch t {
	case TierBasic, TierPro, TierEnterprise:
		return true
	}
	return false
}

// Unlimited marks a limit with no upper bound
const Unlimited int64 = -1

// Metric identifies a metered resource
type Metric string

const (
	MetricTeamMembers      Metric = "team_members"
	MetricMediaStorage     Metric = "media_storage"
	MetricCustomDashboards Metric = "custom_dashboards"
	MetricAPIRequests      Metric = "api_requests"
	MetricConcurrentUsers  Metric = "concurrent_users"
)

// AllMetrics returns every metered resource
func AllMetrics() []Metric {
	return []Metric{
		MetricTeamMembers,
		MetricMediaStorage,
		MetricCustomDashboards,
		MetricAPIRequests,
		MetricConcurrentUsers,
	}
}

// Valid reports whether m is a known metric
func (m Metric) Valid() bool {
	_, err := ParseMetric(string(m))
	return err == nil
}

// ParseMetric converts a string into a Metric
func ParseMetric(value string) (Metric, error) {
	for _, m := range AllMetrics() {
		if string(m) == value {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown metric %q", value)
}

// Price is expressed in minor currency units
type Price struct {
	Monthly  int64  `json:"monthly" yaml:"monthly"`
	Yearly   int64  `json:"yearly" yaml:"yearly"`
	Currency string `json:"currency" yaml:"currency"`
}

// Feature is a capability a plan may grant
type Feature struct {
	ID      string `json:"id" yaml:"id"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Tier    Tier   `json:"tier" yaml:"tier"`
}

// Limits holds the numeric allowances of a plan. Unlimited (-1) removes the
// bound; a nil optional limit means the plan does not meter that resource.
type Limits struct {
	TeamMembers      int64  `json:"team_members" yaml:"team_members"`
	MediaStorage     int64  `json:"media_storage" yaml:"media_storage"`
	CustomDashboards int64  `json:"custom_dashboards" yaml:"custom_dashboards"`
	APIRequests      *int64 `json:"api_requests,omitempty" yaml:"api_requests,omitempty"`
	ConcurrentUsers  *int64 `json:"concurrent_users,omitempty" yaml:"concurrent_users,omitempty"`
}

// For returns the limit for a metric. ok is false when the plan does not
// define a limit for it.
func (l Limits) For(metric Metric) (limit int64, ok bool) {
	switch metric {
	case MetricTeamMembers:
		return l.TeamMembers, true
	case MetricMediaStorage:
		return l.MediaStorage, true
	case MetricCustomDashboards:
		return l.CustomDashboards, true
	case MetricAPIRequests:
		if l.APIRequests == nil {
			return 0, false
		}
		return *l.APIRequests, true
	case MetricConcurrentUsers:
		if l.ConcurrentUsers == nil {
			return 0, false
		}
		return *l.ConcurrentUsers, true
	}
	return 0, false
}

// Plan is an immutable subscription plan
type Plan struct {
	ID              string    `json:"id" yaml:"id"`
	Tier            Tier      `json:"tier" yaml:"tier"`
	DisplayName     string    `json:"display_name" yaml:"display_name"`
	Price           Price     `json:"price" yaml:"price"`
	ProviderPriceID string    `json:"provider_price_id,omitempty" yaml:"provider_price_id,omitempty"`
	Features        []Feature `json:"features" yaml:"features"`
	Limits          Limits    `json:"limits" yaml:"limits"`
}

// HasFeature reports whether the plan lists featureID as enabled
func (p Plan) HasFeature(featureID string) bool {
	for _, f := range p.Features {
		if f.ID == featureID {
			return f.Enabled
		}
	}
	return false
}

// Validate checks the plan for structural errors
func (p Plan) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("plan id is required")
	}
	if !p.Tier.Valid() {
		return fmt.Errorf("plan %s: invalid tier %q", p.ID, p.Tier)
	}
	for _, m := range AllMetrics() {
		if limit, ok := p.Limits.For(m); ok && limit < Unlimited {
			return fmt.Errorf("plan %s: limit %s must be -1 or greater", p.ID, m)
		}
	}
	seen := make(map[string]bool, len(p.Features))
	for _, f := range p.Features {
		if f.ID == "" {
			return fmt.Errorf("plan %s: feature id is required", p.ID)
		}
		if seen[f.ID] {
			return fmt.Errorf("plan %s: duplicate feature %s", p.ID, f.ID)
		}
		if !f.Tier.Valid() {
			return fmt.Errorf("plan %s: feature %s has invalid tier %q", p.ID, f.ID, f.Tier)
		}
		seen[f.ID] = true
	}
	return nil
}

// Catalog provides read access to plans. Implementations are safe for
// concurrent use and return subscription.ErrPlanNotFound for unknown ids.
type Catalog interface {
	GetPlan(ctx context.Context, id string) (Plan, error)
	ListPlans(ctx context.Context) ([]Plan, error)
}

// BasicFeatures returns the ids of enabled features tagged with the basic tier
// across all plans. Organizations without an active subscription get exactly
// this set.
func BasicFeatures(all []Plan) map[string]bool {
	out := make(map[string]bool)
	for _, p := range all {
		for _, f := range p.Features {
			if f.Tier == TierBasic && f.Enabled {
				out[f.ID] = true
			}
		}
	}
	return out
}

// FindByPriceID returns the plan whose provider price id matches priceID
func FindByPriceID(ctx context.Context, c Catalog, priceID string) (Plan, bool, error) {
	if priceID == "" {
		return Plan{}, false, nil
	}
	all, err := c.ListPlans(ctx)
	if err != nil {
		return Plan{}, false, err
	}
	for _, p := range all {
		if p.ProviderPriceID == priceID {
			return p, true, nil
		}
	}
	return Plan{}, false, nil
}

// Int64 returns a pointer to v, for optional limits
func Int64(v int64) *int64 {
	return &v
}
