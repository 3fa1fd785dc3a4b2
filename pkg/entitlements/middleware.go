package entitlements

import (
	"net/http"

	"github.com/platinummonkey/plangate/pkg/httputil"
)

// OrgIDFunc extracts the organization id from a request. An empty id means
// the request carries no organization.
type OrgIDFunc func(r *http.Request) string

// AmountFunc returns the amount a request asks for
type AmountFunc func(r *http.Request) int64

// Middleware enforces entitlements on HTTP routes.
//
// Requests without an organization are rejected with 401; the middleware must
// run after whatever establishes the organization for OrgIDFunc to read.
type Middleware struct {
	evaluator *Evaluator
	orgID     OrgIDFunc
}

// NewMiddleware creates entitlement middleware
func NewMiddleware(evaluator *Evaluator, orgID OrgIDFunc) *Middleware {
	return &Middleware{evaluator: evaluator, orgID: orgID}
}

// statusFor maps a denial reason to a response code. Missing or lapsed
// subscriptions are a billing problem; everything else is a plan limit.
func statusFor(reason string) int {
	switch reason {
	case ReasonNoSubscription, ReasonInactive:
		return http.StatusPaymentRequired
	case ReasonCheckFailed:
		return http.StatusServiceUnavailable
	}
	return http.StatusForbidden
}

// RequireFeature rejects requests from organizations without featureID
func (m *Middleware) RequireFeature(featureID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			orgID := m.orgID(r)
			if orgID == "" {
				httputil.WriteUnauthorized(w, "organization required")
				return
			}

			access := m.evaluator.CheckFeatureAccess(r.Context(), orgID, featureID)
			if !access.Allowed {
				httputil.WriteErrorMessage(w, statusFor(access.Reason), access.Reason)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireUsage rejects requests whose amount exceeds the organization's limit
// for metric. A nil amount function checks a single unit.
func (m *Middleware) RequireUsage(metric Metric, amount AmountFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			orgID := m.orgID(r)
			if orgID == "" {
				httputil.WriteUnauthorized(w, "organization required")
				return
			}

			requested := int64(1)
			if amount != nil {
				requested = amount(r)
			}
			check := m.evaluator.CheckUsageLimit(r.Context(), orgID, metric, requested)
			if !check.Allowed {
				_ = httputil.WriteJSON(w, statusFor(check.Reason), map[string]any{
					"error":         check.Reason,
					"limit":         check.Limit,
					"current_usage": check.CurrentUsage,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
