package entitlements

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plangate/pkg/plans"
	"github.com/platinummonkey/plangate/pkg/subscription"
)

func headerOrg(r *http.Request) string {
	return r.Header.Get("X-Organization-ID")
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_RequireFeature(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "org-pro", "pro", subscription.StatusActive, subscription.UsageUpdate{})
	m := NewMiddleware(f.evaluator, headerOrg)
	handler := m.RequireFeature(plans.FeatureExports)(okHandler())

	tests := []struct {
		name   string
		orgID  string
		status int
	}{
		{"allowed", "org-pro", http.StatusOK},
		{"no subscription", "org-none", http.StatusPaymentRequired},
		{"missing organization", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/exports", nil)
			if tt.orgID != "" {
				req.Header.Set("X-Organization-ID", tt.orgID)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	t.Run("feature not in plan", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/sso", nil)
		req.Header.Set("X-Organization-ID", "org-pro")
		rec := httptest.NewRecorder()
		m.RequireFeature(plans.FeatureSSO)(okHandler()).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, rec.Body.String(), ReasonFeatureNotInPlan)
	})
}

func TestMiddleware_RequireUsage(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "org-basic", "basic", subscription.StatusActive, subscription.UsageUpdate{TeamMembers: plans.Int64(3)})
	m := NewMiddleware(f.evaluator, headerOrg)
	handler := m.RequireUsage(plans.MetricTeamMembers, func(r *http.Request) int64 {
		n, _ := strconv.ParseInt(r.URL.Query().Get("seats"), 10, 64)
		return n
	})(okHandler())

	t.Run("success - within limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/members?seats=3", nil)
		req.Header.Set("X-Organization-ID", "org-basic")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("over limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/members?seats=4", nil)
		req.Header.Set("X-Organization-ID", "org-basic")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusForbidden, rec.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, float64(3), body["limit"])
		assert.Equal(t, float64(3), body["current_usage"])
	})

	t.Run("nil amount checks a single unit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/members", nil)
		req.Header.Set("X-Organization-ID", "org-basic")
		rec := httptest.NewRecorder()
		m.RequireUsage(plans.MetricTeamMembers, nil)(okHandler()).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
