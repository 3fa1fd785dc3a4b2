package plans

const (
	gigabyte = 1024 * 1024 * 1024
)

// Feature ids of the default catalog
const (
	FeatureBasicAnalytics    = "basic_analytics"
	FeatureCustomDashboards  = "custom_dashboards"
	FeatureMediaLibrary      = "media_library"
	FeatureAPIAccess         = "api_access"
	FeatureAdvancedAnalytics = "advanced_analytics"
	FeatureExports           = "exports"
	FeatureSSO               = "sso"
	FeatureAuditLog          = "audit_log"
	FeaturePrioritySupport   = "priority_support"
)

func features(enabled map[string]bool) []Feature {
	all := []Feature{
		{ID: FeatureBasicAnalytics, Tier: TierBasic},
		{ID: FeatureCustomDashboards, Tier: TierBasic},
		{ID: FeatureMediaLibrary, Tier: TierBasic},
		{ID: FeatureAPIAccess, Tier: TierPro},
		{ID: FeatureAdvancedAnalytics, Tier: TierPro},
		{ID: FeatureExports, Tier: TierPro},
		{ID: FeatureSSO, Tier: TierEnterprise},
		{ID: FeatureAuditLog, Tier: TierEnterprise},
		{ID: FeaturePrioritySupport, Tier: TierEnterprise},
	}
	for i := range all {
		all[i].Enabled = enabled[all[i].ID]
	}
	return all
}

// DefaultPlans returns the built-in plan catalog used when no catalog file
// is configured
func DefaultPlans() []Plan {
	basicSet := map[string]bool{
		FeatureBasicAnalytics:   true,
		FeatureCustomDashboards: true,
		FeatureMediaLibrary:     true,
	}
	proSet := map[string]bool{
		FeatureAPIAccess:         true,
		FeatureAdvancedAnalytics: true,
		FeatureExports:           true,
	}
	for k := range basicSet {
		proSet[k] = true
	}
	enterpriseSet := map[string]bool{
		FeatureSSO:             true,
		FeatureAuditLog:        true,
		FeaturePrioritySupport: true,
	}
	for k := range proSet {
		enterpriseSet[k] = true
	}

	return []Plan{
		{
			ID:          "basic",
			Tier:        TierBasic,
			DisplayName: "Basic",
			Price:       Price{Monthly: 0, Yearly: 0, Currency: "usd"},
			Features:    features(basicSet),
			Limits: Limits{
				TeamMembers:      3,
				MediaStorage:     1 * gigabyte,
				CustomDashboards: 3,
				APIRequests:      Int64(10000),
				ConcurrentUsers:  Int64(5),
			},
		},
		{
			ID:          "pro",
			Tier:        TierPro,
			DisplayName: "Pro",
			Price:       Price{Monthly: 4900, Yearly: 49000, Currency: "usd"}, // $49/month
			Features:    features(proSet),
			Limits: Limits{
				TeamMembers:      25,
				MediaStorage:     100 * gigabyte,
				CustomDashboards: 25,
				APIRequests:      Int64(1000000),
			},
		},
		{
			ID:          "enterprise",
			Tier:        TierEnterprise,
			DisplayName: "Enterprise",
			Price:       Price{Monthly: 49900, Yearly: 499000, Currency: "usd"}, // $499/month
			Features:    features(enterpriseSet),
			Limits: Limits{
				TeamMembers:      Unlimited,
				MediaStorage:     Unlimited,
				CustomDashboards: Unlimited,
				APIRequests:      Int64(Unlimited),
				ConcurrentUsers:  Int64(Unlimited),
			},
		},
	}
}
