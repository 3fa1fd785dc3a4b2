// Package plans holds the plan catalog: tiers, prices, feature sets and
// numeric limits.
//
// Plans are immutable values. StaticCatalog serves a fixed set (the built-in
// DefaultPlans or a YAML file, optionally hot-reloaded with Watch) and
// CachedCatalog fronts a repository with an expiring LRU. Both implement
// Catalog and are safe for concurrent readers.
//
// A limit of Unlimited (-1) removes the bound. An optional limit left nil is
// not metered at all.
//
// Catalog file layout:
//
//	plans:
//	  - id: pro
//	    tier: pro
//	    display_name: Pro
//	    provider_price_id: price_123
//	    price: {monthly: 4900, yearly: 49000, currency: usd}
//	    features:
//	      - {id: api_access, enabled: true, tier: pro}
//	    limits:
//	      team_members: 25
//	      media_storage: 107374182400
//	      custom_dashboards: 25
//	      api_requests: 1000000
package plans
