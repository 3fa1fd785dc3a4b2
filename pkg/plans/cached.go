package plans

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Source loads plans from the system of record, typically the repository
type Source interface {
	GetSubscriptionPlanByID(ctx context.Context, id string) (Plan, error)
	GetAllSubscriptionPlans(ctx context.Context) ([]Plan, error)
}

const listKey = "\x00all"

// CachedCatalog fronts a Source with an expiring LRU. Concurrent misses for
// the same key share one load.
type CachedCatalog struct {
	source Source
	byID   *lru.LRU[string, Plan]
	list   *lru.LRU[string, []Plan]
	group  singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCachedCatalog creates a cached catalog holding at most size plans for ttl
func NewCachedCatalog(source Source, size int, ttl time.Duration) *CachedCatalog {
	if size < 10 {
		size = 10
	}
	return &CachedCatalog{
		source: source,
		byID:   lru.NewLRU[string, Plan](size, nil, ttl),
		list:   lru.NewLRU[string, []Plan](1, nil, ttl),
	}
}

// GetPlan returns a plan, loading it from the source on a miss
func (c *CachedCatalog) GetPlan(ctx context.Context, id string) (Plan, error) {
	if p, ok := c.byID.Get(id); ok {
		c.hits.Add(1)
		return p, nil
	}
	c.misses.Add(1)

	v, err, _ := c.group.Do(id, func() (any, error) {
		p, err := c.source.GetSubscriptionPlanByID(ctx, id)
		if err != nil {
			return Plan{}, err
		}
		c.byID.Add(id, p)
		return p, nil
	})
	if err != nil {
		return Plan{}, err
	}
	return v.(Plan), nil
}

// ListPlans returns all plans, loading them from the source on a miss
func (c *CachedCatalog) ListPlans(ctx context.Context) ([]Plan, error) {
	if all, ok := c.list.Get(listKey); ok {
		c.hits.Add(1)
		return copyPlans(all), nil
	}
	c.misses.Add(1)

	v, err, _ := c.group.Do(listKey, func() (any, error) {
		all, err := c.source.GetAllSubscriptionPlans(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load plans: %w", err)
		}
		c.list.Add(listKey, all)
		for _, p := range all {
			c.byID.Add(p.ID, p)
		}
		return all, nil
	})
	if err != nil {
		return nil, err
	}
	return copyPlans(v.([]Plan)), nil
}

// Invalidate drops every cached plan
func (c *CachedCatalog) Invalidate() {
	c.byID.Purge()
	c.list.Purge()
}

// Stats returns cache hit and miss counts
func (c *CachedCatalog) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func copyPlans(all []Plan) []Plan {
	out := make([]Plan, len(all))
	copy(out, all)
	return out
}
