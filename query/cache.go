package query

import "sync"

// PlanCache memoizes AccessPlan construction keyed by a query's
// serialized bytes, avoiding re-walking index.Manager on every
// repeated find() for the same shape of query.
type PlanCache struct {
	mu    sync.RWMutex
	plans map[string]*AccessPlan
}

func NewPlanCache() *PlanCache {
	return &PlanCache{plans: make(map[string]*AccessPlan)}
}

func (c *PlanCache) Get(key []byte) (*AccessPlan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.plans[string(key)]
	return p, ok
}

func (c *PlanCache) Put(key []byte, plan *AccessPlan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plans[string(key)] = plan
}

// Invalidate drops every cached plan. A schema change (CreateIndex,
// DropIndex) can change which access path is optimal for an existing
// query shape, so plans don't survive index changes.
func (c *PlanCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plans = make(map[string]*AccessPlan)
}

// ResultCache memoizes the full result id-list for a query's
// serialized bytes. Invalidated wholesale on any mutation rather than
// tracked per-affected-row: this module's write volume doesn't justify
// the bookkeeping a fine-grained invalidation scheme would need, and a
// stale-but-correct-by-full-wipe cache is far simpler to reason about.
type ResultCache struct {
	mu      sync.RWMutex
	results map[string][]uint64
}

func NewResultCache() *ResultCache {
	return &ResultCache{results: make(map[string][]uint64)}
}

func (c *ResultCache) Get(key []byte) ([]uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids, ok := c.results[string(key)]
	return ids, ok
}

func (c *ResultCache) Put(key []byte, ids []uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[string(key)] = ids
}

// InvalidateAll wipes every cached result. Called after any insert,
// update, or delete on the owning collection.
func (c *ResultCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = make(map[string][]uint64)
}
