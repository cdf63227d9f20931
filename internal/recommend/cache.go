package recommend

import (
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/ristretto"

	"github.com/fyrsmithlabs/graphfusion/internal/graph"
)

// traversalCache memoizes Traverse results. Keys embed the graph version,
// so any mutation makes older entries unreachable and ristretto evicts them
// over time.
type traversalCache struct {
	store  *ristretto.Cache
	hits   atomic.Uint64
	misses atomic.Uint64
}

func newTraversalCache(cfg CacheConfig) (*traversalCache, error) {
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        cfg.MaxEntries * 10,
		MaxCost:            cfg.MaxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating traversal cache: %w", err)
	}
	return &traversalCache{store: store}, nil
}

func cacheKey(version uint64, start string, depth int, minConfidence float64) string {
	return fmt.Sprintf("%d|%d|%g|%s", version, depth, minConfidence, start)
}

func (c *traversalCache) get(version uint64, start string, depth int, minConfidence float64) ([]graph.Reached, bool) {
	v, ok := c.store.Get(cacheKey(version, start, depth, minConfidence))
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return v.([]graph.Reached), true
}

// set stores reached. Ristretto admits asynchronously and may drop the
// entry under pressure.
func (c *traversalCache) set(version uint64, start string, depth int, minConfidence float64, reached []graph.Reached) {
	cost := int64(len(reached))
	if cost == 0 {
		cost = 1
	}
	c.store.Set(cacheKey(version, start, depth, minConfidence), reached, cost)
}

func (c *traversalCache) close() {
	c.store.Close()
}
