// Package cache keeps recent post listings in memory so dashboards polling
// a target do not hit the database on every request.
package cache

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/ristretto/v2"
	"rival_scrooper/config"
	"rival_scrooper/metrics"
	"rival_scrooper/models"
)

// PostCache caches post listings per target and profile. Entries for a target
// are dropped together when a scrape for it completes.
type PostCache struct {
	store *ristretto.Cache[string, []models.Post]
	ttl   time.Duration

	mu   sync.Mutex
	keys map[string]map[string]struct{} // target id -> cache keys
	gens map[string]uint64              // target id -> invalidation count
}

func New(cfg config.CacheConfig) (*PostCache, error) {
	maxItems := cfg.MaxItems
	if maxItems <= 0 {
		maxItems = 1000
	}
	store, err := ristretto.NewCache(&ristretto.Config[string, []models.Post]{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create post cache")
	}
	return &PostCache{
		store: store,
		ttl:   cfg.TTL,
		keys:  make(map[string]map[string]struct{}),
		gens:  make(map[string]uint64),
	}, nil
}

func key(targetID, profileID string) string {
	return targetID + "|" + profileID
}

func (c *PostCache) Get(targetID, profileID string) ([]models.Post, bool) {
	posts, ok := c.store.Get(key(targetID, profileID))
	if ok {
		metrics.CacheRequests.WithLabelValues("hit").Inc()
	} else {
		metrics.CacheRequests.WithLabelValues("miss").Inc()
	}
	return posts, ok
}

// Generation returns the target's invalidation count. Read it before loading
// a listing from the database and hand it back to Set.
func (c *PostCache) Generation(targetID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[targetID]
}

// Set stores a listing loaded at generation gen. The listing is dropped when
// the target was invalidated since, so a read that raced a completing scrape
// cannot bring back stale posts. Each listing costs one slot regardless of length.
func (c *PostCache) Set(targetID, profileID string, gen uint64, posts []models.Post) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[targetID] != gen {
		metrics.CacheRequests.WithLabelValues("stale").Inc()
		return false
	}

	k := key(targetID, profileID)
	if !c.store.SetWithTTL(k, posts, 1, c.ttl) {
		return false
	}
	c.store.Wait()

	set, ok := c.keys[targetID]
	if !ok {
		set = make(map[string]struct{})
		c.keys[targetID] = set
	}
	set[k] = struct{}{}
	return true
}

// InvalidateTarget drops every cached listing for the target.
func (c *PostCache) InvalidateTarget(_, targetID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[targetID]++
	for k := range c.keys[targetID] {
		c.store.Del(k)
	}
	delete(c.keys, targetID)
	// listings cached without a profile filter use an empty profile id
	c.store.Del(key(targetID, ""))
}

func (c *PostCache) Close() {
	c.store.Close()
}
