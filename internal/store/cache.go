package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Querier is the read side of the store; Cache wraps any implementation.
// The status and monitor commands read through it.
type Querier interface {
	Query(ctx context.Context, target string, start, end time.Time, limit int) ([]Record, error)
	BatchQuery(ctx context.Context, targets []string, start, end time.Time, limit int) (map[string][]Record, error)
	LatestPerTarget(ctx context.Context, targets []string) (map[string]Record, error)
	Identities(ctx context.Context) ([]TargetIdentity, error)
}

var (
	_ Querier = (*Store)(nil)
	_ Querier = (*Cache)(nil)
)

// Cache is a read-through TTL cache over a Querier. Entries expire by time
// only; writers never invalidate, so a read may be up to one TTL stale.
// That tradeoff keeps hot status views from hammering SQLite.
type Cache struct {
	inner Querier
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry

	now func() time.Time
}

type cacheEntry struct {
	fetched    time.Time
	records    []Record
	grouped    map[string][]Record
	latest     map[string]Record
	identities []TargetIdentity
}

// NewCache wraps inner with a TTL cache. A non-positive ttl falls back to
// 30 seconds.
func NewCache(inner Querier, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{
		inner:   inner,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Query serves from cache when a fresh entry exists, otherwise falls
// through to the wrapped Querier.
func (c *Cache) Query(ctx context.Context, target string, start, end time.Time, limit int) ([]Record, error) {
	key := fmt.Sprintf("q|%s|%d|%d|%d", target, start.UnixNano(), end.UnixNano(), limit)

	if e, ok := c.lookup(key); ok {
		return e.records, nil
	}

	recs, err := c.inner.Query(ctx, target, start, end, limit)
	if err != nil {
		return nil, err
	}
	c.put(key, cacheEntry{records: recs})
	return recs, nil
}

// BatchQuery is the cached counterpart of Store.BatchQuery. The key covers
// the full target set, so asking for a different set is a distinct entry.
func (c *Cache) BatchQuery(ctx context.Context, targets []string, start, end time.Time, limit int) (map[string][]Record, error) {
	sorted := append([]string(nil), targets...)
	sort.Strings(sorted)
	key := fmt.Sprintf("b|%s|%d|%d|%d", strings.Join(sorted, ","), start.UnixNano(), end.UnixNano(), limit)

	if e, ok := c.lookup(key); ok {
		return e.grouped, nil
	}

	recs, err := c.inner.BatchQuery(ctx, targets, start, end, limit)
	if err != nil {
		return nil, err
	}
	c.put(key, cacheEntry{grouped: recs})
	return recs, nil
}

// LatestPerTarget is the cached newest-record lookup behind the status
// table and the live monitor. With the monitor refreshing faster than the
// TTL, SQLite sees at most one query per TTL.
func (c *Cache) LatestPerTarget(ctx context.Context, targets []string) (map[string]Record, error) {
	sorted := append([]string(nil), targets...)
	sort.Strings(sorted)
	key := "l|" + strings.Join(sorted, ",")

	if e, ok := c.lookup(key); ok {
		return e.latest, nil
	}

	latest, err := c.inner.LatestPerTarget(ctx, targets)
	if err != nil {
		return nil, err
	}
	c.put(key, cacheEntry{latest: latest})
	return latest, nil
}

// Identities is the cached device-identity listing.
func (c *Cache) Identities(ctx context.Context) ([]TargetIdentity, error) {
	if e, ok := c.lookup("i"); ok {
		return e.identities, nil
	}

	ids, err := c.inner.Identities(ctx)
	if err != nil {
		return nil, err
	}
	c.put("i", cacheEntry{identities: ids})
	return ids, nil
}

func (c *Cache) lookup(key string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().Sub(e.fetched) >= c.ttl {
		return cacheEntry{}, false
	}
	return e, true
}

func (c *Cache) put(key string, e cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Drop anything already expired so the map does not grow without
	// bound across distinct query windows.
	now := c.now()
	for k, old := range c.entries {
		if now.Sub(old.fetched) >= c.ttl {
			delete(c.entries, k)
		}
	}
	e.fetched = now
	c.entries[key] = e
}
