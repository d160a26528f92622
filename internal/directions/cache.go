package directions

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"schoolbus-tracker/internal/models"
)

// CachingFetcher deduplicates identical route requests across sessions. Parents tracking
// the same bus to the same stop receive the same fixes at the same moment, so their
// fetches share one provider call. Endpoints are quantized to 4 decimals (about 11 m).
type CachingFetcher struct {
	next       Fetcher
	ttl        time.Duration
	maxEntries int

	cache map[string]*cacheEntry
	mutex sync.Mutex
	stats cacheStats
}

type cacheEntry struct {
	route        Route
	createdAt    time.Time
	lastAccessed time.Time
	hitCount     int
}

type cacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

// NewCachingFetcher wraps next with a cache of at most maxEntries routes, each valid for ttl
func NewCachingFetcher(next Fetcher, ttl time.Duration, maxEntries int) *CachingFetcher {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &CachingFetcher{
		next:       next,
		ttl:        ttl,
		maxEntries: maxEntries,
		cache:      make(map[string]*cacheEntry),
	}
}

func cacheKey(origin, destination models.Coordinate) string {
	return fmt.Sprintf("%.4f,%.4f_%.4f,%.4f",
		origin.Latitude, origin.Longitude,
		destination.Latitude, destination.Longitude,
	)
}

// FetchRoute returns a cached route when one is fresh, else calls through. Errors are not cached.
func (c *CachingFetcher) FetchRoute(ctx context.Context, origin, destination models.Coordinate) (*Route, error) {
	key := cacheKey(origin, destination)
	now := time.Now()

	c.mutex.Lock()
	if entry, ok := c.cache[key]; ok {
		if now.Sub(entry.createdAt) <= c.ttl {
			entry.lastAccessed = now
			entry.hitCount++
			c.stats.Hits++
			route := entry.route.clone()
			c.mutex.Unlock()
			return route, nil
		}
		delete(c.cache, key)
		c.stats.Evictions++
	}
	c.stats.Misses++
	c.mutex.Unlock()

	route, err := c.next.FetchRoute(ctx, origin, destination)
	if err != nil {
		return nil, err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if len(c.cache) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.cache[key] = &cacheEntry{
		route:        *route.clone(),
		createdAt:    now,
		lastAccessed: now,
	}
	return route, nil
}

// evictLocked drops expired entries, or the least recently used one if none expired
func (c *CachingFetcher) evictLocked(now time.Time) {
	var oldestKey string
	var oldestTime time.Time

	expired := 0
	for key, entry := range c.cache {
		if now.Sub(entry.createdAt) > c.ttl {
			delete(c.cache, key)
			expired++
			continue
		}
		if oldestKey == "" || entry.lastAccessed.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.lastAccessed
		}
	}
	c.stats.Evictions += int64(expired)

	if expired == 0 && oldestKey != "" {
		delete(c.cache, oldestKey)
		c.stats.Evictions++
		log.Printf("🗑️  Evicted oldest route cache entry: %s", oldestKey)
	}
}

// GetStats returns cache statistics
func (c *CachingFetcher) GetStats() map[string]interface{} {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	hitRate := 0.0
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		hitRate = float64(c.stats.Hits) / float64(total) * 100
	}

	return map[string]interface{}{
		"cache_size":  len(c.cache),
		"max_entries": c.maxEntries,
		"hits":        c.stats.Hits,
		"misses":      c.stats.Misses,
		"hit_rate":    fmt.Sprintf("%.2f%%", hitRate),
		"evictions":   c.stats.Evictions,
		"ttl_ms":      c.ttl.Milliseconds(),
	}
}

func (r *Route) clone() *Route {
	out := &Route{Path: append(models.RoutePath(nil), r.Path...)}
	if r.DurationMinutes != nil {
		d := *r.DurationMinutes
		out.DurationMinutes = &d
	}
	return out
}
