package geocode

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/golang/groupcache/lru"

	"disaster-relay/observability"
)

// Geocode request outcomes.
const (
	outcomeSuccess    = "success"
	outcomeCacheHit   = "cache_hit"
	outcomeUnresolved = "unresolved"
	outcomeError      = "error"
)

// Cached wraps a Geocoder with an in-memory LRU cache keyed by normalized name.
type Cached struct {
	inner   Geocoder
	metrics *observability.Metrics

	mu    sync.Mutex
	cache *lru.Cache
}

// NewCached creates a cache decorator around a geocoder.
func NewCached(inner Geocoder, maxEntries int, metrics *observability.Metrics) *Cached {
	return &Cached{
		inner:   inner,
		metrics: metrics,
		cache:   lru.New(maxEntries),
	}
}

// Geocode implements Geocoder.
func (c *Cached) Geocode(ctx context.Context, name string) (Result, error) {
	key := normalize(name)

	c.mu.Lock()
	v, ok := c.cache.Get(key)
	c.mu.Unlock()
	if ok {
		c.metrics.GeocodeRequests.WithLabelValues(outcomeCacheHit).Inc()
		result := v.(Result)
		result.Name = strings.TrimSpace(name)
		return result, nil
	}

	result, err := c.inner.Geocode(ctx, name)
	switch {
	case errors.Is(err, ErrUnresolvedLocation):
		// Not cached, so a corrected upstream entry is picked up on the next try.
		c.metrics.GeocodeRequests.WithLabelValues(outcomeUnresolved).Inc()
		return Result{}, err
	case err != nil:
		c.metrics.GeocodeRequests.WithLabelValues(outcomeError).Inc()
		return Result{}, err
	}

	c.metrics.GeocodeRequests.WithLabelValues(outcomeSuccess).Inc()
	c.mu.Lock()
	c.cache.Add(key, result)
	c.mu.Unlock()
	return result, nil
}

func normalize(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
