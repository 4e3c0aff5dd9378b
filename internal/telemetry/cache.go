package telemetry

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"installcore/pkg/domain"
)

// DefaultCacheTTL bounds how stale a cached reading may be.
const DefaultCacheTTL = 30 * time.Second

// CachedSource memoizes successful lookups of another Source. Misses and errors
// are never cached.
type CachedSource struct {
	next  Source
	cache *ttlcache.Cache[string, domain.ServerData]
}

// NewCachedSource wraps next with a TTL cache. A non-positive ttl uses DefaultCacheTTL.
func NewCachedSource(next Source, ttl time.Duration) *CachedSource {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedSource{
		next: next,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, domain.ServerData](ttl),
			ttlcache.WithDisableTouchOnHit[string, domain.ServerData](),
		),
	}
}

// Reading implements Source.
func (c *CachedSource) Reading(ctx context.Context, deviceID string) (domain.ServerData, error) {
	if item := c.cache.Get(deviceID); item != nil {
		return item.Value(), nil
	}
	data, err := c.next.Reading(ctx, deviceID)
	if err != nil {
		return domain.ServerData{}, err
	}
	c.cache.Set(deviceID, data, ttlcache.DefaultTTL)
	return data, nil
}

// Invalidate drops the cached reading of a device.
func (c *CachedSource) Invalidate(deviceID string) {
	c.cache.Delete(deviceID)
}

// Len reports the number of cached readings.
func (c *CachedSource) Len() int {
	return c.cache.Len()
}

// Start runs expired-item cleanup until ctx is cancelled.
func (c *CachedSource) Start(ctx context.Context) {
	go c.cache.Start()
	<-ctx.Done()
	c.cache.Stop()
}
