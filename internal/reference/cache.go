package reference

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wonny/tradeflow/pkg/logger"
	"github.com/wonny/tradeflow/pkg/redis"
)

// DefaultTTL is the refresh interval of the reference set
const DefaultTTL = 24 * time.Hour

// Cache holds the last loaded reference set and refreshes it after ttl.
// With an enabled shared cache, processes reuse each other's loads.
type Cache struct {
	source Source
	shared *redis.Cache
	key    string
	ttl    time.Duration
	logger *logger.Logger

	mu       sync.Mutex
	set      *Set
	loadedAt time.Time
	now      func() time.Time
}

// NewCache creates a reference cache. shared may be nil.
func NewCache(source Source, shared *redis.Cache, key string, ttl time.Duration, log *logger.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		source: source,
		shared: shared,
		key:    redis.ReferenceKey(key),
		ttl:    ttl,
		logger: log.Module("reference"),
		now:    time.Now,
	}
}

// Get returns a fresh reference set, loading it when stale
func (c *Cache) Get(ctx context.Context) (*Set, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.set != nil && c.now().Sub(c.loadedAt) < c.ttl {
		return c.set, nil
	}

	if c.shared != nil {
		var set Set
		found, err := c.shared.Get(ctx, c.key, &set)
		if err != nil {
			c.logger.WithError(err).Warn("Shared reference cache read failed")
		}
		if found {
			c.set, c.loadedAt = &set, c.now()
			c.logger.Debug("Reference set from shared cache")
			return c.set, nil
		}
	}

	set, err := c.source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load reference: %w", err)
	}
	c.set, c.loadedAt = set, c.now()

	if c.shared != nil {
		if err := c.shared.Set(ctx, c.key, set, c.ttl); err != nil {
			c.logger.WithError(err).Warn("Shared reference cache write failed")
		}
	}

	return set, nil
}

// Invalidate forces the next Get to reload
func (c *Cache) Invalidate(ctx context.Context) {
	c.mu.Lock()
	c.set = nil
	c.mu.Unlock()

	if c.shared != nil {
		if err := c.shared.Delete(ctx, c.key); err != nil {
			c.logger.WithError(err).Warn("Shared reference cache delete failed")
		}
	}
}
