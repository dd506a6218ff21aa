package settings

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type Loader interface {
	Load(ctx context.Context) (ProviderConfig, error)
}

// Cache hands out ProviderConfig snapshots. Concurrent misses share one load;
// Invalidate forces the next Get to reload and discards any load already in
// flight. ttl bounds staleness across processes, where Invalidate is not seen.
type Cache struct {
	loader Loader
	ttl    time.Duration
	now    func() time.Time

	group    singleflight.Group
	mu       sync.RWMutex
	value    ProviderConfig
	loadedAt time.Time
	valid    bool
	gen      uint64
}

func NewCache(loader Loader, ttl time.Duration) *Cache {
	return &Cache{loader: loader, ttl: ttl, now: time.Now}
}

func (c *Cache) Get(ctx context.Context) (ProviderConfig, error) {
	c.mu.RLock()
	if c.valid && (c.ttl <= 0 || c.now().Sub(c.loadedAt) < c.ttl) {
		v := c.value
		c.mu.RUnlock()
		return v, nil
	}
	gen := c.gen
	c.mu.RUnlock()

	v, err, _ := c.group.Do(flightKey(gen), func() (any, error) {
		cfg, err := c.loader.Load(ctx)
		if err != nil {
			return ProviderConfig{}, err
		}
		c.mu.Lock()
		if c.gen == gen {
			c.value = cfg
			c.loadedAt = c.now()
			c.valid = true
		}
		c.mu.Unlock()
		return cfg, nil
	})
	if err != nil {
		return ProviderConfig{}, err
	}
	return v.(ProviderConfig), nil
}

func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.gen++
	c.mu.Unlock()
}

func flightKey(gen uint64) string {
	return "provider_config:" + strconv.FormatUint(gen, 10)
}
