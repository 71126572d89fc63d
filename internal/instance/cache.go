package instance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/robalyx/botfleet/internal/database/types"
	"github.com/robalyx/botfleet/pkg/utils"
	"golang.org/x/sync/singleflight"
)

// InstanceGetter loads a single instance record.
type InstanceGetter interface {
	GetInstance(ctx context.Context, id snowflake.ID) (*types.Instance, error)
}

// ConfigCache keeps recently used instance configs in memory. Concurrent
// misses for the same instance share one store lookup. Returned configs are
// shared and must not be modified.
type ConfigCache struct {
	store   InstanceGetter
	entries *utils.TTLMap[snowflake.ID, *types.InstanceConfig]
	group   singleflight.Group

	// generations counts invalidations per instance. A load only caches its
	// result if no invalidation happened while it was in flight.
	mu          sync.Mutex
	generations map[snowflake.ID]uint64
}

// NewConfigCache creates a cache whose entries live for ttl.
func NewConfigCache(store InstanceGetter, ttl time.Duration) *ConfigCache {
	return &ConfigCache{
		store:       store,
		entries:     utils.NewTTLMap[snowflake.ID, *types.InstanceConfig](ttl),
		generations: make(map[snowflake.ID]uint64),
	}
}

// Get returns the config of an instance, loading it on a miss.
func (c *ConfigCache) Get(ctx context.Context, id snowflake.ID) (*types.InstanceConfig, error) {
	if cfg, ok := c.entries.Get(id); ok {
		return cfg, nil
	}

	v, err, _ := c.group.Do(id.String(), func() (any, error) {
		gen := c.generation(id)

		instance, err := c.store.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}

		cfg := instance.Config

		c.mu.Lock()
		if c.generations[id] == gen {
			c.entries.Set(id, &cfg)
		}
		c.mu.Unlock()

		return &cfg, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load instance config: %w", err)
	}

	return v.(*types.InstanceConfig), nil
}

// Invalidate drops the cached config of an instance. A load already in
// flight still answers its callers but is not cached, and later lookups
// start a fresh load.
func (c *ConfigCache) Invalidate(id snowflake.ID) {
	c.mu.Lock()
	c.generations[id]++
	c.entries.Delete(id)
	c.mu.Unlock()

	c.group.Forget(id.String())
}

func (c *ConfigCache) generation(id snowflake.ID) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.generations[id]
}

// Close stops the cache's background sweep.
func (c *ConfigCache) Close() {
	c.entries.Close()
}
