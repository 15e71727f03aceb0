package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/model"
)

// Cache stores snapshots for a short TTL. Implementations hand out copies;
// a cached snapshot is never shared with a caller.
type Cache interface {
	Get(ctx context.Context, key string) (*model.HealthSnapshot, bool)
	Set(ctx context.Context, key string, snap *model.HealthSnapshot)
}

// CacheKey buckets both ends of the window so callers asking for nearly the
// same window share an entry, while different windows never do.
func CacheKey(service string, r model.TimeRange, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = time.Second
	}
	return fmt.Sprintf("aegis:snapshot:%s:%d:%d",
		service,
		r.Start.Truncate(bucket).Unix(),
		r.End.Truncate(bucket).Unix())
}

type noCache struct{}

func (noCache) Get(context.Context, string) (*model.HealthSnapshot, bool) { return nil, false }
func (noCache) Set(context.Context, string, *model.HealthSnapshot)        {}

type memoryEntry struct {
	snap      *model.HealthSnapshot
	expiresAt time.Time
}

// MemoryCache is an in-process TTL cache with a background sweeper.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

func NewMemoryCache(ttl time.Duration, logger *zap.Logger) *MemoryCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*model.HealthSnapshot, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !c.now().Before(entry.expiresAt) {
		return nil, false
	}
	return entry.snap.Clone(), true
}

func (c *MemoryCache) Set(_ context.Context, key string, snap *model.HealthSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{snap: snap.Clone(), expiresAt: c.now().Add(c.ttl)}
}

// RemoveExpired drops every expired entry and returns how many were removed.
func (c *MemoryCache) RemoveExpired() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Run sweeps expired entries every interval until ctx is cancelled.
func (c *MemoryCache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := c.RemoveExpired(); removed > 0 {
				c.logger.Debug("Snapshot cache swept", zap.Int("removed", removed))
			}
		case <-ctx.Done():
			c.logger.Debug("Snapshot cache sweeper stopped")
			return
		}
	}
}

// RedisCache shares snapshots between instances. Entries are stored as JSON
// and expire through Redis itself. Errors are logged and treated as misses.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*model.HealthSnapshot, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("Snapshot cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}

	var snap model.HealthSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.logger.Warn("Discarding undecodable cached snapshot", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &snap, true
}

func (c *RedisCache) Set(ctx context.Context, key string, snap *model.HealthSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		c.logger.Warn("Failed to encode snapshot for cache", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("Snapshot cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// Ping checks the Redis connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
