package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aquamans/pondwatch/internal/database"
)

const snapshotKey = "pondwatch:snapshot:latest"

// SnapshotSource is the authoritative snapshot provider
type SnapshotSource interface {
	LatestSnapshot(ctx context.Context) (*database.WaterQuality, error)
}

// kv is the subset of the Redis client the cache needs
type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// SnapshotCache keeps the latest water-quality snapshot in Redis for ttl
// so evidence bursts do not each hit the database. Redis failures fall
// back to the source.
type SnapshotCache struct {
	redis  kv
	source SnapshotSource
	ttl    time.Duration
	log    zerolog.Logger
}

// NewSnapshotCache creates a cache in front of source
func NewSnapshotCache(redisClient *redis.Client, source SnapshotSource, ttl time.Duration, log zerolog.Logger) *SnapshotCache {
	return newSnapshotCache(redisClient, source, ttl, log)
}

func newSnapshotCache(store kv, source SnapshotSource, ttl time.Duration, log zerolog.Logger) *SnapshotCache {
	return &SnapshotCache{
		redis:  store,
		source: source,
		ttl:    ttl,
		log:    log.With().Str("component", "snapshot_cache").Logger(),
	}
}

// LatestSnapshot implements ingest.SnapshotProvider
func (c *SnapshotCache) LatestSnapshot(ctx context.Context) (*database.WaterQuality, error) {
	if wq, err := c.get(ctx); err == nil {
		return wq, nil
	} else if !errors.Is(err, redis.Nil) {
		c.log.Warn().Err(err).Msg("snapshot cache read failed, using database")
	}

	wq, err := c.source.LatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.set(ctx, wq); err != nil {
		c.log.Warn().Err(err).Msg("snapshot cache write failed")
	}
	return wq, nil
}

func (c *SnapshotCache) get(ctx context.Context) (*database.WaterQuality, error) {
	data, err := c.redis.Get(ctx, snapshotKey).Result()
	if err != nil {
		return nil, err
	}

	var wq database.WaterQuality
	if err := json.Unmarshal([]byte(data), &wq); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &wq, nil
}

func (c *SnapshotCache) set(ctx context.Context, wq *database.WaterQuality) error {
	data, err := json.Marshal(wq)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := c.redis.Set(ctx, snapshotKey, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set snapshot in Redis: %w", err)
	}
	return nil
}
