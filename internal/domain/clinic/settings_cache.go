package clinic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CachedSettings fronts a SettingsStore with Redis. Redis failures fall back
// to the underlying store so a cache outage never blocks sync.
type CachedSettings struct {
	store  SettingsStore
	rdb    *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedSettings(store SettingsStore, rdb *redis.Client, ttl time.Duration, logger zerolog.Logger) *CachedSettings {
	return &CachedSettings{store: store, rdb: rdb, ttl: ttl, logger: logger}
}

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func settingsKey(tenantID, category, key string) string {
	return "ehrsync:settings:" + tenantID + ":" + category + ":" + key
}

func (c *CachedSettings) GetSetting(ctx context.Context, category, key, tenantID string) (string, error) {
	k := settingsKey(tenantID, category, key)

	val, err := c.rdb.Get(ctx, k).Result()
	switch {
	case err == nil:
		return val, nil
	case !errors.Is(err, redis.Nil):
		c.logger.Warn().Err(err).Str("tenant_id", tenantID).Str("key", key).Msg("settings cache read failed")
	}

	val, err = c.store.GetSetting(ctx, category, key, tenantID)
	if err != nil {
		return "", err
	}
	if err := c.rdb.Set(ctx, k, val, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("tenant_id", tenantID).Str("key", key).Msg("settings cache write failed")
	}
	return val, nil
}

// SetSetting writes through to the store and drops the tenant's cached
// category, so the next read sees the new value.
func (c *CachedSettings) SetSetting(ctx context.Context, category, key, tenantID, value string) error {
	if err := c.store.SetSetting(ctx, category, key, tenantID, value); err != nil {
		return err
	}
	if err := c.Invalidate(ctx, tenantID, category); err != nil {
		c.logger.Warn().Err(err).Str("tenant_id", tenantID).Str("category", category).Msg("settings cache invalidation failed")
	}
	return nil
}

// Invalidate drops every cached setting of the tenant for category.
func (c *CachedSettings) Invalidate(ctx context.Context, tenantID, category string) error {
	iter := c.rdb.Scan(ctx, 0, settingsKey(tenantID, category, "*"), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan cached settings: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}
