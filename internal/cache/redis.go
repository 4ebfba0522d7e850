package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RuleSetCache keeps per-organization rule snapshots in Redis so gate
// replicas avoid a database round trip on every scan
type RuleSetCache struct {
	client *redis.Client
	config *Config
	logger *zap.Logger
	stats  cacheStats
}

// cacheStats tracks cache performance metrics
type cacheStats struct {
	hits          atomic.Int64
	misses        atomic.Int64
	invalidations atomic.Int64
}

// NewRuleSetCache connects to Redis and verifies the connection
func NewRuleSetCache(config *Config, logger *zap.Logger) (*RuleSetCache, error) {
	// Parse Redis URL
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Configure connection pool
	if config.MaxConnections > 0 {
		opts.PoolSize = config.MaxConnections
	}
	opts.MinIdleConns = config.MinIdleConns

	c := &RuleSetCache{
		client: redis.NewClient(opts),
		config: config,
		logger: logger,
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Ping(ctx); err != nil {
		_ = c.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Rule set cache initialized",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.Int("max_connections", config.MaxConnections),
		zap.Duration("default_ttl", config.DefaultTTL))

	return c, nil
}

// Ping tests the Redis connection
func (c *RuleSetCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get returns the cached snapshot for an organization. A miss, a Redis
// error and a corrupt entry all report ok=false; callers fall back to the store.
func (c *RuleSetCache) Get(ctx context.Context, orgID string) (*Snapshot, bool) {
	key := ruleSetKey(c.config.KeyPrefix, orgID)

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.stats.misses.Add(1)
		c.logger.Debug("Cache miss", zap.String("key", key))
		return nil, false
	} else if err != nil {
		c.stats.misses.Add(1)
		c.logger.Warn("Cache lookup failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		c.stats.misses.Add(1)
		c.logger.Error("Failed to unmarshal cached rule set", zap.String("key", key), zap.Error(err))
		// Delete corrupted cache entry
		c.client.Del(ctx, key)
		return nil, false
	}

	c.stats.hits.Add(1)
	c.logger.Debug("Cache hit",
		zap.String("key", key),
		zap.Int("rules", len(snapshot.Rules)))

	return &snapshot, true
}

// Set stores a snapshot with the configured TTL
func (c *RuleSetCache) Set(ctx context.Context, snapshot *Snapshot) error {
	key := ruleSetKey(c.config.KeyPrefix, snapshot.OrganizationID)

	snapshot.CachedAt = time.Now().UTC()
	snapshot.TTL = int64(c.config.DefaultTTL.Seconds())

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal rule set for caching: %w", err)
	}

	if err := c.client.Set(ctx, key, data, c.config.DefaultTTL).Err(); err != nil {
		c.logger.Error("Failed to cache rule set", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to cache rule set: %w", err)
	}

	return nil
}

// Invalidate drops the snapshots of the given organizations
func (c *RuleSetCache) Invalidate(ctx context.Context, orgIDs ...string) error {
	if len(orgIDs) == 0 {
		return nil
	}

	keys := make([]string, len(orgIDs))
	for i, orgID := range orgIDs {
		keys[i] = ruleSetKey(c.config.KeyPrefix, orgID)
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to invalidate rule sets: %w", err)
	}

	c.stats.invalidations.Add(int64(len(orgIDs)))
	c.logger.Info("Rule sets invalidated", zap.Strings("organizations", orgIDs))
	return nil
}

// GetStats returns cache performance statistics
func (c *RuleSetCache) GetStats(ctx context.Context) (*CacheStats, error) {
	stats := &CacheStats{
		Hits:          c.stats.hits.Load(),
		Misses:        c.stats.misses.Load(),
		Invalidations: c.stats.invalidations.Load(),
	}

	// Calculate hit rate
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}

	info, err := c.client.Info(ctx, "memory").Result()
	if err != nil {
		return stats, fmt.Errorf("failed to get Redis info: %w", err)
	}
	stats.MemoryUsage = parseUsedMemory(info)

	if keys, err := c.client.DBSize(ctx).Result(); err == nil {
		stats.TotalKeys = keys
	}

	return stats, nil
}

// Clear removes every snapshot under the key prefix
func (c *RuleSetCache) Clear(ctx context.Context) error {
	pattern := c.config.KeyPrefix + ":org:*"

	// Use SCAN to find all keys with our prefix
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string

	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}

	// Delete keys in batches
	const batchSize = 100
	for i := 0; i < len(keys); i += batchSize {
		end := min(i+batchSize, len(keys))
		if err := c.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			return fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}

	c.logger.Info("Cache cleared", zap.Int("deleted_keys", len(keys)))
	return nil
}

// Close closes the Redis connection
func (c *RuleSetCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func ruleSetKey(prefix, orgID string) string {
	return fmt.Sprintf("%s:org:%s:ruleset", prefix, orgID)
}

func parseUsedMemory(info string) int64 {
	for _, line := range strings.Split(info, "\r\n") {
		if memStr, ok := strings.CutPrefix(line, "used_memory:"); ok {
			if mem, err := strconv.ParseInt(memStr, 10, 64); err == nil {
				return mem
			}
		}
	}
	return 0
}

// maskRedisURL masks the password of a Redis URL for logging
func maskRedisURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}

	userPart := url[:at]
	scheme := strings.Index(userPart, "://")
	colon := strings.LastIndex(userPart, ":")
	if colon <= scheme+2 {
		return url
	}
	return userPart[:colon+1] + "***" + url[at:]
}
