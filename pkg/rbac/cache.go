package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/bastion/pkg/observability"
)

// Cache stores resolved permission sets keyed by principal id.
type Cache interface {
	Get(ctx context.Context, userID int64) (*PermissionSet, bool)
	Set(ctx context.Context, set *PermissionSet)
	Delete(ctx context.Context, userIDs ...int64)
	Purge(ctx context.Context)
}

// MemoryCache is an in-process expirable LRU.
type MemoryCache struct {
	lru     *lru.LRU[int64, *PermissionSet]
	metrics *observability.Metrics
}

// NewMemoryCache holds up to size sets, each for at most ttl.
func NewMemoryCache(size int, ttl time.Duration, metrics *observability.Metrics) *MemoryCache {
	if size <= 0 {
		size = 1024
	}
	return &MemoryCache{
		lru:     lru.NewLRU[int64, *PermissionSet](size, nil, ttl),
		metrics: metrics,
	}
}

func (c *MemoryCache) Get(ctx context.Context, userID int64) (*PermissionSet, bool) {
	set, ok := c.lru.Get(userID)
	c.metrics.RecordCache("memory", ok)
	return set, ok
}

func (c *MemoryCache) Set(ctx context.Context, set *PermissionSet) {
	c.lru.Add(set.UserID, set)
}

func (c *MemoryCache) Delete(ctx context.Context, userIDs ...int64) {
	for _, id := range userIDs {
		c.lru.Remove(id)
	}
}

func (c *MemoryCache) Purge(ctx context.Context) {
	c.lru.Purge()
}

// RedisCache shares permission sets between replicas. Redis errors are logged
// and treated as misses so authorization falls back to the database.
//
// Delete and Purge also publish the invalidation so every replica can drop
// its in-process copy (see WatchInvalidations).
type RedisCache struct {
	client  *redis.Client
	prefix  string
	channel string
	ttl     time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
}

const purgeAll = "*"

func NewRedisCache(client *redis.Client, ttl time.Duration, logger *observability.Logger, metrics *observability.Metrics) *RedisCache {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RedisCache{
		client:  client,
		prefix:  "bastion:perms:",
		channel: "bastion:perms-invalidate",
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
	}
}

func (c *RedisCache) key(userID int64) string {
	return c.prefix + strconv.FormatInt(userID, 10)
}

func (c *RedisCache) Get(ctx context.Context, userID int64) (*PermissionSet, bool) {
	data, err := c.client.Get(ctx, c.key(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.WithError(err).Warn("permission cache read failed")
		}
		c.metrics.RecordCache("redis", false)
		return nil, false
	}

	var set PermissionSet
	if err := json.Unmarshal(data, &set); err != nil {
		c.logger.WithError(err).Warn("discarding corrupt permission cache entry")
		c.metrics.RecordCache("redis", false)
		return nil, false
	}
	c.metrics.RecordCache("redis", true)
	return &set, true
}

func (c *RedisCache) Set(ctx context.Context, set *PermissionSet) {
	data, err := json.Marshal(set)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(set.UserID), data, c.ttl).Err(); err != nil {
		c.logger.WithError(err).Warn("permission cache write failed")
	}
}

func (c *RedisCache) Delete(ctx context.Context, userIDs ...int64) {
	if len(userIDs) == 0 {
		return
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = c.key(id)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.WithError(err).Warn("permission cache delete failed")
	}
	ids := make([]string, len(userIDs))
	for i, id := range userIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	c.publish(ctx, strings.Join(ids, ","))
}

func (c *RedisCache) Purge(ctx context.Context) {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.logger.WithError(err).Warn("permission cache scan failed")
		return
	}
	if len(keys) > 0 {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			c.logger.WithError(err).Warn("permission cache purge failed")
		}
	}
	c.publish(ctx, purgeAll)
}

func (c *RedisCache) publish(ctx context.Context, payload string) {
	if err := c.client.Publish(ctx, c.channel, payload).Err(); err != nil {
		c.logger.WithError(err).Warn("permission cache invalidation broadcast failed")
	}
}

// WatchInvalidations applies invalidations published by any replica to local.
// The subscription is active once it returns; the returned func stops it.
func (c *RedisCache) WatchInvalidations(ctx context.Context, local Cache) (func() error, error) {
	sub := c.client.Subscribe(ctx, c.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", c.channel, err)
	}
	ch := sub.Channel()
	go func() {
		for msg := range ch {
			c.applyInvalidation(ctx, local, msg.Payload)
		}
	}()
	return sub.Close, nil
}

func (c *RedisCache) applyInvalidation(ctx context.Context, local Cache, payload string) {
	if payload == purgeAll {
		local.Purge(ctx)
		return
	}
	var ids []int64
	for _, raw := range strings.Split(payload, ",") {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.logger.WithField("payload", payload).Warn("ignoring malformed cache invalidation")
			continue
		}
		ids = append(ids, id)
	}
	local.Delete(ctx, ids...)
}

// TieredCache reads through an in-process L1 to a shared L2.
type TieredCache struct {
	l1 Cache
	l2 Cache
}

func NewTieredCache(l1, l2 Cache) *TieredCache {
	return &TieredCache{l1: l1, l2: l2}
}

func (c *TieredCache) Get(ctx context.Context, userID int64) (*PermissionSet, bool) {
	if set, ok := c.l1.Get(ctx, userID); ok {
		return set, true
	}
	set, ok := c.l2.Get(ctx, userID)
	if ok {
		c.l1.Set(ctx, set)
	}
	return set, ok
}

func (c *TieredCache) Set(ctx context.Context, set *PermissionSet) {
	c.l1.Set(ctx, set)
	c.l2.Set(ctx, set)
}

func (c *TieredCache) Delete(ctx context.Context, userIDs ...int64) {
	c.l1.Delete(ctx, userIDs...)
	c.l2.Delete(ctx, userIDs...)
}

func (c *TieredCache) Purge(ctx context.Context) {
	c.l1.Purge(ctx)
	c.l2.Purge(ctx)
}
