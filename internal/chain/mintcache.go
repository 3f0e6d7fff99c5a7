package chain

import (
	"context"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DecimalsCache caches per-mint decimals. Decimals never change for a
// mint, so entries have no expiry; the cache only saves RPC round trips
// in the trading loop.
type DecimalsCache interface {
	Get(ctx context.Context, mint string) (uint8, bool)
	Set(ctx context.Context, mint string, decimals uint8)
}

// MemoryDecimalsCache is the in-process cache used in tests and
// single-node deployments.
type MemoryDecimalsCache struct {
	mu sync.RWMutex
	m  map[string]uint8
}

func NewMemoryDecimalsCache() *MemoryDecimalsCache {
	return &MemoryDecimalsCache{m: make(map[string]uint8)}
}

func (c *MemoryDecimalsCache) Get(_ context.Context, mint string) (uint8, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.m[mint]
	return d, ok
}

func (c *MemoryDecimalsCache) Set(_ context.Context, mint string, decimals uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[mint] = decimals
}

// RedisDecimalsCache shares mint decimals across daemon instances.
// Cache errors are treated as misses; the RPC lookup is the fallback.
type RedisDecimalsCache struct {
	client *redis.Client
	prefix string
}

func NewRedisDecimalsCache(client *redis.Client) *RedisDecimalsCache {
	return &RedisDecimalsCache{client: client, prefix: "mint:decimals:"}
}

func (c *RedisDecimalsCache) Get(ctx context.Context, mint string) (uint8, bool) {
	val, err := c.client.Get(ctx, c.prefix+mint).Result()
	if err != nil {
		return 0, false
	}
	d, err := strconv.ParseUint(val, 10, 8)
	if err != nil {
		return 0, false
	}
	return uint8(d), true
}

func (c *RedisDecimalsCache) Set(ctx context.Context, mint string, decimals uint8) {
	_ = c.client.Set(ctx, c.prefix+mint, strconv.FormatUint(uint64(decimals), 10), 0).Err()
}
