// Package cache implements the two-tier response cache from spec §4.4: a
// bounded in-process LRU tier backed by a shared Redis tier, keyed on the
// canonical method+params encoding from internal/rpc, with per-category TTL
// and pattern invalidation across both tiers.
package cache

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/PayRpc/rpc-sprint/internal/rpc"
)

// Config tunes the cache. RedisURL empty disables the shared tier; the
// cache then runs local-only.
type Config struct {
	Enabled        bool
	RedisURL       string
	DefaultTTL     time.Duration
	MethodTTLs     map[string]time.Duration
	LocalCapacity  int // entries before LRU eviction kicks in; default 10000
	LocalLowWater  int // target size after an eviction sweep; default 8000
	KeyNamespace   string
}

// DefaultConfig returns spec-default cache tuning with the shared tier disabled.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		DefaultTTL:    30 * time.Second,
		MethodTTLs:    map[string]time.Duration{},
		LocalCapacity: 10000,
		LocalLowWater: 8000,
		KeyNamespace:  "rpc-sprint",
	}
}

type entry struct {
	value        json.RawMessage
	expiresAt    time.Time
	accessCount  int64
	lastAccessed time.Time
}

// Stats is a snapshot of cache counters for introspection endpoints.
type Stats struct {
	Enabled        bool
	LocalSize      int
	RedisConnected bool
	Hits           uint64
	Misses         uint64
	RedisErrors    uint64
	Evictions      uint64
	TotalRequests  uint64
	HitRate        float64
}

// Cache is the two-tier response cache: a process-local LRU map checked
// first, falling through to a shared Redis tier on miss, re-populating the
// local tier on a Redis hit.
type Cache struct {
	cfg Config

	mu    sync.RWMutex
	local map[string]*entry

	redis *redis.Client

	hits, misses, redisErrors, evictions, totalRequests uint64

	logger *zap.Logger
}

// New constructs a Cache. If cfg.RedisURL is set, a Redis client is created
// eagerly; connectivity is verified lazily on first use, matching the
// teacher's "degrade to local-only on Redis trouble" posture.
func New(cfg Config, logger *zap.Logger) *Cache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 30 * time.Second
	}
	if cfg.LocalCapacity <= 0 {
		cfg.LocalCapacity = 10000
	}
	if cfg.LocalLowWater <= 0 || cfg.LocalLowWater >= cfg.LocalCapacity {
		cfg.LocalLowWater = cfg.LocalCapacity * 8 / 10
	}
	if cfg.KeyNamespace == "" {
		cfg.KeyNamespace = "rpc-sprint"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Cache{cfg: cfg, local: make(map[string]*entry), logger: logger}

	if cfg.Enabled && cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Warn("invalid redis url, running local-cache-only", zap.Error(err))
		} else {
			c.redis = redis.NewClient(opts)
		}
	}
	return c
}

// Get returns the cached response for method+params, if present and
// cacheable and unexpired. A local hit returns immediately; a Redis hit
// back-fills the local tier before returning.
func (c *Cache) Get(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, bool) {
	if !c.cfg.Enabled || !rpc.Cacheable(method) {
		return nil, false
	}
	atomic.AddUint64(&c.totalRequests, 1)

	key, err := rpc.CacheKey(c.cfg.KeyNamespace, method, params)
	if err != nil {
		return nil, false
	}

	if v, ok := c.getLocal(key); ok {
		atomic.AddUint64(&c.hits, 1)
		return v, true
	}

	if v, ok := c.getRedis(ctx, key); ok {
		c.storeLocal(key, v, c.ttlFor(method))
		atomic.AddUint64(&c.hits, 1)
		return v, true
	}

	atomic.AddUint64(&c.misses, 1)
	return nil, false
}

// Set stores response under the canonical key for method+params in both
// tiers, using the method's configured or category-default TTL.
func (c *Cache) Set(ctx context.Context, method string, params json.RawMessage, response json.RawMessage) {
	if !c.cfg.Enabled || !rpc.Cacheable(method) {
		return
	}
	key, err := rpc.CacheKey(c.cfg.KeyNamespace, method, params)
	if err != nil {
		return
	}
	ttl := c.ttlFor(method)
	c.storeLocal(key, response, ttl)
	c.storeRedis(ctx, key, response, ttl)
}

func (c *Cache) ttlFor(method string) time.Duration {
	if ttl, ok := c.cfg.MethodTTLs[method]; ok {
		return ttl
	}
	if ttl, ok := rpc.DefaultTTL(method); ok {
		return ttl
	}
	return c.cfg.DefaultTTL
}

func (c *Cache) getLocal(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.local[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.local, key)
		atomic.AddUint64(&c.evictions, 1)
		return nil, false
	}
	e.accessCount++
	e.lastAccessed = time.Now()
	return e.value, true
}

func (c *Cache) storeLocal(key string, value json.RawMessage, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.local) >= c.cfg.LocalCapacity {
		c.evictLocked()
	}

	c.local[key] = &entry{
		value:        value,
		expiresAt:    time.Now().Add(ttl),
		accessCount:  1,
		lastAccessed: time.Now(),
	}
}

// evictLocked removes expired entries first, then the least-recently-used
// survivors until the map is back at LocalLowWater. Must be called with
// c.mu held.
func (c *Cache) evictLocked() {
	now := time.Now()
	for k, e := range c.local {
		if now.After(e.expiresAt) {
			delete(c.local, k)
			atomic.AddUint64(&c.evictions, 1)
		}
	}

	if len(c.local) <= c.cfg.LocalLowWater {
		return
	}

	type keyed struct {
		key  string
		last time.Time
	}
	survivors := make([]keyed, 0, len(c.local))
	for k, e := range c.local {
		survivors = append(survivors, keyed{k, e.lastAccessed})
	}
	sort.Slice(survivors, func(i, j int) bool { return survivors[i].last.Before(survivors[j].last) })

	toEvict := len(c.local) - c.cfg.LocalLowWater
	for i := 0; i < toEvict && i < len(survivors); i++ {
		delete(c.local, survivors[i].key)
		atomic.AddUint64(&c.evictions, 1)
	}
}

func (c *Cache) getRedis(ctx context.Context, key string) (json.RawMessage, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		atomic.AddUint64(&c.redisErrors, 1)
		c.logger.Error("redis get error", zap.Error(err))
		return nil, false
	}
	return json.RawMessage(data), true
}

func (c *Cache) storeRedis(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Set(ctx, key, []byte(value), ttl).Err(); err != nil {
		atomic.AddUint64(&c.redisErrors, 1)
		c.logger.Error("redis set error", zap.Error(err))
	}
}

// Invalidate removes every key in both tiers whose key contains pattern as
// a substring, mirroring the upstream's "contains, not glob" semantics.
func (c *Cache) Invalidate(ctx context.Context, pattern string) {
	c.mu.Lock()
	for k := range c.local {
		if strings.Contains(k, pattern) {
			delete(c.local, k)
		}
	}
	c.mu.Unlock()

	if c.redis == nil {
		return
	}
	scanPattern := "*" + pattern + "*"
	iter := c.redis.Scan(ctx, 0, scanPattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		atomic.AddUint64(&c.redisErrors, 1)
		c.logger.Error("redis scan error", zap.Error(err))
		return
	}
	if len(keys) > 0 {
		if err := c.redis.Del(ctx, keys...).Err(); err != nil {
			atomic.AddUint64(&c.redisErrors, 1)
			c.logger.Error("redis del error", zap.Error(err))
		}
	}
}

// InvalidateSlotBased clears the small set of methods whose cached values
// are keyed to chain tip progress, used after a new slot/block is observed.
func (c *Cache) InvalidateSlotBased(ctx context.Context, slot uint64) {
	for _, pattern := range []string{"getSlot", "getBlockHeight", "getRecentBlockhash", "getLatestBlockhash"} {
		c.Invalidate(ctx, pattern)
	}
}

// Stats returns a snapshot of cache state for /stats-style introspection.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	size := len(c.local)
	c.mu.RUnlock()

	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)
	total := hits + misses
	var rate float64
	if total > 0 {
		rate = float64(hits) / float64(total)
	}

	return Stats{
		Enabled:        c.cfg.Enabled,
		LocalSize:      size,
		RedisConnected: c.redis != nil,
		Hits:           hits,
		Misses:         misses,
		RedisErrors:    atomic.LoadUint64(&c.redisErrors),
		Evictions:      atomic.LoadUint64(&c.evictions),
		TotalRequests:  atomic.LoadUint64(&c.totalRequests),
		HitRate:        rate,
	}
}

// Close releases the Redis client, if one was created.
func (c *Cache) Close() error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Close()
}
