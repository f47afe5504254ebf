// Package cache provides the bounded response cache used by the gateway.
// Entries live in an in-memory LRU and are mirrored to Redis when a client
// is configured, so a restarted process can still reuse earlier responses.
package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCacheMiss is returned by backends when a key is absent.
var ErrCacheMiss = errors.New("cache miss")

// DefaultCapacity bounds the in-memory cache.
const DefaultCapacity = 20

// RedisClient is the subset of Redis operations the cache needs.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Close() error
}

// Config holds cache configuration.
type Config struct {
	// Capacity is the maximum number of in-memory entries.
	Capacity int

	// TTL applies to Redis entries only; memory entries are bounded by Capacity.
	TTL time.Duration

	// KeyPrefix namespaces Redis keys.
	KeyPrefix string
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:  DefaultCapacity,
		TTL:       time.Hour,
		KeyPrefix: "appforge:response:",
	}
}

type entry struct {
	key   string
	value string
}

// ResponseCache is an LRU keyed by request fingerprint.
type ResponseCache struct {
	mu       sync.Mutex
	ll       *list.List
	items    map[string]*list.Element
	capacity int
	ttl      time.Duration
	prefix   string

	redisClient RedisClient

	hits   int64
	misses int64
}

// New creates a memory-only cache.
func New(cfg Config) *ResponseCache {
	return NewWithClient(nil, cfg)
}

// NewWithClient creates a cache backed by client in addition to memory.
func NewWithClient(client RedisClient, cfg Config) *ResponseCache {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	return &ResponseCache{
		ll:          list.New(),
		items:       make(map[string]*list.Element),
		capacity:    cfg.Capacity,
		ttl:         cfg.TTL,
		prefix:      cfg.KeyPrefix,
		redisClient: client,
	}
}

// Get returns the cached response for key.
func (c *ResponseCache) Get(ctx context.Context, key string) (string, bool) {
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		c.hits++
		v := el.Value.(*entry).value
		c.mu.Unlock()
		return v, true
	}
	c.mu.Unlock()

	if c.redisClient != nil {
		if v, err := c.redisClient.Get(ctx, c.prefix+key); err == nil {
			c.mu.Lock()
			c.hits++
			c.insertLocked(key, v)
			c.mu.Unlock()
			return v, true
		}
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	return "", false
}

// Set stores value under key, evicting the least recently used entry when
// the cache is full. Redis write failures are ignored; memory always holds
// the entry.
func (c *ResponseCache) Set(ctx context.Context, key, value string) {
	if c.redisClient != nil {
		_ = c.redisClient.Set(ctx, c.prefix+key, value, c.ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertLocked(key, value)
}

func (c *ResponseCache) insertLocked(key, value string) {
	if el, ok := c.items[key]; ok {
		el.Value.(*entry).value = value
		c.ll.MoveToFront(el)
		return
	}
	c.items[key] = c.ll.PushFront(&entry{key: key, value: value})
	for c.ll.Len() > c.capacity {
		c.evictOldest()
	}
}

func (c *ResponseCache) evictOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	c.ll.Remove(el)
	delete(c.items, el.Value.(*entry).key)
}

// Delete removes key from memory and Redis.
func (c *ResponseCache) Delete(ctx context.Context, key string) {
	if c.redisClient != nil {
		_ = c.redisClient.Del(ctx, c.prefix+key)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.ll.Remove(el)
		delete(c.items, key)
	}
}

// Len returns the number of in-memory entries.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Stats returns cache statistics.
func (c *ResponseCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	hitRatio := float64(0)
	if total > 0 {
		hitRatio = float64(c.hits) / float64(total)
	}
	return CacheStats{
		Hits:       c.hits,
		Misses:     c.misses,
		HitRatio:   hitRatio,
		MemorySize: c.ll.Len(),
		Capacity:   c.capacity,
		Redis:      c.redisClient != nil,
	}
}

// Close releases the Redis connection, if any.
func (c *ResponseCache) Close() error {
	if c.redisClient != nil {
		return c.redisClient.Close()
	}
	return nil
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRatio   float64 `json:"hit_ratio"`
	MemorySize int     `json:"memory_size"`
	Capacity   int     `json:"capacity"`
	Redis      bool    `json:"redis"`
}
