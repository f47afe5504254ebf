package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	data map[string]string
	sets int
}

func newFakeRedis() *fakeRedis { return &fakeRedis{data: map[string]string{}} }

func (f *fakeRedis) Get(_ context.Context, key string) (string, error) {
	v, ok := f.data[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return v, nil
}

func (f *fakeRedis) Set(_ context.Context, key, value string, _ time.Duration) error {
	f.sets++
	f.data[key] = value
	return nil
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeRedis) Close() error { return nil }

func TestResponseCacheEvictsOldestPastCapacity(t *testing.T) {
	ctx := context.Background()
	c := New(Config{Capacity: DefaultCapacity})

	for i := 0; i < DefaultCapacity+5; i++ {
		c.Set(ctx, fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
	}

	assert.Equal(t, DefaultCapacity, c.Len())
	for i := 0; i < 5; i++ {
		_, ok := c.Get(ctx, fmt.Sprintf("k%d", i))
		assert.False(t, ok, "k%d should have been evicted", i)
	}
	v, ok := c.Get(ctx, "k24")
	require.True(t, ok)
	assert.Equal(t, "v24", v)
}

func TestResponseCacheRecentlyReadSurvives(t *testing.T) {
	ctx := context.Background()
	c := New(Config{Capacity: 2})
	c.Set(ctx, "a", "1")
	c.Set(ctx, "b", "2")
	_, _ = c.Get(ctx, "a")
	c.Set(ctx, "c", "3")

	_, ok := c.Get(ctx, "a")
	assert.True(t, ok)
	_, ok = c.Get(ctx, "b")
	assert.False(t, ok)
}

func TestResponseCacheStats(t *testing.T) {
	ctx := context.Background()
	c := New(DefaultConfig())
	c.Set(ctx, "a", "1")
	c.Get(ctx, "a")
	c.Get(ctx, "missing")

	s := c.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.InDelta(t, 0.5, s.HitRatio, 0.0001)
	assert.False(t, s.Redis)
}

func TestResponseCacheRedisBackend(t *testing.T) {
	ctx := context.Background()
	r := newFakeRedis()
	r.data["appforge:response:warm"] = "from redis"

	c := NewWithClient(r, DefaultConfig())
	v, ok := c.Get(ctx, "warm")
	require.True(t, ok)
	assert.Equal(t, "from redis", v)
	assert.Equal(t, 1, c.Len(), "redis hit is promoted into memory")

	c.Set(ctx, "new", "value")
	assert.Equal(t, "value", r.data["appforge:response:new"])

	c.Delete(ctx, "new")
	_, ok = r.data["appforge:response:new"]
	assert.False(t, ok)
	_, ok = c.Get(ctx, "new")
	assert.False(t, ok)
}

func TestNewFromURLWithoutRedis(t *testing.T) {
	c, err := NewFromURL("", DefaultConfig())
	require.NoError(t, err)
	assert.False(t, c.Stats().Redis)
}
