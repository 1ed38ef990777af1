package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/use-agent/prerender/models"
)

func TestKey(t *testing.T) {
	a := Key("https://example.com/", `{"follow":false}`)
	assert.Len(t, a, 64)
	assert.Equal(t, a, Key("https://example.com/", `{"follow":false}`))
	assert.NotEqual(t, a, Key("https://example.com/", `{"follow":true}`))
	assert.NotEqual(t, a, Key("https://example.com/other", `{"follow":false}`))
}

func TestMemory_GetSet(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(10, time.Hour)
	defer c.Close()

	res := &models.RenderResult{Status: 200, HTML: "<html></html>"}
	require.NoError(t, c.Set(ctx, "k", res))

	got, hit, err := c.Get(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Same(t, res, got)

	_, hit, _ = c.Get(ctx, "k", 0)
	assert.False(t, hit, "maxAge <= 0 disables lookups")

	_, hit, _ = c.Get(ctx, "missing", time.Minute)
	assert.False(t, hit)
}

func TestMemory_MaxAge(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(10, time.Hour)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "k", &models.RenderResult{Status: 200}))
	time.Sleep(20 * time.Millisecond)

	_, hit, _ := c.Get(ctx, "k", 10*time.Millisecond)
	assert.False(t, hit)
	_, hit, _ = c.Get(ctx, "k", time.Minute)
	assert.True(t, hit)
}

func TestMemory_Capacity(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(2, time.Hour)
	defer c.Close()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, c.Set(ctx, k, &models.RenderResult{Status: 200}))
	}
	assert.Equal(t, 2, c.Len())

	// Overwriting an existing key does not evict.
	require.NoError(t, c.Set(ctx, "c", &models.RenderResult{Status: 404}))
	assert.Equal(t, 2, c.Len())
}

func TestMemory_EvictOlderThan(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(10, time.Hour)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "old", &models.RenderResult{Status: 200}))
	c.evictOlderThan(time.Now().Add(time.Second))
	assert.Equal(t, 0, c.Len())
}

func TestRedis(t *testing.T) {
	url := os.Getenv("PRERENDER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("PRERENDER_TEST_REDIS_URL not set")
	}
	ctx := context.Background()

	c, err := NewRedis(ctx, url, time.Minute)
	require.NoError(t, err)
	defer c.Close()

	key := Key("https://example.com/", time.Now().String())
	res := &models.RenderResult{Status: 301, Redirect: "https://example.com/b"}
	require.NoError(t, c.Set(ctx, key, res))

	got, hit, err := c.Get(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, res, got)
}

func TestNewRedis_BadURL(t *testing.T) {
	_, err := NewRedis(context.Background(), "not-a-redis-url", time.Minute)
	assert.Error(t, err)
}
