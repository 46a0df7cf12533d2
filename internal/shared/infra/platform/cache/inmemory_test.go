package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cachedThing struct {
	Name string `json:"name"`
}

func TestInMemoryCache_SetGetDelete(t *testing.T) {
	c := NewInMemoryCache(time.Minute, 0)
	defer c.Stop()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", cachedThing{Name: "uno"}, 0))

	var got cachedThing
	hit, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "uno", got.Name)

	require.NoError(t, c.Delete(ctx, "k"))
	hit, err = c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestInMemoryCache_Expiry(t *testing.T) {
	c := NewInMemoryCache(time.Minute, 0)
	defer c.Stop()
	ctx := context.Background()

	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }

	require.NoError(t, c.Set(ctx, "k", cachedThing{Name: "dos"}, 10))

	clock = clock.Add(11 * time.Second)
	var got cachedThing
	hit, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, hit, "una clave caducada se trata como miss")

	c.purgeExpired()
	assert.Zero(t, c.Len())
}

func TestTTLSeconds(t *testing.T) {
	assert.Equal(t, 1, TTLSeconds(0))
	assert.Equal(t, 2, TTLSeconds(1.2))
	assert.Equal(t, 60, TTLSeconds(60))
}
