package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheKeyGenerators(t *testing.T) {
	assert.Equal(t, "idempotency:org-1:key-9", IdempotencyCacheKey("org-1", "key-9"))
	assert.Equal(t, "leaderboard:ladder-1:p2", LeaderboardCacheKey("ladder-1", "p2"))
	assert.Equal(t, "leaderboard:ladder-1:*", LeaderboardInvalidationPattern("ladder-1"))
}

func TestNilClientDegradesGracefully(t *testing.T) {
	// Redis is optional; every operation must be a safe no-op without it.
	ctx := context.Background()
	cache := NewCacheService(nil)

	assert.False(t, cache.Enabled())
	require.NoError(t, cache.Set(ctx, "k", "v", time.Minute))

	var out string
	hit, err := cache.Get(ctx, "k", &out)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, cache.Delete(ctx, "k"))
	exists, err := cache.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, cache.InvalidateLeaderboard(ctx, "ladder-1"))
	require.NoError(t, cache.Flush())
}
