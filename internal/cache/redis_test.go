package cache_test

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cinelog/cinelog-sync/internal/cache"
	"github.com/cinelog/cinelog-sync/internal/config"
)

func setupCache(t *testing.T) *cache.RedisCache {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := &config.Config{}
	cfg.Redis.Addr = mr.Addr()
	return cache.NewRedisCache(cfg)
}

func TestChangeCursorMissThenAdvance(t *testing.T) {
	ctx := context.Background()
	rc := setupCache(t)

	_, hit, err := rc.GetChangeCursor(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, rc.AdvanceChangeCursor(ctx, "u1", 100))

	cur, hit, err := rc.GetChangeCursor(ctx, "u1")
	require.NoError(t, err)
	require.True(t, hit)
	assert.EqualValues(t, 100, cur)

	require.NoError(t, rc.DropChangeCursor(ctx, "u1"))
	_, hit, err = rc.GetChangeCursor(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestChangeCursorNeverMovesBackward(t *testing.T) {
	ctx := context.Background()
	rc := setupCache(t)

	require.NoError(t, rc.AdvanceChangeCursor(ctx, "u1", 100))
	require.NoError(t, rc.AdvanceChangeCursor(ctx, "u1", 50))

	cur, hit, err := rc.GetChangeCursor(ctx, "u1")
	require.NoError(t, err)
	require.True(t, hit)
	assert.EqualValues(t, 100, cur)
}

// Two writers racing an older and a newer stamp must always leave the
// cursor at the newer one; a lost race here would make the pull
// short-circuit withhold the newer record from other devices.
func TestChangeCursorConcurrentAdvanceKeepsMax(t *testing.T) {
	ctx := context.Background()
	rc := setupCache(t)

	stamps := []int64{100, 50, 99, 1, 100, 42, 73}
	var wg sync.WaitGroup
	for _, ts := range stamps {
		wg.Add(1)
		go func(ts int64) {
			defer wg.Done()
			assert.NoError(t, rc.AdvanceChangeCursor(ctx, "u1", ts))
		}(ts)
	}
	wg.Wait()

	cur, hit, err := rc.GetChangeCursor(ctx, "u1")
	require.NoError(t, err)
	require.True(t, hit)
	assert.EqualValues(t, 100, cur)
}

func TestChangeCursorIsPerUser(t *testing.T) {
	ctx := context.Background()
	rc := setupCache(t)

	require.NoError(t, rc.AdvanceChangeCursor(ctx, "u1", 100))

	_, hit, err := rc.GetChangeCursor(ctx, "u2")
	require.NoError(t, err)
	assert.False(t, hit)
}
