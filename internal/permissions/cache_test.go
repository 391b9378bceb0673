package permissions

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl time.Duration) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, ttl, nil), mr
}

func testEntry(tenantID, userID string) *CachedResolution {
	return &CachedResolution{
		TenantID:   tenantID,
		UserID:     userID,
		Grants:     map[string]GrantCandidate{"docs:read": {Code: "docs:read", Effect: EffectAllow}},
		ResolvedAt: time.Now(),
	}
}

func TestCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t, time.Minute)

	_, ok := cache.Get(ctx, "t-1", "u-1")
	require.False(t, ok)

	tenantStamp, userStamp, err := cache.Stamps(ctx, "t-1", "u-1")
	require.NoError(t, err)
	cache.Set(testEntry("t-1", "u-1"), tenantStamp, userStamp)

	entry, ok := cache.Get(ctx, "t-1", "u-1")
	require.True(t, ok)
	require.Contains(t, entry.Grants, "docs:read")
}

func TestCacheInvalidateUserIsVisibleAcrossInstances(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = clientA.Close(); _ = clientB.Close() })

	cacheA := NewCache(clientA, time.Minute, nil)
	cacheB := NewCache(clientB, time.Minute, nil)

	ts, us, err := cacheA.Stamps(ctx, "t-1", "u-1")
	require.NoError(t, err)
	cacheA.Set(testEntry("t-1", "u-1"), ts, us)

	_, ok := cacheA.Get(ctx, "t-1", "u-1")
	require.True(t, ok)

	// A revoke handled by another process bumps the stamp; the local entry
	// must stop serving immediately.
	require.NoError(t, cacheB.Invalidate(ctx, "t-1", "u-1"))

	_, ok = cacheA.Get(ctx, "t-1", "u-1")
	require.False(t, ok)
}

func TestCacheInvalidateTenantDropsAllUsers(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t, time.Minute)

	for _, user := range []string{"u-1", "u-2"} {
		ts, us, err := cache.Stamps(ctx, "t-1", user)
		require.NoError(t, err)
		cache.Set(testEntry("t-1", user), ts, us)
	}
	ts, us, err := cache.Stamps(ctx, "t-2", "u-1")
	require.NoError(t, err)
	cache.Set(testEntry("t-2", "u-1"), ts, us)

	require.NoError(t, cache.InvalidateTenant(ctx, "t-1"))

	_, ok := cache.Get(ctx, "t-1", "u-1")
	require.False(t, ok)
	_, ok = cache.Get(ctx, "t-1", "u-2")
	require.False(t, ok)
	_, ok = cache.Get(ctx, "t-2", "u-1")
	require.True(t, ok)
}

func TestCacheStampReadBeforeBuildLosesToConcurrentBump(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t, time.Minute)

	// Resolution reads stamps first, then a revoke lands, then the stale
	// build is stored. The entry must not serve.
	ts, us, err := cache.Stamps(ctx, "t-1", "u-1")
	require.NoError(t, err)
	require.NoError(t, cache.Invalidate(ctx, "t-1", "u-1"))
	cache.Set(testEntry("t-1", "u-1"), ts, us)

	_, ok := cache.Get(ctx, "t-1", "u-1")
	require.False(t, ok)
}

func TestCacheHonorsTTL(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t, time.Minute)

	entry := testEntry("t-1", "u-1")
	entry.ResolvedAt = time.Now().Add(-2 * time.Minute)
	ts, us, err := cache.Stamps(ctx, "t-1", "u-1")
	require.NoError(t, err)
	cache.Set(entry, ts, us)

	_, ok := cache.Get(ctx, "t-1", "u-1")
	require.False(t, ok)
}

func TestCacheHonorsStaleAt(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t, time.Minute)

	entry := testEntry("t-1", "u-1")
	entry.StaleAt = time.Now().Add(-time.Second)
	ts, us, err := cache.Stamps(ctx, "t-1", "u-1")
	require.NoError(t, err)
	cache.Set(entry, ts, us)

	// The earliest contributing expiry has passed, so the entry is stale
	// even though no stamp was bumped.
	_, ok := cache.Get(ctx, "t-1", "u-1")
	require.False(t, ok)
}

func TestCacheFailsClosedWhenRedisDown(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t, time.Minute)

	ts, us, err := cache.Stamps(ctx, "t-1", "u-1")
	require.NoError(t, err)
	cache.Set(testEntry("t-1", "u-1"), ts, us)

	mr.Close()

	_, ok := cache.Get(ctx, "t-1", "u-1")
	require.False(t, ok)
}

func TestCacheWithoutRedisStampReadBeforeBuildLosesToConcurrentBump(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(nil, time.Minute, nil)

	// Even without redis, a revoke that lands between the stamp read and the
	// store must keep the stale build from serving.
	ts, us, err := cache.Stamps(ctx, "t-1", "u-1")
	require.NoError(t, err)
	require.NoError(t, cache.Invalidate(ctx, "t-1", "u-1"))
	cache.Set(testEntry("t-1", "u-1"), ts, us)

	_, ok := cache.Get(ctx, "t-1", "u-1")
	require.False(t, ok)

	// Same for a tenant-wide invalidation racing a build.
	ts, us, err = cache.Stamps(ctx, "t-1", "u-2")
	require.NoError(t, err)
	require.NoError(t, cache.InvalidateTenant(ctx, "t-1"))
	cache.Set(testEntry("t-1", "u-2"), ts, us)

	_, ok = cache.Get(ctx, "t-1", "u-2")
	require.False(t, ok)
}

func TestCacheWithoutRedisDegradesToLocal(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(nil, time.Minute, nil)

	ts, us, err := cache.Stamps(ctx, "t-1", "u-1")
	require.NoError(t, err)
	require.Zero(t, ts)
	require.Zero(t, us)

	cache.Set(testEntry("t-1", "u-1"), ts, us)
	_, ok := cache.Get(ctx, "t-1", "u-1")
	require.True(t, ok)

	require.NoError(t, cache.Invalidate(ctx, "t-1", "u-1"))
	_, ok = cache.Get(ctx, "t-1", "u-1")
	require.False(t, ok)
}
