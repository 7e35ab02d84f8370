package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestCacheSetGet covers the plain hit path and value isolation.
func TestCacheSetGet(t *testing.T) {
	t.Parallel()

	cache := New()
	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "cve:detail:CVE-2024-0001", []byte(`{"id":"CVE-2024-0001"}`), 0))

	got, ok, err := cache.Get(ctx, "cve:detail:CVE-2024-0001")
	require.NoError(t, err)
	require.True(t, ok)

	got[0] = 'X'
	again, ok, err := cache.Get(ctx, "cve:detail:CVE-2024-0001")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, byte('{'), again[0])
}

// TestCacheTTLExpiry verifies entries expire lazily after their TTL.
func TestCacheTTLExpiry(t *testing.T) {
	t.Parallel()

	cache := New()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.nowFn = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "k", []byte("v"), time.Minute))

	_, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, err = cache.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, cache.Len())
}

// TestCacheInvalidatePrefix checks both exact-key and prefix clears.
func TestCacheInvalidatePrefix(t *testing.T) {
	t.Parallel()

	cache := New()
	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "cve:list:page1", []byte("a"), 0))
	require.NoError(t, cache.Set(ctx, "cve:list:page2", []byte("b"), 0))
	require.NoError(t, cache.Set(ctx, "cve:detail:CVE-2024-0001", []byte("c"), 0))

	require.NoError(t, cache.Invalidate(ctx, "cve:list:"))
	require.Equal(t, 1, cache.Len())

	require.NoError(t, cache.Invalidate(ctx, "cve:detail:CVE-2024-0001"))
	require.Zero(t, cache.Len())
}
