package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type countingStats struct {
	hits   int
	misses int
}

func (s *countingStats) Hit(string)  { s.hits++ }
func (s *countingStats) Miss(string) { s.misses++ }

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis, *countingStats) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	stats := &countingStats{}
	return New(client, nil, stats), mr, stats
}

func TestFetchMemoizes(t *testing.T) {
	c, _, stats := newTestCache(t)
	ctx := context.Background()

	calls := 0
	loader := func(context.Context) (any, error) {
		calls++
		return map[string]int{"qty": 7}, nil
	}

	var got map[string]int
	require.NoError(t, c.Fetch(ctx, "stock:summary:1:0", time.Minute, &got, loader))
	require.Equal(t, 7, got["qty"])
	require.Equal(t, 1, calls)

	got = nil
	require.NoError(t, c.Fetch(ctx, "stock:summary:1:0", time.Minute, &got, loader))
	require.Equal(t, 7, got["qty"])
	require.Equal(t, 1, calls, "second read must be served from cache")
	require.Equal(t, 1, stats.hits)
	require.Equal(t, 1, stats.misses)
}

func TestFetchExpiry(t *testing.T) {
	c, mr, _ := newTestCache(t)
	ctx := context.Background()

	calls := 0
	loader := func(context.Context) (any, error) {
		calls++
		return calls, nil
	}

	var got int
	require.NoError(t, c.Fetch(ctx, "k", time.Minute, &got, loader))
	require.Equal(t, 1, got)

	mr.FastForward(2 * time.Minute)

	require.NoError(t, c.Fetch(ctx, "k", time.Minute, &got, loader))
	require.Equal(t, 2, got, "expired entry must be reproduced")
}

func TestLoaderErrorNotCached(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	boom := errors.New("producer down")
	calls := 0
	var got int
	err := c.Fetch(ctx, "k", time.Minute, &got, func(context.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, boom
		}
		return 42, nil
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, c.Fetch(ctx, "k", time.Minute, &got, func(ctx context.Context) (any, error) {
		calls++
		return 42, nil
	}))
	require.Equal(t, 42, got)
}

func TestInvalidate(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	calls := 0
	loader := func(context.Context) (any, error) {
		calls++
		return calls, nil
	}

	var got int
	require.NoError(t, c.Fetch(ctx, "ledger:balance:9", time.Minute, &got, loader))
	require.NoError(t, c.Invalidate(ctx, "ledger:balance:9"))
	require.NoError(t, c.Fetch(ctx, "ledger:balance:9", time.Minute, &got, loader))
	require.Equal(t, 2, got)
}

func TestInvalidateMatching(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	var got int
	for _, key := range []string{"stock:summary:5:1", "stock:summary:5:2", "stock:branch:1"} {
		require.NoError(t, c.Fetch(ctx, key, time.Minute, &got, func(context.Context) (any, error) { return 1, nil }))
	}

	require.NoError(t, c.InvalidateMatching(ctx, "stock:summary:5:*"))

	calls := 0
	counting := func(context.Context) (any, error) {
		calls++
		return 2, nil
	}
	require.NoError(t, c.Fetch(ctx, "stock:summary:5:1", time.Minute, &got, counting))
	require.NoError(t, c.Fetch(ctx, "stock:summary:5:2", time.Minute, &got, counting))
	require.NoError(t, c.Fetch(ctx, "stock:branch:1", time.Minute, &got, counting))
	require.Equal(t, 2, calls, "only the matching keys are reproduced")
}

func TestNilCacheDegradesToLoader(t *testing.T) {
	var c *Cache
	var got int
	require.NoError(t, c.Fetch(context.Background(), "k", time.Minute, &got, func(context.Context) (any, error) {
		return 11, nil
	}))
	require.Equal(t, 11, got)
	require.NoError(t, c.Invalidate(context.Background(), "k"))
	require.NoError(t, c.InvalidateMatching(context.Background(), "k*"))
}
