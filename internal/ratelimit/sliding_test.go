package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestSlidingWindow(t *testing.T) {
	now := time.UnixMilli(1_714_700_000_000)
	lim := Sliding{Client: newClient(t), Prefix: "rl:", Window: 2 * time.Second, Max: 2, Now: func() time.Time { return now }}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := lim.Allow(ctx, "key")
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.Equal(t, 1-i, d.Remaining)
		now = now.Add(500 * time.Millisecond)
	}

	d, err := lim.Allow(ctx, "key")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)
	require.Equal(t, time.UnixMilli(1_714_700_002_000), d.ResetAt)

	// the first event leaves the window, the rejected one never entered it
	now = time.UnixMilli(1_714_700_002_001)
	d, err = lim.Allow(ctx, "key")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	other, err := lim.Allow(ctx, "other")
	require.NoError(t, err)
	require.True(t, other.Allowed)
}

func TestSlidingDisabled(t *testing.T) {
	d, err := Sliding{Max: 0}.Allow(context.Background(), "key")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestFixedWindow(t *testing.T) {
	lim, err := NewFixed(newClient(t), "rlf", time.Minute, 1)
	require.NoError(t, err)
	ctx := context.Background()

	d, err := lim.Allow(ctx, "key")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = lim.Allow(ctx, "key")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 1, d.Limit)
}
