package cache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/medibill/discounts/internal/tenant"
)

type snapshot struct {
	Enabled bool   `json:"enabled"`
	Mode    string `json:"mode"`
}

func TestJSONRoundTripAndExpiry(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	c := NewJSON(client, time.Minute)
	ctx := tenant.With(context.Background(), "rs-a")
	key := KeyHospitalSettings(ctx)
	require.Equal(t, "rs-a:discount:settings", key)

	var got snapshot
	found, err := c.GetJSON(ctx, key, &got)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, c.SetJSON(ctx, key, snapshot{Enabled: true, Mode: "incremental"}))
	found, err = c.GetJSON(ctx, key, &got)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, snapshot{Enabled: true, Mode: "incremental"}, got)

	mr.FastForward(2 * time.Minute)
	found, err = c.GetJSON(ctx, key, &got)
	require.NoError(t, err)
	require.False(t, found)
}

func TestJSONDisabled(t *testing.T) {
	c := NewJSON(nil, time.Minute)
	require.NoError(t, c.SetJSON(context.Background(), "k", snapshot{}))
	found, err := c.GetJSON(context.Background(), "k", &snapshot{})
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, "discount:settings", KeyHospitalSettings(context.Background()))
}
