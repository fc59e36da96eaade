package ratelimit

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// Fixed is a fixed-window limiter. It is cheaper than Sliding and allows short bursts at
// window edges.
type Fixed struct {
	lim *limiter.Limiter
}

// NewFixed builds a fixed-window limiter storing counters under prefix.
func NewFixed(client *redis.Client, prefix string, window time.Duration, max int) (*Fixed, error) {
	store, err := limiterredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: prefix})
	if err != nil {
		return nil, err
	}
	return &Fixed{lim: limiter.New(store, limiter.Rate{Period: window, Limit: int64(max)})}, nil
}

func (f *Fixed) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := f.lim.Get(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:   !res.Reached,
		Limit:     int(res.Limit),
		Remaining: int(res.Remaining),
		ResetAt:   time.Unix(res.Reset, 0),
	}, nil
}
