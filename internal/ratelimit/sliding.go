package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// slidingScript trims the window, then records the event only when it fits, so rejected
// calls do not push the caller's reset further out. Scores are unix milliseconds.
var slidingScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local n = redis.call("ZCARD", KEYS[1])
if n < max then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
  redis.call("PEXPIRE", KEYS[1], window)
  return {1, max - n - 1, now}
end
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
return {0, 0, tonumber(oldest[2])}
`)

// Sliding is an exact sliding-window limiter backed by a Redis sorted set per key.
type Sliding struct {
	Client *redis.Client
	Prefix string
	Window time.Duration
	Max    int
	Now    func() time.Time
}

func (s Sliding) Allow(ctx context.Context, key string) (Decision, error) {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	if s.Client == nil || s.Max <= 0 || s.Window <= 0 {
		return Decision{Allowed: true, Limit: s.Max, Remaining: s.Max, ResetAt: now.Add(s.Window)}, nil
	}
	res, err := slidingScript.Run(ctx, s.Client, []string{s.Prefix + key},
		now.UnixMilli(), s.Window.Milliseconds(), s.Max, uuid.NewString()).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:   res[0] == 1,
		Limit:     s.Max,
		Remaining: int(res[1]),
		ResetAt:   time.UnixMilli(res[2]).Add(s.Window),
	}, nil
}
