package health

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
)

// Postgres pings the pool.
func Postgres(pool *pgxpool.Pool) Check {
	return func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("not configured")
		}
		return pool.Ping(ctx)
	}
}

// Redis pings the client.
func Redis(client *redis.Client) Check {
	return func(ctx context.Context) error {
		if client == nil {
			return fmt.Errorf("not configured")
		}
		return client.Ping(ctx).Err()
	}
}

// Heartbeat fails when the last beat reported by last is older than maxAge.
func Heartbeat(last func(context.Context) (time.Time, error), maxAge time.Duration) Check {
	return func(ctx context.Context) error {
		at, err := last(ctx)
		if err != nil {
			return err
		}
		if at.IsZero() {
			return fmt.Errorf("no heartbeat")
		}
		if age := time.Since(at); age > maxAge {
			return fmt.Errorf("last heartbeat %s ago", age.Round(time.Second))
		}
		return nil
	}
}
