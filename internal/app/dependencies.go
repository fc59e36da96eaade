// Package app opens the shared infrastructure used by the API and the worker.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/medibill/discounts/internal/config"
	"github.com/medibill/discounts/internal/obs"
)

// Dependencies are the long-lived clients of one process.
type Dependencies struct {
	DB    *pgxpool.Pool
	Redis *redis.Client

	closers []func(context.Context) error
}

// Open connects to Postgres and Redis and, when enabled, installs the tracer provider.
// component is used for the Postgres application_name and the tracing service name.
func Open(ctx context.Context, cfg *config.Config, component string, logger zerolog.Logger) (*Dependencies, error) {
	d := &Dependencies{}

	if cfg.TracingEnabled {
		shutdown, err := obs.InitTracer(ctx, obs.TracingConfig{
			ServiceName:   component,
			Endpoint:      cfg.OTLPEndpoint,
			Exporter:      cfg.TracingExporter,
			SamplingRatio: cfg.TracingSampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
		} else {
			d.closers = append(d.closers, shutdown)
		}
	}

	pool, err := openPostgres(ctx, cfg, component)
	if err != nil {
		d.Close(ctx, logger)
		return nil, err
	}
	d.DB = pool
	d.closers = append(d.closers, func(context.Context) error { pool.Close(); return nil })

	client, err := openRedis(ctx, cfg, logger)
	if err != nil {
		d.Close(ctx, logger)
		return nil, err
	}
	d.Redis = client
	d.closers = append(d.closers, func(context.Context) error { return client.Close() })
	return d, nil
}

// Close releases everything Open acquired, newest first.
func (d *Dependencies) Close(ctx context.Context, logger zerolog.Logger) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](ctx); err != nil {
			logger.Error().Err(err).Msg("close dependency")
		}
	}
	d.closers = nil
}

func openPostgres(ctx context.Context, cfg *config.Config, component string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = component
	if cfg.DBStatementCacheCapacity >= 0 {
		poolConfig.ConnConfig.StatementCacheCapacity = cfg.DBStatementCacheCapacity
	}
	if cfg.DBMaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.DBMaxIdleConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func openRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if cfg.MetricsEnabled {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
