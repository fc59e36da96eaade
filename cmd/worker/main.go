package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medibill/discounts/internal/app"
	"github.com/medibill/discounts/internal/config"
	"github.com/medibill/discounts/internal/lock"
	"github.com/medibill/discounts/internal/obs"
	"github.com/medibill/discounts/internal/queue"
	"github.com/medibill/discounts/internal/store"
	"github.com/medibill/discounts/internal/usage"
)

func main() {
	cfg := config.MustLoad()
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	deps, err := app.Open(startCtx, cfg, "discounts-worker", logger)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("open dependencies")
	}
	defer deps.Close(context.Background(), logger)

	settler := usage.Settler{
		Store:   store.NewPostgres(deps.DB),
		Locker:  lock.Locker{R: deps.Redis, RetryBackoff: cfg.LockRetryBackoff},
		LockTTL: cfg.LockTTL,
		Logger:  logger,
	}
	worker := queue.Worker{
		R:                 deps.Redis,
		Prefix:            cfg.QueueRedisPrefix,
		Kind:              usage.Kind,
		Concurrency:       cfg.SettlementWorkerConcurrency,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		SoftDeadline:      cfg.WorkerJobSoftDeadline,
		Heartbeat:         cfg.WorkerHeartbeatInterval,
		RetryBase:         cfg.QueueBackoffBase,
		RetryJitter:       cfg.QueueBackoffJitter,
		DeadLetters:       queue.NewStore(deps.DB),
		Logger:            logger,
		Handler:           settler.Handle,
	}

	if cfg.MetricsEnabled {
		srv := &http.Server{Addr: cfg.HTTPAddr(), Handler: promhttp.Handler(), ReadHeaderTimeout: cfg.ReadHeaderTimeout}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics listener stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info().Str("kind", usage.Kind).Int("concurrency", worker.Concurrency).Msg("worker starting")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
		return
	}
	logger.Info().Msg("worker shutdown complete")
}
