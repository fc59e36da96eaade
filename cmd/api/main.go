package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/medibill/discounts/internal/app"
	"github.com/medibill/discounts/internal/billing"
	"github.com/medibill/discounts/internal/cache"
	"github.com/medibill/discounts/internal/common"
	"github.com/medibill/discounts/internal/config"
	"github.com/medibill/discounts/internal/discount"
	"github.com/medibill/discounts/internal/health"
	"github.com/medibill/discounts/internal/obs"
	"github.com/medibill/discounts/internal/queue"
	"github.com/medibill/discounts/internal/ratelimit"
	"github.com/medibill/discounts/internal/resilience"
	"github.com/medibill/discounts/internal/security"
	"github.com/medibill/discounts/internal/settings"
	"github.com/medibill/discounts/internal/store"
	"github.com/medibill/discounts/internal/tenant"
	"github.com/medibill/discounts/internal/usage"
)

func main() {
	cfg := config.MustLoad()
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Str("component", "api").Logger()
	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		logger.Fatal().Err(err).Msg("apply migrations")
	}

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	deps, err := app.Open(startCtx, cfg, "discounts-api", logger)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("open dependencies")
	}
	defer deps.Close(context.Background(), logger)

	st := store.NewPostgres(deps.DB)
	taskQueue := queue.Enqueuer{R: deps.Redis, Prefix: cfg.QueueRedisPrefix, DedupTTL: cfg.IdempotencyTTL, MaxAttempts: cfg.QueueMaxAttempts}
	svc := &billing.Service{
		Store:    st,
		Settings: &settings.Loader{Store: st, Cache: cache.NewJSON(deps.Redis, cfg.SettingsCacheTTL), Logger: logger},
		Engine:   discount.NewEngine(logger.With().Str("module", "discount").Logger()),
		Usage:    usage.Publisher{Queue: taskQueue},
		Breaker: resilience.NewBreaker("discount-store", cfg.BreakerMinCalls, cfg.BreakerFailureRate, cfg.BreakerOpenFor).
			WithLogger(logger),
		Logger: logger,
	}

	limiter, err := newSimulateLimiter(cfg, deps)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter")
	}
	idem := common.Idem{R: deps.Redis, TTL: cfg.IdempotencyTTL, Scope: func(r *http.Request) string {
		id, _ := tenant.From(r.Context())
		return id
	}}

	discounts := billing.NewHandler(svc, logger)
	discounts.SimulateLimit = ratelimit.Handler{Limiter: limiter, Logger: logger}.Middleware
	discounts.SettleGuard = idem.Middleware

	queueAdmin := &queue.AdminHandler{Store: queue.NewStore(deps.DB), Queue: taskQueue, Logger: logger}

	healthHandler := health.Handler{
		Checks: map[string]health.Check{
			"db":    health.Postgres(deps.DB),
			"redis": health.Redis(deps.Redis),
		},
		Advisory: map[string]health.Check{
			"settlement_worker": health.Heartbeat(func(ctx context.Context) (time.Time, error) {
				at, _, err := queue.LastHeartbeat(ctx, deps.Redis, cfg.QueueRedisPrefix, usage.Kind)
				return at, err
			}, cfg.WorkerHeartbeatMaxAge),
		},
		Timeout: cfg.HealthTimeout,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	if cfg.TracingEnabled {
		r.Use(obs.SpanEnricher)
	}
	if cfg.MetricsEnabled {
		r.Use(obs.HTTPObs{Metrics: obs.NewHTTPMetrics(cfg.MetricsNamespace, cfg.MetricsBuckets, nil)}.Middleware)
	}
	r.Use(security.Headers{EnableHSTS: cfg.AppEnv == "production"}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Idempotency-Key", cfg.TenantHeader},
		ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Idempotent-Replay"},
		MaxAge:         300,
	}))

	healthHandler.Routes(r)
	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if cfg.PprofEnabled {
		r.Mount("/debug/pprof", basicAuth(newPprofMux(), cfg.PprofUser, cfg.PprofPass))
	}

	resolver := tenant.NewResolver(cfg.TenantHeader, cfg.TenantRootDomain, cfg.DefaultTenant)
	r.Route("/api/v1", func(v chi.Router) {
		v.Group(func(g chi.Router) {
			g.Use(resolver.Middleware)
			g.Use(obs.TenantCapture)
			g.Use(tenant.Require)
			discounts.Routes(g)
		})
		v.Route("/admin/queue", func(a chi.Router) {
			a.Use(func(next http.Handler) http.Handler { return basicAuth(next, cfg.AdminUser, cfg.AdminPass) })
			queueAdmin.Routes(a)
		})
	})

	var handler http.Handler = r
	if cfg.TracingEnabled {
		handler = otelhttp.NewHandler(r, "discounts-api")
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("server exited unexpectedly")
		return
	}
	logger.Info().Msg("server stopped")
}

func newSimulateLimiter(cfg *config.Config, deps *app.Dependencies) (ratelimit.Limiter, error) {
	prefix := cfg.QueueRedisPrefix + ":ratelimit:simulate:"
	if cfg.SimulateRateLimitStrategy == "fixed" {
		return ratelimit.NewFixed(deps.Redis, prefix, cfg.SimulateRateLimitWindow, cfg.SimulateRateLimitMax)
	}
	return ratelimit.Sliding{
		Client: deps.Redis,
		Prefix: prefix,
		Window: cfg.SimulateRateLimitWindow,
		Max:    cfg.SimulateRateLimitMax,
	}, nil
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		mux.Handle("/"+name, pprof.Handler(name))
	}
	return http.StripPrefix("/debug/pprof", mux)
}

// basicAuth guards operator endpoints. An empty user leaves them open, which is only
// sensible on a private network.
func basicAuth(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorised", nil)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
