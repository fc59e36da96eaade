package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string

	TenantHeader     string
	TenantRootDomain string
	DefaultTenant    string

	LogFormat        string
	LogLevel         string
	MetricsEnabled   bool
	MetricsNamespace string
	MetricsBuckets   []float64
	TracingEnabled   bool
	TracingExporter  string
	OTLPEndpoint     string
	TracingSampling  float64

	PprofEnabled bool
	PprofUser    string
	PprofPass    string
	AdminUser    string
	AdminPass    string

	ShutdownGrace     time.Duration
	ReadHeaderTimeout time.Duration
	HealthTimeout     time.Duration

	SettingsCacheTTL time.Duration
	IdempotencyTTL   time.Duration

	SimulateRateLimitMax      int
	SimulateRateLimitWindow   time.Duration
	SimulateRateLimitStrategy string

	BreakerMinCalls    int
	BreakerFailureRate float64
	BreakerOpenFor     time.Duration

	QueueRedisPrefix            string
	QueueMaxAttempts            int
	QueueVisibilityTimeout      time.Duration
	QueueBackoffBase            time.Duration
	QueueBackoffJitter          float64
	SettlementWorkerConcurrency int
	WorkerHeartbeatInterval     time.Duration
	WorkerHeartbeatMaxAge       time.Duration
	WorkerJobSoftDeadline       time.Duration

	LockTTL          time.Duration
	LockRetryBackoff time.Duration

	DBMaxOpenConns           int
	DBMaxIdleConns           int
	DBStatementCacheCapacity int
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		TenantHeader:     valueOrDefault(k.String("TENANT_HEADER"), "X-Tenant-ID"),
		TenantRootDomain: strings.TrimSpace(k.String("TENANT_ROOT_DOMAIN")),
		DefaultTenant:    strings.TrimSpace(k.String("DEFAULT_TENANT")),

		LogFormat:        valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
		LogLevel:         valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
		MetricsEnabled:   parseBool(k.String("OBS_ENABLE_PROMETHEUS"), true),
		MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "discounts"),
		MetricsBuckets:   parseBuckets(k.String("OBS_METRICS_BUCKETS_MS")),
		TracingEnabled:   parseBool(k.String("OBS_ENABLE_TRACING"), false),
		TracingExporter:  valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "otlp"),
		OTLPEndpoint:     strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
		TracingSampling:  parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1),

		PprofEnabled: parseBool(k.String("OBS_ENABLE_PPROF"), false),
		PprofUser:    k.String("SECURE_PPROF_BASIC_AUTH_USER"),
		PprofPass:    k.String("SECURE_PPROF_BASIC_AUTH_PASS"),
		AdminUser:    k.String("ADMIN_BASIC_AUTH_USER"),
		AdminPass:    k.String("ADMIN_BASIC_AUTH_PASS"),

		ShutdownGrace:     parseDuration(k.String("SHUTDOWN_GRACE"), "15s"),
		ReadHeaderTimeout: parseDuration(k.String("HTTP_READ_HEADER_TIMEOUT"), "5s"),
		HealthTimeout:     parseDuration(k.String("HEALTH_CHECK_TIMEOUT"), "500ms"),

		SettingsCacheTTL: parseDuration(k.String("SETTINGS_CACHE_TTL"), "5m"),
		IdempotencyTTL:   parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),

		SimulateRateLimitMax:      parseInt(k.String("SIMULATE_RATE_LIMIT_MAX"), 60),
		SimulateRateLimitWindow:   parseDuration(k.String("SIMULATE_RATE_LIMIT_WINDOW"), "1m"),
		SimulateRateLimitStrategy: strings.ToLower(valueOrDefault(k.String("SIMULATE_RATE_LIMIT_STRATEGY"), "sliding")),

		BreakerMinCalls:    parseInt(k.String("BREAKER_MIN_CALLS"), 10),
		BreakerFailureRate: parseFloat(k.String("BREAKER_FAILURE_RATE"), 0.5),
		BreakerOpenFor:     parseDuration(k.String("BREAKER_OPEN_FOR"), "30s"),

		QueueRedisPrefix:            valueOrDefault(k.String("QUEUE_REDIS_PREFIX"), "discounts"),
		QueueMaxAttempts:            parseInt(k.String("QUEUE_MAX_ATTEMPTS"), 8),
		QueueVisibilityTimeout:      parseDuration(k.String("SETTLEMENT_VISIBILITY_TIMEOUT"), "30s"),
		QueueBackoffBase:            parseDuration(k.String("RETRY_BASE"), "200ms"),
		QueueBackoffJitter:          parseFloat(k.String("RETRY_JITTER_PERCENT"), 20) / 100,
		SettlementWorkerConcurrency: parseInt(k.String("SETTLEMENT_WORKER_CONCURRENCY"), 4),
		WorkerHeartbeatInterval:     parseDuration(k.String("WORKER_HEARTBEAT_INTERVAL"), "10s"),
		WorkerHeartbeatMaxAge:       parseDuration(k.String("WORKER_HEARTBEAT_MAX_AGE"), "1m"),
		WorkerJobSoftDeadline:       parseDuration(k.String("WORKER_JOB_SOFT_DEADLINE"), "20s"),

		LockTTL:          parseDuration(k.String("LOCK_TTL"), "10s"),
		LockRetryBackoff: parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),

		DBMaxOpenConns:           parseInt(k.String("DB_MAX_OPEN_CONNS"), 0),
		DBMaxIdleConns:           parseInt(k.String("DB_MAX_IDLE_CONNS"), 0),
		DBStatementCacheCapacity: parseInt(k.String("DB_STATEMENT_CACHE_CAPACITY"), -1),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.QueueMaxAttempts <= 0 {
		return nil, errors.New("QUEUE_MAX_ATTEMPTS must be positive")
	}
	switch cfg.SimulateRateLimitStrategy {
	case "sliding", "fixed":
	default:
		return nil, fmt.Errorf("SIMULATE_RATE_LIMIT_STRATEGY must be sliding or fixed, got %q", cfg.SimulateRateLimitStrategy)
	}
	if cfg.SettlementWorkerConcurrency <= 0 {
		cfg.SettlementWorkerConcurrency = 1
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return v
}

func parseBool(value string, fallback bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return v
}

func parseBuckets(value string) []float64 {
	var out []float64
	for _, part := range splitAndTrim(value) {
		if v, err := strconv.ParseFloat(part, 64); err == nil && v > 0 {
			out = append(out, v)
		}
	}
	return out
}

func parseFloat(value string, fallback float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return v
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
