// Package config loads the orchestrator's single immutable configuration
// record at process start, following the teacher's internal/config/config.go
// style: one struct, env-tagged fields, github.com/caarlos0/env/v10 parsing,
// no process-wide mutable config singletons (spec.md §9 "Global
// configuration").
package config

import (
	"time"

	"github.com/caarlos0/env/v10"
)

// Config is the closed set of options from spec.md §6.5 plus the connection
// strings and endpoints the domain stack needs to reach Postgres, Redis,
// Kafka, and an OTLP collector.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`

	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"labelsquor-orchestrator"`
	OTLPEndpoint    string `env:"OTLP_ENDPOINT" envDefault:""`
	MetricsAddr     string `env:"METRICS_ADDR" envDefault:":9090"`

	DBURL      string `env:"DATABASE_URL,required"`
	DBMaxConns int    `env:"DB_MAX_CONNS" envDefault:"0"`
	RedisURL   string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	KafkaBrokers     []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaEventsTopic string   `env:"KAFKA_EVENTS_TOPIC" envDefault:"labelsquor-events"`

	// Worker Pool (§4.8)
	NumWorkers           int `env:"NUM_WORKERS" envDefault:"4"`
	ShutdownGraceSeconds int `env:"SHUTDOWN_GRACE_SECONDS" envDefault:"30"`
	DispatchIdleBackoffMs int `env:"DISPATCH_IDLE_BACKOFF_MS" envDefault:"250"`
	DispatchMaxBackoffMs  int `env:"DISPATCH_MAX_BACKOFF_MS" envDefault:"5000"`

	// Lock Manager (§4.3)
	LockLeaseSeconds int `env:"LOCK_LEASE_SECONDS" envDefault:"300"`

	// Stage Executor (§4.7)
	StageTimeoutSeconds int `env:"STAGE_TIMEOUT_SECONDS" envDefault:"300"`

	// Retry Policy (§4.5)
	RetryBaseSeconds int     `env:"RETRY_BASE_SECONDS" envDefault:"60"`
	RetryMultiplier  float64 `env:"RETRY_MULTIPLIER" envDefault:"2.0"`
	RetryJitter      float64 `env:"RETRY_JITTER" envDefault:"0.2"`
	RetryCapSeconds  int     `env:"RETRY_CAP_SECONDS" envDefault:"3600"`
	MaxRetriesTransient int `env:"MAX_RETRIES_TRANSIENT" envDefault:"3"`

	// Resume Sweeper (§4.10)
	SweeperIntervalSeconds int `env:"SWEEPER_INTERVAL_SECONDS" envDefault:"15"`
	SweeperBatchSize       int `env:"SWEEPER_BATCH_SIZE" envDefault:"200"`

	// Quota-limit overrides (§6.5 quota_limits[service][window]); loaded
	// separately via quota_limits.go since it's a keyed map of maps, not a
	// flat env-shaped value.
	QuotaLimitsFile string `env:"QUOTA_LIMITS_FILE" envDefault:""`
}

// Load parses environment variables into a Config, matching the teacher's
// config.Load (env.Parse + no manual field-by-field os.Getenv calls).
func Load() (Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// IsDev reports whether the process is running in the dev environment.
func (c Config) IsDev() bool { return c.AppEnv == "dev" }

// IsProd reports whether the process is running in the prod environment.
func (c Config) IsProd() bool { return c.AppEnv == "prod" }

// IsTest reports whether the process is running under the test environment,
// used the same way the teacher's config.IsTest short-circuits timeouts in
// GetAIBackoffConfig: faster feedback loops in CI without a separate config
// file.
func (c Config) IsTest() bool { return c.AppEnv == "test" }

// PoolMaxConns returns the pgx pool's connection ceiling. Every worker
// holds at most one connection for the span of its claim -> transition ->
// execute -> commit cycle (§4.8), and the sweeper, event bus, and HTTP API
// each hold one more while active, so the floor scales with NumWorkers
// rather than a fixed constant; DBMaxConns overrides it when set.
func (c Config) PoolMaxConns() int32 {
	if c.DBMaxConns > 0 {
		return int32(c.DBMaxConns)
	}
	return int32(c.NumWorkers*2 + 4)
}

// LockLease returns LockLeaseSeconds as a time.Duration.
func (c Config) LockLease() time.Duration {
	return time.Duration(c.LockLeaseSeconds) * time.Second
}

// StageTimeout returns StageTimeoutSeconds as a time.Duration.
func (c Config) StageTimeout() time.Duration {
	return time.Duration(c.StageTimeoutSeconds) * time.Second
}

// ShutdownGrace returns ShutdownGraceSeconds as a time.Duration.
func (c Config) ShutdownGrace() time.Duration {
	if c.IsTest() {
		return 2 * time.Second
	}
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// SweeperInterval returns SweeperIntervalSeconds as a time.Duration.
func (c Config) SweeperInterval() time.Duration {
	return time.Duration(c.SweeperIntervalSeconds) * time.Second
}

// RetryCap returns RetryCapSeconds as a time.Duration.
func (c Config) RetryCap() time.Duration {
	return time.Duration(c.RetryCapSeconds) * time.Second
}
