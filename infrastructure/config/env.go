package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Sync configures the orchestrator and its batch processor.
type Sync struct {
	BatchSize      int           `env:"SYNC_BATCH_SIZE,default=1000"`
	Parallelism    int           `env:"SYNC_PARALLELISM,default=100"`
	TimeoutSeconds int           `env:"SYNC_TIMEOUT_SECONDS,default=30"`
	Cron           string        `env:"SYNC_CRON,default=@every 12h"`
	ScanLimit      int           `env:"SYNC_SCAN_LIMIT,default=1000000"`
	PageSize       int           `env:"SYNC_PAGE_SIZE,default=5000"`
	Predicate      string        `env:"SYNC_SELECTION_PREDICATE"`
	StaleLockAfter time.Duration `env:"SYNC_STALE_LOCK_AFTER,default=1h"`
}

// PerItemTimeout converts the configured seconds into a duration.
func (s Sync) PerItemTimeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Resource configures the adaptive resource manager's control loop.
type Resource struct {
	CPUThreshold    float64       `env:"RESOURCE_CPU_THRESHOLD,default=0.80"`
	MemoryThreshold float64       `env:"RESOURCE_MEMORY_THRESHOLD,default=0.85"`
	IntervalMin     time.Duration `env:"RESOURCE_INTERVAL_MIN,default=10s"`
	IntervalMax     time.Duration `env:"RESOURCE_INTERVAL_MAX,default=120s"`
	Interval        time.Duration `env:"RESOURCE_INTERVAL,default=30s"`
	MinBatch        int           `env:"RESOURCE_MIN_BATCH,default=50"`
	MaxBatch        int           `env:"RESOURCE_MAX_BATCH,default=1000"`
}

// Circuit configures the per-shard circuit breakers in the gateway.
type Circuit struct {
	FailureRate      float64       `env:"CIRCUIT_FAILURE_RATE,default=0.5"`
	SlowCallRate     float64       `env:"CIRCUIT_SLOW_CALL_RATE,default=0.5"`
	SlidingWindow    int           `env:"CIRCUIT_SLIDING_WINDOW,default=20"`
	MinimumCalls     int           `env:"CIRCUIT_MINIMUM_CALLS,default=10"`
	OpenDuration     time.Duration `env:"CIRCUIT_OPEN_DURATION,default=30s"`
	SlowCallDuration time.Duration `env:"CIRCUIT_SLOW_CALL_DURATION,default=10s"`
	HalfOpenProbes   int           `env:"CIRCUIT_HALF_OPEN_PROBES,default=5"`
}

// Retry configures the gateway's outbound retry policy.
type Retry struct {
	MaxAttempts int           `env:"RETRY_MAX_ATTEMPTS,default=3"`
	BaseWait    time.Duration `env:"RETRY_BASE_WAIT,default=2s"`
	Multiplier  float64       `env:"RETRY_MULTIPLIER,default=2.0"`
}

// RateLimiter configures the gateway's token bucket.
type RateLimiter struct {
	LimitForPeriod int           `env:"RATE_LIMITER_LIMIT_FOR_PERIOD,default=1000"`
	RefreshPeriod  time.Duration `env:"RATE_LIMITER_REFRESH_PERIOD,default=60s"`
	Timeout        time.Duration `env:"RATE_LIMITER_TIMEOUT,default=5s"`
}

// Broker configures the event publisher's transport.
type Broker struct {
	BootstrapServers []string      `env:"BROKER_BOOTSTRAP_SERVERS,default=localhost:9092"`
	Acks             string        `env:"BROKER_ACKS,default=all"`
	Compression      string        `env:"BROKER_COMPRESSION,default=snappy"`
	MaxInFlight      int           `env:"BROKER_MAX_IN_FLIGHT,default=5"`
	OutboxDrainEvery time.Duration `env:"BROKER_OUTBOX_DRAIN_EVERY,default=30s"`
	OutboxDrainLimit int           `env:"BROKER_OUTBOX_DRAIN_LIMIT,default=100"`
}

// Storage configures the optional concrete persistence adapters.
type Storage struct {
	PostgresDSN string `env:"POSTGRES_DSN"`
	RedisURL    string `env:"REDIS_URL"`
}

// Engine is the full configuration tree for one sync-engine process.
type Engine struct {
	Sync        Sync
	Resource    Resource
	Circuit     Circuit
	Retry       Retry
	RateLimiter RateLimiter
	Broker      Broker
	Storage     Storage

	OpsPort   int    `env:"OPS_PORT,default=8080"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`
}

// Load reads .env (if present) and decodes the full Engine tree from the
// environment. Unset variables fall back to their struct-tag defaults.
func Load() (*Engine, error) {
	_ = godotenv.Load()

	var cfg Engine
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode engine config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Engine) validate() error {
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be positive")
	}
	if c.Sync.Parallelism <= 0 {
		return fmt.Errorf("SYNC_PARALLELISM must be positive")
	}
	if c.Resource.IntervalMin > c.Resource.IntervalMax {
		return fmt.Errorf("RESOURCE_INTERVAL_MIN exceeds RESOURCE_INTERVAL_MAX")
	}
	if c.Resource.MinBatch > c.Resource.MaxBatch {
		return fmt.Errorf("RESOURCE_MIN_BATCH exceeds RESOURCE_MAX_BATCH")
	}
	if c.Circuit.FailureRate <= 0 || c.Circuit.FailureRate > 1 {
		return fmt.Errorf("CIRCUIT_FAILURE_RATE must be in (0, 1]")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}
