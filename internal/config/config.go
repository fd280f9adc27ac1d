// Package config loads the cronjobs binary configuration from the environment.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
)

// Prefix is prepended to every environment variable name.
const Prefix = "CRONJOBS_"

// Config is the full process configuration.
type Config struct {
	// DatabaseURL selects PostgreSQL for postgres:// URLs and key=value
	// strings, and a SQLite file otherwise.
	DatabaseURL string `env:"DATABASE_URL" envDefault:"cronjobs.db"`
	// RedisURL, when set, moves the task queue and the rate limiter to Redis.
	RedisURL string `env:"REDIS_URL"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	Log        LogConfig        `envPrefix:"LOG_"`
	DB         PoolConfig       `envPrefix:"DB_"`
	Dispatcher DispatcherConfig `envPrefix:"DISPATCHER_"`
	Worker     WorkerConfig     `envPrefix:"WORKER_"`
	Health     HealthConfig     `envPrefix:"HEALTH_"`
	Stats      StatsConfig      `envPrefix:"STATS_"`

	VisibilityTimeout time.Duration `env:"VISIBILITY_TIMEOUT" envDefault:"5m"`
}

// LogConfig selects the logger.
type LogConfig struct {
	Level string `env:"LEVEL" envDefault:"info"`
	// Format is json or console.
	Format string `env:"FORMAT" envDefault:"json"`
}

// PoolConfig overrides the database pool. Zero keeps the default.
type PoolConfig struct {
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME"`
}

// DispatcherConfig configures the queue service.
type DispatcherConfig struct {
	PollInterval        time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	MaintenanceInterval time.Duration `env:"MAINTENANCE_INTERVAL" envDefault:"1m"`
	BatchSize           int           `env:"BATCH_SIZE" envDefault:"100"`
	Lease               time.Duration `env:"LEASE" envDefault:"10m"`
	DedupeWindow        time.Duration `env:"DEDUPE_WINDOW" envDefault:"1m"`
}

// WorkerConfig configures the worker service.
type WorkerConfig struct {
	ID                string        `env:"ID"`
	Concurrency       int           `env:"CONCURRENCY" envDefault:"10"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"100ms"`
	Timeout           time.Duration `env:"TIMEOUT" envDefault:"30s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`
	Retention         time.Duration `env:"RETENTION" envDefault:"720h"`
}

// HealthConfig configures the health monitor.
type HealthConfig struct {
	Interval     time.Duration `env:"INTERVAL" envDefault:"15s"`
	StaleAfter   time.Duration `env:"STALE_AFTER" envDefault:"30s"`
	WorkerWindow time.Duration `env:"WORKER_WINDOW" envDefault:"30s"`
}

// StatsConfig configures the execution stats collector.
type StatsConfig struct {
	FlushInterval time.Duration `env:"FLUSH_INTERVAL" envDefault:"1m"`
	// Retention of zero keeps buckets forever.
	Retention time.Duration `env:"RETENTION" envDefault:"168h"`
}

// Load parses the environment.
func Load() (Config, error) {
	return LoadFrom(nil)
}

// LoadFrom parses the given variables instead of the process environment
// when environ is non-nil.
func LoadFrom(environ map[string]string) (Config, error) {
	opts := env.Options{Prefix: Prefix}
	if environ != nil {
		opts.Environment = environ
	}
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return Config{}, errors.Wrap(err, "parse environment")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the services cannot run with.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("config: DATABASE_URL is required")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return errors.Newf("config: LOG_FORMAT must be json or console, got %q", c.Log.Format)
	}
	for name, d := range map[string]time.Duration{
		"DISPATCHER_POLL_INTERVAL":        c.Dispatcher.PollInterval,
		"DISPATCHER_MAINTENANCE_INTERVAL": c.Dispatcher.MaintenanceInterval,
		"DISPATCHER_LEASE":                c.Dispatcher.Lease,
		"WORKER_POLL_INTERVAL":            c.Worker.PollInterval,
		"WORKER_TIMEOUT":                  c.Worker.Timeout,
		"WORKER_HEARTBEAT_INTERVAL":       c.Worker.HeartbeatInterval,
		"WORKER_RETENTION":                c.Worker.Retention,
		"HEALTH_INTERVAL":                 c.Health.Interval,
		"STATS_FLUSH_INTERVAL":            c.Stats.FlushInterval,
		"VISIBILITY_TIMEOUT":              c.VisibilityTimeout,
	} {
		if d <= 0 {
			return errors.Newf("config: %s must be positive", name)
		}
	}
	if c.Dispatcher.DedupeWindow < 0 || c.Stats.Retention < 0 {
		return errors.New("config: DISPATCHER_DEDUPE_WINDOW and STATS_RETENTION must not be negative")
	}
	if c.Dispatcher.BatchSize <= 0 || c.Worker.Concurrency <= 0 {
		return errors.New("config: DISPATCHER_BATCH_SIZE and WORKER_CONCURRENCY must be positive")
	}
	if c.Worker.Timeout >= c.VisibilityTimeout {
		return errors.Newf("config: WORKER_TIMEOUT %s must be below VISIBILITY_TIMEOUT %s",
			c.Worker.Timeout, c.VisibilityTimeout)
	}
	return nil
}
