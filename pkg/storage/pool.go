package storage

import (
	"time"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"
)

// PoolConfig holds connection pool configuration.
type PoolConfig struct {
	// MaxOpenConns is the maximum number of open connections to the database.
	// Default: 25
	MaxOpenConns int

	// MaxIdleConns is the maximum number of connections in the idle pool.
	// Default: 10
	MaxIdleConns int

	// ConnMaxLifetime is the maximum amount of time a connection may be reused.
	// Default: 5 minutes
	ConnMaxLifetime time.Duration

	// ConnMaxIdleTime is the maximum amount of time a connection may be idle.
	// Default: 1 minute
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns defaults suitable for a dispatcher plus a
// handful of worker goroutines sharing one process.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// WorkerPoolConfig sizes the pool for a worker running concurrency task
// goroutines. Each in-flight task holds at most one connection at a time;
// the heartbeat and lease extensions need a few more.
func WorkerPoolConfig(concurrency int) PoolConfig {
	cfg := DefaultPoolConfig()
	if open := concurrency + 4; open > cfg.MaxOpenConns {
		cfg.MaxOpenConns = open
	}
	if idle := concurrency/2 + 2; idle > cfg.MaxIdleConns {
		cfg.MaxIdleConns = idle
	}
	return cfg
}

// ConfigurePool applies cfg to a GORM database connection.
func ConfigurePool(db *gorm.DB, cfg PoolConfig) error {
	sqlDB, err := db.DB()
	if err != nil {
		return errors.Wrap(err, "get underlying *sql.DB")
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return nil
}
