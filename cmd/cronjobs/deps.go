package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/simple-durable-cron/internal/config"
	"github.com/jdziat/simple-durable-cron/pkg/core"
	"github.com/jdziat/simple-durable-cron/pkg/ratelimit"
	"github.com/jdziat/simple-durable-cron/pkg/stats"
	"github.com/jdziat/simple-durable-cron/pkg/storage"
	"github.com/jdziat/simple-durable-cron/pkg/taskqueue"
)

// limiter is a rate limiter that the health monitor can probe.
type limiter interface {
	core.RateLimiter
	Ping(ctx context.Context) error
}

// deps is the shared infrastructure of one process.
type deps struct {
	db      *gorm.DB
	store   *storage.GormStorage
	stats   *stats.GormStore
	tasks   core.TaskQueue
	limiter limiter
	rdb     redis.UniversalClient

	migrate []func(context.Context) error
}

func openDeps(cfg config.Config, log *zap.Logger, poolFor role) (*deps, error) {
	db, err := storage.Open(cfg.DatabaseURL, logger.Warn)
	if err != nil {
		return nil, err
	}

	pool := storage.DefaultPoolConfig()
	if poolFor&roleWorker != 0 {
		pool = storage.WorkerPoolConfig(cfg.Worker.Concurrency)
	}
	if cfg.DB.MaxOpenConns > 0 {
		pool.MaxOpenConns = cfg.DB.MaxOpenConns
	}
	if cfg.DB.MaxIdleConns > 0 {
		pool.MaxIdleConns = cfg.DB.MaxIdleConns
	}
	if cfg.DB.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = cfg.DB.ConnMaxLifetime
	}
	if storage.DetectDriver(cfg.DatabaseURL) == storage.DriverSQLite {
		// One writer at a time; WAL lets readers proceed.
		pool.MaxOpenConns = 1
		pool.MaxIdleConns = 1
	}
	if err := storage.ConfigurePool(db, pool); err != nil {
		return nil, err
	}

	d := &deps{db: db, store: storage.NewGormStorage(db), stats: stats.NewGormStore(db)}
	d.migrate = append(d.migrate, d.store.Migrate, d.stats.Migrate)

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, errors.Wrap(err, "parse redis url")
		}
		d.rdb = redis.NewClient(opts)
		d.tasks = taskqueue.NewRedisQueue(d.rdb, taskqueue.WithVisibilityTimeout(cfg.VisibilityTimeout))
		d.limiter = ratelimit.NewRedisLimiter(d.rdb, ratelimit.WithLogger(log))
		log.Info("using redis task queue and rate limiter", zap.String("addr", opts.Addr))
	} else {
		gq := taskqueue.NewGormQueue(db, taskqueue.WithVisibilityTimeout(cfg.VisibilityTimeout))
		gl := ratelimit.NewGormLimiter(db, ratelimit.WithLogger(log))
		d.tasks, d.limiter = gq, gl
		d.migrate = append(d.migrate, gq.Migrate, gl.Migrate)
	}
	return d, nil
}

// Migrate creates every table this process's backends need.
func (d *deps) Migrate(ctx context.Context) error {
	for _, m := range d.migrate {
		if err := m(ctx); err != nil {
			return errors.Wrap(err, "migrate")
		}
	}
	return nil
}

func (d *deps) Close() error {
	var err error
	if d.rdb != nil {
		err = errors.CombineErrors(err, d.rdb.Close())
	}
	if sqlDB, dbErr := d.db.DB(); dbErr == nil {
		err = errors.CombineErrors(err, sqlDB.Close())
	}
	return err
}
