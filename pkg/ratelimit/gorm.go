package ratelimit

import (
	"context"
	"net/http"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/simple-durable-cron/pkg/core"
)

// ErrContention is returned when a bucket could not be updated within the
// configured number of compare-and-swap attempts.
var ErrContention = errors.New("rate limit bucket contention")

// GormLimiter keeps rate-limit buckets in a shared SQL table. Updates are
// optimistic: each write is conditional on the version that was read.
type GormLimiter struct {
	db  *gorm.DB
	cfg limiterConfig
}

var _ core.RateLimiter = (*GormLimiter)(nil)

// NewGormLimiter creates a limiter on db. Call Migrate before first use.
func NewGormLimiter(db *gorm.DB, opts ...Option) *GormLimiter {
	cfg := defaultLimiterConfig()
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	return &GormLimiter{db: db, cfg: cfg}
}

// Migrate creates the rate_limit_buckets table.
func (l *GormLimiter) Migrate(ctx context.Context) error {
	return l.db.WithContext(ctx).AutoMigrate(&core.RateLimitBucket{})
}

// CheckAndConsume admits or denies one request for key.
func (l *GormLimiter) CheckAndConsume(ctx context.Context, key core.RateLimitKey, cfg core.RateLimitConfig) (core.RateLimitDecision, error) {
	cfg = normalize(cfg)
	var decision core.RateLimitDecision

	err := l.update(ctx, key, func(b *core.RateLimitBucket) bool {
		decision = consume(b, cfg, l.cfg.now())
		return decision.Allowed
	})
	if err != nil {
		return core.RateLimitDecision{}, err
	}
	return decision, nil
}

// RecordResponseHeaders adapts the bucket to what the target reported.
func (l *GormLimiter) RecordResponseHeaders(ctx context.Context, key core.RateLimitKey, headers http.Header) error {
	fb := ParseHeaders(headers, l.cfg.now())
	if fb.Empty() {
		return nil
	}
	return l.update(ctx, key, func(b *core.RateLimitBucket) bool {
		absorb(b, fb)
		return true
	})
}

// update reads the bucket, applies fn and writes it back if fn reports a
// change, retrying when another process won the race.
func (l *GormLimiter) update(ctx context.Context, key core.RateLimitKey, fn func(*core.RateLimitBucket) bool) error {
	db := l.db.WithContext(ctx)
	k := key.String()

	for i := 0; i < l.cfg.casRetries; i++ {
		var b core.RateLimitBucket
		err := db.Where("bucket_key = ?", k).Take(&b).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			b = core.RateLimitBucket{Key: k}
			if !fn(&b) {
				return nil
			}
			b.Version = 1
			res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&b)
			if res.Error != nil {
				return errors.Wrapf(res.Error, "create rate limit bucket %s", k)
			}
			if res.RowsAffected == 1 {
				return nil
			}
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "load rate limit bucket %s", k)
		}

		if !fn(&b) {
			return nil
		}

		res := db.Model(&core.RateLimitBucket{}).
			Where("bucket_key = ? AND version = ?", k, b.Version).
			Updates(map[string]any{
				"window_start":  b.WindowStart,
				"count":         b.Count,
				"remote_limit":  b.RemoteLimit,
				"blocked_until": b.BlockedUntil,
				"version":       b.Version + 1,
			})
		if res.Error != nil {
			return errors.Wrapf(res.Error, "update rate limit bucket %s", k)
		}
		if res.RowsAffected == 1 {
			return nil
		}
		l.cfg.logger.Debug("rate limit bucket changed concurrently, retrying",
			zap.String("key", k), zap.Int("attempt", i+1))
	}
	return errors.WithDetailf(ErrContention, "key %s after %d attempts", k, l.cfg.casRetries)
}

// Ping checks the database connection.
func (l *GormLimiter) Ping(ctx context.Context) error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
