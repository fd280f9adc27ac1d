package ratelimit

import (
	"time"

	"go.uber.org/zap"
)

type limiterConfig struct {
	prefix     string
	stateTTL   time.Duration
	casRetries int
	now        func() time.Time
	logger     *zap.Logger
}

func defaultLimiterConfig() limiterConfig {
	return limiterConfig{
		prefix:     "ratelimit:",
		stateTTL:   time.Hour,
		casRetries: 10,
		now:        utcNow,
		logger:     zap.NewNop(),
	}
}

// Option configures a limiter.
type Option interface {
	apply(*limiterConfig)
}

type optionFunc func(*limiterConfig)

func (f optionFunc) apply(c *limiterConfig) { f(c) }

// WithKeyPrefix sets the Redis key prefix. Default "ratelimit:".
func WithKeyPrefix(prefix string) Option {
	return optionFunc(func(c *limiterConfig) {
		c.prefix = prefix
	})
}

// WithStateTTL sets how long remote feedback (limits, blocks) is remembered
// without new traffic. Default 1 hour.
func WithStateTTL(d time.Duration) Option {
	return optionFunc(func(c *limiterConfig) {
		if d > 0 {
			c.stateTTL = d
		}
	})
}

// WithCASRetries bounds compare-and-swap attempts of GormLimiter under contention.
func WithCASRetries(n int) Option {
	return optionFunc(func(c *limiterConfig) {
		if n > 0 {
			c.casRetries = n
		}
	})
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(c *limiterConfig) {
		if now != nil {
			c.now = now
		}
	})
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(c *limiterConfig) {
		if l != nil {
			c.logger = l
		}
	})
}

func utcNow() time.Time { return time.Now().UTC() }
