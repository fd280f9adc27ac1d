package api

import (
	"net/http"

	"go.uber.org/zap"
)

// Option configures the API handler.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

type config struct {
	middleware []func(http.Handler) http.Handler
	health     HealthChecker
	stats      StatsReader
	logger     *zap.Logger
	maxBody    int64
}

// WithMiddleware wraps the routes with middleware (auth, tracing, etc.).
// Middleware runs in the order given, after request ids and panic recovery.
func WithMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return optionFunc(func(c *config) {
		c.middleware = append(c.middleware, mw...)
	})
}

// WithHealth serves the checker's report on /healthz. Without it /healthz
// only reports that the process is up.
func WithHealth(h HealthChecker) Option {
	return optionFunc(func(c *config) {
		c.health = h
	})
}

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(c *config) {
		if l != nil {
			c.logger = l
		}
	})
}

// WithMaxBodySize bounds request bodies.
func WithMaxBodySize(n int64) Option {
	return optionFunc(func(c *config) {
		if n > 0 {
			c.maxBody = n
		}
	})
}

// WithStats serves per-minute execution stats on /v1/stats.
func WithStats(r StatsReader) Option {
	return optionFunc(func(c *config) {
		c.stats = r
	})
}
