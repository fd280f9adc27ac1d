package stats

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Defaults.
const (
	DefaultFlushInterval = time.Minute
	DefaultRetention     = 7 * 24 * time.Hour
)

// DepthReader reports task queue depth. core.TaskQueue implements it.
type DepthReader interface {
	Depth(ctx context.Context) (total int64, ready int64, err error)
}

type config struct {
	flushInterval time.Duration
	retention     time.Duration
	depth         DepthReader
	logger        *zap.Logger
	now           func() time.Time
}

func defaultConfig() config {
	return config{
		flushInterval: DefaultFlushInterval,
		retention:     DefaultRetention,
		logger:        zap.NewNop(),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Option configures a Collector.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

// FlushInterval sets how often counters are written and depth is sampled.
func FlushInterval(d time.Duration) Option {
	return optionFunc(func(c *config) {
		if d > 0 {
			c.flushInterval = d
		}
	})
}

// Retention sets how long buckets are kept. Zero keeps them forever.
func Retention(d time.Duration) Option {
	return optionFunc(func(c *config) {
		if d >= 0 {
			c.retention = d
		}
	})
}

// WithDepth samples the task queue depth on every flush.
func WithDepth(d DepthReader) Option {
	return optionFunc(func(c *config) {
		c.depth = d
	})
}

func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(c *config) {
		if l != nil {
			c.logger = l
		}
	})
}

func WithClock(now func() time.Time) Option {
	return optionFunc(func(c *config) {
		if now != nil {
			c.now = func() time.Time { return now().UTC() }
		}
	})
}
