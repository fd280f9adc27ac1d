package taskqueue

import (
	"time"
)

// DefaultVisibilityTimeout is how long a dequeued task stays invisible to
// other workers before it is redelivered.
const DefaultVisibilityTimeout = 5 * time.Minute

type queueConfig struct {
	visibility time.Duration
	prefix     string
	now        func() time.Time
}

func defaultQueueConfig() queueConfig {
	return queueConfig{
		visibility: DefaultVisibilityTimeout,
		prefix:     "cronjobs:",
		now:        utcNow,
	}
}

// Option configures a task queue.
type Option interface {
	apply(*queueConfig)
}

type optionFunc func(*queueConfig)

func (f optionFunc) apply(c *queueConfig) { f(c) }

// WithVisibilityTimeout sets how long a dequeued task is hidden. Default 5 minutes.
func WithVisibilityTimeout(d time.Duration) Option {
	return optionFunc(func(c *queueConfig) {
		if d > 0 {
			c.visibility = d
		}
	})
}

// WithKeyPrefix sets the Redis key prefix. Default "cronjobs:".
func WithKeyPrefix(prefix string) Option {
	return optionFunc(func(c *queueConfig) {
		c.prefix = prefix
	})
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(c *queueConfig) {
		if now != nil {
			c.now = now
		}
	})
}

func utcNow() time.Time { return time.Now().UTC() }
