// Package worker provides the Worker that executes dispatched occurrences.
package worker

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jdziat/simple-durable-cron/pkg/core"
	"github.com/jdziat/simple-durable-cron/pkg/security"
)

// Default values.
const (
	DefaultConcurrency       = 10
	DefaultPollInterval      = 100 * time.Millisecond
	DefaultTimeout           = 30 * time.Second
	DefaultLease             = 5 * time.Minute
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultRetention         = 30 * 24 * time.Hour
)

// WorkerOption configures a Worker.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	WorkerID     string
	Hostname     string

	// DefaultTimeout applies to jobs without their own request timeout.
	DefaultTimeout time.Duration
	// Lease is the slack added to a claim lease beyond the request timeout
	// or the next retry instant.
	Lease             time.Duration
	HeartbeatInterval time.Duration
	// Retention is how long execution records are kept.
	Retention time.Duration

	HTTPClient *http.Client
	Limiter    core.RateLimiter
	Events     *core.Emitter
	Logger     *zap.Logger
	Now        func() time.Time

	StorageRetry *RetryConfig
	DequeueRetry *RetryConfig
}

// Concurrency sets how many tasks run at once.
// Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Concurrency = security.ClampConcurrency(n)
	})
}

// PollInterval sets how often the task queue is polled when idle.
func PollInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.PollInterval = d
		}
	})
}

// WorkerID sets the identifier reported in heartbeats and task locks.
func WorkerID(id string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if id != "" {
			c.WorkerID = id
		}
	})
}

// Timeout sets the request timeout for jobs that have none.
func Timeout(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.DefaultTimeout = security.ClampTimeout(d)
		}
	})
}

// Lease sets the claim lease slack.
func Lease(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.Lease = d
		}
	})
}

// HeartbeatInterval sets how often the worker reports liveness.
func HeartbeatInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.HeartbeatInterval = d
		}
	})
}

// Retention sets how long execution records are kept.
func Retention(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.Retention = d
		}
	})
}

// WithHTTPClient sets the client used to call targets.
func WithHTTPClient(client *http.Client) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if client != nil {
			c.HTTPClient = client
		}
	})
}

// WithRateLimiter sets the shared rate limiter. Without one, targets are
// called without local accounting.
func WithRateLimiter(l core.RateLimiter) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Limiter = l
	})
}

// WithEmitter publishes worker events on e.
func WithEmitter(e *core.Emitter) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Events = e
	})
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if l != nil {
			c.Logger = l
		}
	})
}

// WithClock overrides the time source. Returned instants are converted to UTC.
func WithClock(now func() time.Time) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if now != nil {
			c.Now = func() time.Time { return now().UTC() }
		}
	})
}

// WithStorageRetry sets the retry policy for job store writes.
func WithStorageRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StorageRetry = &cfg
	})
}

// WithDequeueRetry sets the retry policy for task queue reads.
func WithDequeueRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.DequeueRetry = &cfg
	})
}

// WithRetryAttempts sets the attempt count for job store writes, keeping
// the other defaults.
func WithRetryAttempts(attempts int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		cfg := DefaultRetryConfig()
		cfg.MaxAttempts = attempts
		c.StorageRetry = &cfg
	})
}

// DisableRetry makes job store and task queue operations single-shot.
func DisableRetry() WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		single := RetryConfig{MaxAttempts: 1}
		dequeue := single
		c.StorageRetry = &single
		c.DequeueRetry = &dequeue
	})
}
