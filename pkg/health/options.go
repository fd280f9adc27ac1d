package health

import (
	"time"

	"go.uber.org/zap"
)

// Defaults.
const (
	DefaultInterval     = 15 * time.Second
	DefaultStaleAfter   = 30 * time.Second
	DefaultWorkerWindow = 30 * time.Second
	DefaultTimeout      = 5 * time.Second
)

type config struct {
	interval     time.Duration
	staleAfter   time.Duration
	workerWindow time.Duration
	timeout      time.Duration
	poller       Poller
	limiter      Pinger
	logger       *zap.Logger
	now          func() time.Time
}

func defaultConfig() config {
	return config{
		interval:     DefaultInterval,
		staleAfter:   DefaultStaleAfter,
		workerWindow: DefaultWorkerWindow,
		timeout:      DefaultTimeout,
		logger:       zap.NewNop(),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Option configures a Monitor.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

// Interval sets how often Start probes.
func Interval(d time.Duration) Option {
	return optionFunc(func(c *config) {
		if d > 0 {
			c.interval = d
		}
	})
}

// StaleAfter sets how old the last dispatcher poll may be before the
// report is degraded.
func StaleAfter(d time.Duration) Option {
	return optionFunc(func(c *config) {
		if d > 0 {
			c.staleAfter = d
		}
	})
}

// WorkerWindow sets how recent a heartbeat must be for a worker to count
// as live. Keep it above the workers' heartbeat interval.
func WorkerWindow(d time.Duration) Option {
	return optionFunc(func(c *config) {
		if d > 0 {
			c.workerWindow = d
		}
	})
}

// Timeout bounds one Check.
func Timeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		if d > 0 {
			c.timeout = d
		}
	})
}

// WithPoller enables the dispatcher staleness check. Processes that do
// not run the dispatcher leave it unset.
func WithPoller(p Poller) Option {
	return optionFunc(func(c *config) {
		c.poller = p
	})
}

// WithRateLimiter adds the shared rate limiter to the probes.
func WithRateLimiter(p Pinger) Option {
	return optionFunc(func(c *config) {
		c.limiter = p
	})
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(c *config) {
		if l != nil {
			c.logger = l
		}
	})
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(c *config) {
		if now != nil {
			c.now = func() time.Time { return now().UTC() }
		}
	})
}
