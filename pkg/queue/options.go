package queue

import (
	"time"

	"go.uber.org/zap"
)

// Default values.
var (
	DefaultPollInterval        = time.Second
	DefaultMaintenanceInterval = time.Minute
	DefaultBatchSize           = 100
	DefaultLease               = 10 * time.Minute
	DefaultDedupeWindow        = time.Minute
	DefaultHistoryLimit        = 50
	MaxHistoryLimit            = 1000
)

// Options holds configuration for the queue service.
type Options struct {
	PollInterval        time.Duration
	MaintenanceInterval time.Duration
	BatchSize           int
	// Lease bounds how long a claimed job may stay executing without its
	// worker extending the claim. Expired leases are released by maintenance.
	Lease        time.Duration
	DedupeWindow time.Duration
	Logger       *zap.Logger
	Now          func() time.Time
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return &Options{
		PollInterval:        DefaultPollInterval,
		MaintenanceInterval: DefaultMaintenanceInterval,
		BatchSize:           DefaultBatchSize,
		Lease:               DefaultLease,
		DedupeWindow:        DefaultDedupeWindow,
		Logger:              zap.NewNop(),
		Now:                 func() time.Time { return time.Now().UTC() },
	}
}

// Option modifies Options.
type Option interface {
	Apply(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) Apply(o *Options) { f(o) }

// PollInterval sets how often due jobs are looked up.
func PollInterval(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		if d > 0 {
			o.PollInterval = d
		}
	})
}

// MaintenanceInterval sets how often expired leases and executions are cleaned up.
func MaintenanceInterval(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		if d > 0 {
			o.MaintenanceInterval = d
		}
	})
}

// BatchSize caps the number of jobs claimed per poll.
func BatchSize(n int) Option {
	return optionFunc(func(o *Options) {
		if n > 0 {
			o.BatchSize = n
		}
	})
}

// Lease sets the claim lease written at dispatch.
func Lease(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		if d > 0 {
			o.Lease = d
		}
	})
}

// DedupeWindow sets the window within which an identical job definition is
// rejected as a duplicate. Zero disables the fingerprint check.
func DedupeWindow(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		if d >= 0 {
			o.DedupeWindow = d
		}
	})
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	})
}

// WithClock overrides the time source. Returned instants are converted to UTC.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(o *Options) {
		if now != nil {
			o.Now = func() time.Time { return now().UTC() }
		}
	})
}
