package worker

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/jdziat/simple-durable-cron/pkg/core"
)

// RetryConfig holds configuration for retrying job store operations.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 5
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	// Default: 100ms
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	// Default: 5s
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier applied to backoff after each attempt.
	// Default: 2.0
	BackoffMultiplier float64

	// JitterFraction is the fraction of backoff to randomize (0.0 to 1.0).
	// Default: 0.1 (10% jitter)
	JitterFraction float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

// retryWithBackoff executes the operation with exponential backoff on failure.
// Errors that IsRetryableError rejects are returned immediately.
func retryWithBackoff(ctx context.Context, config RetryConfig, operation func() error) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if !IsRetryableError(lastErr) {
			return lastErr
		}
		if attempt >= config.MaxAttempts {
			break
		}

		jitter := time.Duration(float64(backoff) * config.JitterFraction * (rand.Float64()*2 - 1))
		sleepDuration := backoff + jitter
		if sleepDuration < 0 {
			sleepDuration = backoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepDuration):
		}

		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return lastErr
}

// IsRetryableError determines if a job store error is worth retrying.
// Returns false for errors that indicate the claim or the job is gone.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.IsAny(err, core.ErrClaimLost, core.ErrJobNotFound, core.ErrInvalidTransition) {
		return false
	}
	// Connection, timeout, lock and deadlock errors are transient.
	return true
}

// OccurrenceBackoff is the delay before retrying a failed attempt:
// InitialDelay × Multiplier^(attempt−1), capped at MaxDelay.
func OccurrenceBackoff(cfg core.RetryConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return scaled(cfg, attempt-1)
}

// RateLimitBackoff is the deferral after a rate-limit denial:
// max(retryAfter, InitialDelay × Multiplier^streak), capped at MaxDelay.
func RateLimitBackoff(cfg core.RetryConfig, streak int, retryAfter time.Duration) time.Duration {
	if streak < 0 {
		streak = 0
	}
	d := scaled(cfg, streak)
	if retryAfter > d {
		d = retryAfter
	}
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}

func scaled(cfg core.RetryConfig, exp int) time.Duration {
	f := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(exp))
	if math.IsInf(f, 0) || f > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(f)
}
