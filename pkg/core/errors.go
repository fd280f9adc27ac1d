package core

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// Sentinel errors. Wrap with errors.Wrap to add context; match with errors.Is.
var (
	ErrDuplicateJob          = errors.New("cronjobs: duplicate job")
	ErrJobNotFound           = errors.New("cronjobs: job not found")
	ErrContradictorySchedule = errors.New("cronjobs: contradictory schedule")
	ErrNoFutureOccurrence    = errors.New("cronjobs: schedule has no future occurrence")
	ErrInvalidTransition     = errors.New("cronjobs: invalid status transition")
	ErrClaimLost             = errors.New("cronjobs: claim no longer held")
	ErrQueueUnavailable      = errors.New("cronjobs: task queue unavailable")
	ErrTaskLost              = errors.New("cronjobs: task lock no longer held")
	ErrInvalidJob            = errors.New("cronjobs: invalid job definition")
)

// TargetError is a failed call against a job's target endpoint.
type TargetError struct {
	StatusCode int // 0 when no response was received
	Timeout    bool
	Retryable  bool
	RetryAfter time.Duration
	Err        error
}

func (e *TargetError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("target timed out: %v", e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("target returned %d", e.StatusCode)
	default:
		return fmt.Sprintf("target unreachable: %v", e.Err)
	}
}

func (e *TargetError) Unwrap() error {
	return e.Err
}

// RateLimited reports whether the target asked us to slow down.
func (e *TargetError) RateLimited() bool {
	return e.StatusCode == 429
}

// DuplicateJobError carries the already-persisted job a creation collided with.
type DuplicateJobError struct {
	Existing *Job
	Reason   string // "idempotency_key" or "fingerprint"
}

func (e *DuplicateJobError) Error() string {
	if e.Existing != nil {
		return fmt.Sprintf("%v: %s matches job %s", ErrDuplicateJob, e.Reason, e.Existing.ID)
	}
	return fmt.Sprintf("%v: %s", ErrDuplicateJob, e.Reason)
}

func (e *DuplicateJobError) Unwrap() error {
	return ErrDuplicateJob
}
