package core

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestTargetError_Timeout(t *testing.T) {
	err := &TargetError{Timeout: true, Retryable: true, Err: errors.New("deadline")}

	assert.Contains(t, err.Error(), "timed out")
	assert.False(t, err.RateLimited())
}

func TestTargetError_StatusCode(t *testing.T) {
	err := &TargetError{StatusCode: 503, Retryable: true}
	assert.Equal(t, "target returned 503", err.Error())

	limited := &TargetError{StatusCode: 429, RetryAfter: 5 * time.Second}
	assert.True(t, limited.RateLimited())
}

func TestTargetError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	var wrapped error = errors.Wrap(&TargetError{Err: cause}, "call target")

	var te *TargetError
	assert.True(t, errors.As(wrapped, &te))
	assert.True(t, errors.Is(wrapped, cause))
	assert.Contains(t, te.Error(), "unreachable")
}

func TestDuplicateJobError_IsErrDuplicateJob(t *testing.T) {
	err := &DuplicateJobError{Existing: &Job{ID: "job-1"}, Reason: "idempotency_key"}

	assert.True(t, errors.Is(err, ErrDuplicateJob))
	assert.Contains(t, err.Error(), "job-1")
	assert.Contains(t, err.Error(), "idempotency_key")
}

func TestErrorVariables(t *testing.T) {
	for _, err := range []error{
		ErrDuplicateJob, ErrJobNotFound, ErrContradictorySchedule,
		ErrNoFutureOccurrence, ErrInvalidTransition, ErrClaimLost, ErrQueueUnavailable,
	} {
		assert.NotNil(t, err)
		assert.Contains(t, err.Error(), "cronjobs:")
	}
}
