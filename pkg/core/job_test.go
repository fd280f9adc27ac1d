package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobStatus_Values(t *testing.T) {
	assert.Equal(t, JobStatus("active"), StatusActive)
	assert.Equal(t, JobStatus("executing"), StatusExecuting)
	assert.Equal(t, JobStatus("paused"), StatusPaused)
	assert.Equal(t, JobStatus("completed"), StatusCompleted)
	assert.Equal(t, JobStatus("failed"), StatusFailed)
}

func TestJobStatus_Terminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusActive.Terminal())
	assert.False(t, StatusExecuting.Terminal())
	assert.False(t, StatusPaused.Terminal())
}

func TestJob_PoliciesFillDefaults(t *testing.T) {
	job := &Job{}

	assert.Equal(t, DefaultRetryConfig(), job.RetryPolicy())
	assert.Equal(t, DefaultRateLimitConfig(), job.RateLimitPolicy())

	resp := job.ResponsePolicy()
	assert.Equal(t, int64(10<<20), resp.MaxSize)
	assert.Equal(t, int64(1<<20), resp.CompressionThreshold)
}

func TestJob_PoliciesKeepExplicitValues(t *testing.T) {
	job := &Job{
		Retry:     RetryConfig{MaxAttempts: 5, InitialDelay: 2 * time.Second, Multiplier: 3, MaxDelay: time.Minute},
		RateLimit: RateLimitConfig{MaxRequests: 10, Window: time.Second},
		Response:  ResponseConfig{MaxSize: 100, CompressionThreshold: 10, CompressionEnabled: true},
	}

	assert.Equal(t, job.Retry, job.RetryPolicy())
	assert.Equal(t, job.RateLimit, job.RateLimitPolicy())
	assert.Equal(t, job.Response, job.ResponsePolicy())
}

func TestJob_IsRecurring(t *testing.T) {
	assert.True(t, (&Job{Schedule: ScheduleSpec{Type: ScheduleRecurring}}).IsRecurring())
	assert.False(t, (&Job{Schedule: ScheduleSpec{Type: ScheduleOnce}}).IsRecurring())
}

func TestRateLimitKey_String(t *testing.T) {
	k := RateLimitKey{OrganizationID: "org-1", Host: "api.example.com"}
	assert.Equal(t, "org-1|api.example.com", k.String())
}
