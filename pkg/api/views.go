package api

import (
	"time"

	"github.com/jdziat/simple-durable-cron/pkg/core"
)

type jobView struct {
	ID             string               `json:"id"`
	OrganizationID string               `json:"organization_id"`
	ProjectID      string               `json:"project_id,omitempty"`
	CreatedBy      string               `json:"created_by,omitempty"`
	Name           string               `json:"name"`
	TargetURL      string               `json:"target_url"`
	Method         string               `json:"method"`
	Headers        map[string]string    `json:"headers,omitempty"`
	Schedule       core.ScheduleSpec    `json:"schedule"`
	Timezone       string               `json:"timezone"`
	Status         core.JobStatus       `json:"status"`
	PauseRequested bool                 `json:"pause_requested,omitempty"`
	NextRunAt      *time.Time           `json:"next_run_at,omitempty"`
	LastRunAt      *time.Time           `json:"last_run_at,omitempty"`
	LastError      string               `json:"last_error,omitempty"`
	IdempotencyKey *string              `json:"idempotency_key,omitempty"`
	Retry          core.RetryConfig     `json:"retry"`
	RateLimit      core.RateLimitConfig `json:"rate_limit"`
	Response       core.ResponseConfig  `json:"response"`
	TimeoutMs      int64                `json:"timeout_ms,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

func newJobView(j *core.Job) jobView {
	return jobView{
		ID:             j.ID,
		OrganizationID: j.OrganizationID,
		ProjectID:      j.ProjectID,
		CreatedBy:      j.CreatedBy,
		Name:           j.Name,
		TargetURL:      j.TargetURL,
		Method:         j.Method,
		Headers:        j.Headers,
		Schedule:       j.Schedule,
		Timezone:       j.Timezone,
		Status:         j.Status,
		PauseRequested: j.PauseRequested,
		NextRunAt:      j.NextRunAt,
		LastRunAt:      j.LastRunAt,
		LastError:      j.LastError,
		IdempotencyKey: j.IdempotencyKey,
		Retry:          j.Retry,
		RateLimit:      j.RateLimit,
		Response:       j.Response,
		TimeoutMs:      j.Timeout.Milliseconds(),
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
}

type responseView struct {
	StatusCode   int    `json:"status_code,omitempty"`
	OriginalSize int64  `json:"original_size"`
	StoredSize   int64  `json:"stored_size"`
	Compressed   bool   `json:"compressed"`
	Truncated    bool   `json:"truncated"`
	Encoding     string `json:"encoding,omitempty"`
	Body         []byte `json:"body,omitempty"`
}

type executionView struct {
	ID           string               `json:"id"`
	JobID        string               `json:"job_id"`
	ScheduledFor time.Time            `json:"scheduled_for"`
	ExecutedAt   time.Time            `json:"executed_at"`
	Status       core.ExecutionStatus `json:"status"`
	Attempt      int                  `json:"attempt"`
	DurationMs   int64                `json:"duration_ms"`
	Response     responseView         `json:"response"`
	Error        string               `json:"error,omitempty"`
	Retryable    bool                 `json:"retryable,omitempty"`
	RateLimit    struct {
		Remaining    int   `json:"remaining"`
		Limit        int   `json:"limit"`
		RetryAfterMs int64 `json:"retry_after_ms,omitempty"`
	} `json:"rate_limit"`
}

func newExecutionView(e *core.Execution) executionView {
	v := executionView{
		ID:           e.ID,
		JobID:        e.JobID,
		ScheduledFor: e.ScheduledFor,
		ExecutedAt:   e.ExecutedAt,
		Status:       e.Status,
		Attempt:      e.Attempt,
		DurationMs:   e.DurationMs,
		Response: responseView{
			StatusCode:   e.Response.StatusCode,
			OriginalSize: e.Response.OriginalSize,
			StoredSize:   e.Response.StoredSize,
			Compressed:   e.Response.Compressed,
			Truncated:    e.Response.Truncated,
			Encoding:     e.Response.Encoding,
			Body:         e.Response.Body,
		},
		Error:     e.Error.Message,
		Retryable: e.Error.Retryable,
	}
	v.RateLimit.Remaining = e.RateLimit.Remaining
	v.RateLimit.Limit = e.RateLimit.Limit
	v.RateLimit.RetryAfterMs = e.RateLimit.RetryAfterMs
	return v
}
