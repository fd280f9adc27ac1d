package core

import "time"

// ExecutionStatus is the outcome of a single attempt.
type ExecutionStatus string

const (
	ExecutionPending     ExecutionStatus = "pending"
	ExecutionSuccess     ExecutionStatus = "success"
	ExecutionFailed      ExecutionStatus = "failed"
	ExecutionTimeout     ExecutionStatus = "timeout"
	ExecutionRateLimited ExecutionStatus = "rate_limited"
)

// ResponseMeta describes what was stored of a target response.
type ResponseMeta struct {
	StatusCode   int
	OriginalSize int64
	StoredSize   int64
	Compressed   bool
	Truncated    bool
	Encoding     string `gorm:"size:16"`
	Body         []byte `gorm:"type:bytes"`
}

// ExecutionError is the failure recorded on an attempt.
type ExecutionError struct {
	Message   string `gorm:"type:text"`
	Retryable bool
}

// RateLimitSnapshot captures the limiter decision at attempt time.
type RateLimitSnapshot struct {
	Remaining    int
	Limit        int
	RetryAfterMs int64
}

// Execution is one append-only audit record per attempt of an occurrence.
type Execution struct {
	ID           string          `gorm:"primaryKey;size:36"`
	JobID        string          `gorm:"size:36;not null;index:idx_exec_job,priority:1"`
	ScheduledFor time.Time       `gorm:"not null"`
	ExecutedAt   time.Time       `gorm:"index:idx_exec_job,priority:2"`
	Status       ExecutionStatus `gorm:"size:20;not null"`
	Attempt      int
	DurationMs   int64

	Response  ResponseMeta      `gorm:"embedded;embeddedPrefix:response_"`
	Error     ExecutionError    `gorm:"embedded;embeddedPrefix:error_"`
	RateLimit RateLimitSnapshot `gorm:"embedded;embeddedPrefix:rate_limit_"`

	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// Task is the durable unit of work placed on the shared queue: one attempt
// of one occurrence of a claimed job.
type Task struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	JobID        string    `gorm:"size:36;not null;index" json:"job_id"`
	ClaimToken   string    `gorm:"size:36;not null" json:"claim_token"`
	ScheduledFor time.Time `gorm:"not null" json:"scheduled_for"`
	Attempt      int       `gorm:"default:1" json:"attempt"`
	RunAt        time.Time `gorm:"index:idx_tasks_ready,priority:1" json:"run_at"`

	LockedBy    string     `gorm:"size:64" json:"-"`
	LockedUntil *time.Time `gorm:"index:idx_tasks_ready,priority:2" json:"-"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// RateLimitBucket is the shared fixed-window counter for one rate-limit key.
// Version supports compare-and-swap updates across processes.
type RateLimitBucket struct {
	Key          string `gorm:"primaryKey;column:bucket_key;size:512"`
	WindowStart  time.Time
	Count        int
	RemoteLimit  int
	BlockedUntil *time.Time
	Version      int64
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}
