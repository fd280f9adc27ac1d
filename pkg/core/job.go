// Package core provides the domain models and interfaces for the cronjobs package.
package core

import (
	"encoding/json"
	"time"

	"gorm.io/plugin/soft_delete"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	StatusActive    JobStatus = "active"
	StatusExecuting JobStatus = "executing" // Claimed by the queue, owned by a worker
	StatusPaused    JobStatus = "paused"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition happens without external deletion.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ScheduleType distinguishes one-time from recurring jobs.
type ScheduleType string

const (
	ScheduleOnce      ScheduleType = "once"
	ScheduleRecurring ScheduleType = "recurring"
)

// Frequency is the recurrence unit of a recurring schedule.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyCron    Frequency = "cron"
)

// OneTimeSpec is a single wall-clock date and time.
type OneTimeSpec struct {
	Date string `json:"date"` // 2006-01-02
	Time string `json:"time"` // 15:04 or 15:04:05
}

// RecurringSpec describes a repeating schedule in the job's timezone.
type RecurringSpec struct {
	Frequency  Frequency `json:"frequency"`
	Time       string    `json:"time"`
	StartDate  string    `json:"start_date"`
	EndDate    string    `json:"end_date,omitempty"`
	DaysOfWeek []int     `json:"days_of_week,omitempty"` // 0=Sunday ... 6=Saturday
	DayOfMonth int       `json:"day_of_month,omitempty"` // 1-31, 0 uses the start date's day
	CronExpr   string    `json:"cron_expr,omitempty"`
}

// ScheduleSpec is the full schedule definition of a job.
type ScheduleSpec struct {
	Type      ScheduleType   `json:"type"`
	Once      *OneTimeSpec   `json:"once,omitempty"`
	Recurring *RecurringSpec `json:"recurring,omitempty"`
}

// RetryConfig bounds per-occurrence retries. MaxAttempts includes the first attempt.
type RetryConfig struct {
	MaxAttempts  int           `json:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay"`
	Multiplier   float64       `json:"multiplier"`
	MaxDelay     time.Duration `json:"max_delay"`
}

// DefaultRetryConfig returns the per-occurrence retry policy used when a job has none.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Minute,
	}
}

// RateLimitConfig is the request budget against a target host.
type RateLimitConfig struct {
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
}

// DefaultRateLimitConfig returns 60 requests per minute.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{MaxRequests: 60, Window: time.Minute}
}

// ResponseConfig bounds how much of a target response is stored.
type ResponseConfig struct {
	MaxSize              int64 `json:"max_size"`
	CompressionThreshold int64 `json:"compression_threshold"`
	CompressionEnabled   bool  `json:"compression_enabled"`
}

// DefaultResponseConfig returns a 10MiB cap with compression above 1MiB.
func DefaultResponseConfig() ResponseConfig {
	return ResponseConfig{
		MaxSize:              10 << 20,
		CompressionThreshold: 1 << 20,
		CompressionEnabled:   true,
	}
}

// Job is a persisted schedule definition plus its execution bookkeeping.
type Job struct {
	ID             string            `gorm:"primaryKey;size:36"`
	OrganizationID string            `gorm:"size:64;not null;index:idx_jobs_org_status_next,priority:1;uniqueIndex:idx_jobs_org_idem,priority:1"`
	ProjectID      string            `gorm:"size:64;index"`
	CreatedBy      string            `gorm:"size:64"`
	Name           string            `gorm:"size:255;not null"`
	Payload        []byte            `gorm:"type:bytes"`
	TargetURL      string            `gorm:"type:text;not null"`
	Method         string            `gorm:"size:10;default:'POST'"`
	Headers        map[string]string `gorm:"type:text;serializer:json"`
	Schedule       ScheduleSpec      `gorm:"type:text;serializer:json"`
	Timezone       string            `gorm:"size:64;default:'UTC'"`
	Status         JobStatus         `gorm:"size:20;default:'active';index:idx_jobs_org_status_next,priority:2;index:idx_jobs_due,priority:1"`
	NextRunAt      *time.Time        `gorm:"index:idx_jobs_org_status_next,priority:3;index:idx_jobs_due,priority:2"`
	LastRunAt      *time.Time
	Fingerprint    string  `gorm:"size:32;index:idx_jobs_fingerprint,priority:1"`
	IdempotencyKey *string `gorm:"size:255;uniqueIndex:idx_jobs_org_idem,priority:2"`

	Retry     RetryConfig     `gorm:"type:text;serializer:json"`
	RateLimit RateLimitConfig `gorm:"type:text;serializer:json"`
	Response  ResponseConfig  `gorm:"type:text;serializer:json"`
	Timeout   time.Duration

	// Claim bookkeeping
	ClaimToken     string `gorm:"size:36"`
	ClaimedAt      *time.Time
	LeaseExpiresAt *time.Time `gorm:"index"`
	PauseRequested bool       `gorm:"default:false"`

	// Occurrence carried across a rate-limit deferral
	OccurrenceAt    *time.Time
	CurrentAttempt  int `gorm:"default:0"`
	RateLimitStreak int `gorm:"default:0"`

	LastError string `gorm:"type:text"`

	CreatedAt time.Time             `gorm:"autoCreateTime;index:idx_jobs_fingerprint,priority:2"`
	UpdatedAt time.Time             `gorm:"autoUpdateTime"`
	DeletedAt soft_delete.DeletedAt `gorm:"default:0;uniqueIndex:idx_jobs_org_idem,priority:3"`
}

// IsRecurring reports whether the job repeats.
func (j *Job) IsRecurring() bool {
	return j.Schedule.Type == ScheduleRecurring
}

// RetryPolicy returns the job's retry config with defaults filled in.
func (j *Job) RetryPolicy() RetryConfig {
	cfg := j.Retry
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	return cfg
}

// RateLimitPolicy returns the job's rate-limit config with defaults filled in.
func (j *Job) RateLimitPolicy() RateLimitConfig {
	cfg := j.RateLimit
	def := DefaultRateLimitConfig()
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	return cfg
}

// ResponsePolicy returns the job's response config with defaults filled in.
func (j *Job) ResponsePolicy() ResponseConfig {
	cfg := j.Response
	def := DefaultResponseConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = def.CompressionThreshold
	}
	return cfg
}

// JobSpec is a pre-validated creation request from the API layer.
type JobSpec struct {
	OrganizationID string            `json:"organization_id"`
	ProjectID      string            `json:"project_id"`
	CreatedBy      string            `json:"created_by"`
	Name           string            `json:"name"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	TargetURL      string            `json:"target_url"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Schedule       ScheduleSpec      `json:"schedule"`
	Timezone       string            `json:"timezone"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Retry          *RetryConfig      `json:"retry,omitempty"`
	RateLimit      *RateLimitConfig  `json:"rate_limit,omitempty"`
	Response       *ResponseConfig   `json:"response,omitempty"`
	Timeout        time.Duration     `json:"timeout,omitempty"`
}

// WorkerHeartbeat is the liveness record of one worker process.
type WorkerHeartbeat struct {
	WorkerID   string `gorm:"primaryKey;size:64"`
	Hostname   string `gorm:"size:255"`
	InFlight   int    `gorm:"default:0"`
	StartedAt  time.Time
	LastSeenAt time.Time `gorm:"index"`
}
