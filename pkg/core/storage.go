package core

import (
	"context"
	"net/http"
	"time"
)

// Starter is the interface for long-running loops.
type Starter interface {
	Start(ctx context.Context) error
}

// RunUpdate is the resolution of a claimed occurrence written by a worker.
type RunUpdate struct {
	Status    JobStatus
	NextRunAt *time.Time
	LastRunAt *time.Time
	LastError string

	// Deferred occurrence bookkeeping; zero values reset it.
	OccurrenceAt    *time.Time
	CurrentAttempt  int
	RateLimitStreak int
}

// Storage defines the persistence layer for jobs and executions.
type Storage interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error

	// Job definitions
	CreateJob(ctx context.Context, job *Job, dedupeWindow time.Duration) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	FindJobByIdempotencyKey(ctx context.Context, orgID, key string) (*Job, error)

	// Dispatch
	FindDueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	ClaimJob(ctx context.Context, jobID string, now time.Time, lease time.Duration) (token string, ok bool, err error)
	ReleaseClaim(ctx context.Context, jobID, token string) error
	ExtendLease(ctx context.Context, jobID, token string, until time.Time) error
	// ExtendLeaseForRetry extends the lease and stores how many attempts of
	// the current occurrence are used, so a reclaimed occurrence resumes the count.
	ExtendLeaseForRetry(ctx context.Context, jobID, token string, attemptsUsed int, until time.Time) error
	// UpdateAfterRun releases the claim and returns the status actually
	// written, which is paused when a pause arrived during execution.
	UpdateAfterRun(ctx context.Context, jobID, token string, update RunUpdate) (JobStatus, error)
	ReleaseExpiredLeases(ctx context.Context, now time.Time) (int64, error)

	// Execution history
	RecordExecution(ctx context.Context, exec *Execution) error
	GetExecutions(ctx context.Context, jobID string, limit int) ([]Execution, error)
	PurgeExpiredExecutions(ctx context.Context, now time.Time) (int64, error)

	// External control
	PauseJob(ctx context.Context, jobID string) (deferred bool, err error)
	ResumeJob(ctx context.Context, jobID string, status JobStatus, nextRunAt *time.Time) error
	DeleteJob(ctx context.Context, jobID string) error
	JobCounts(ctx context.Context) (map[JobStatus]int64, error)

	// Worker liveness
	UpsertHeartbeat(ctx context.Context, hb *WorkerHeartbeat) error
	RemoveHeartbeat(ctx context.Context, workerID string) error
	CountActiveWorkers(ctx context.Context, since time.Time) (int64, error)
}

// TaskQueue is the shared durable queue between the queue service and workers.
// Delivery is at-least-once: a dequeued task that is not acked or requeued
// before its visibility timeout becomes visible again.
type TaskQueue interface {
	Enqueue(ctx context.Context, task *Task) error
	Dequeue(ctx context.Context, workerID string) (*Task, error)
	Ack(ctx context.Context, task *Task) error
	Requeue(ctx context.Context, task *Task, runAt time.Time) error
	// Extend keeps a dequeued task hidden until the given instant. It fails
	// with ErrTaskLost when the task is gone or locked by another worker.
	Extend(ctx context.Context, task *Task, until time.Time) error
	Depth(ctx context.Context) (total int64, ready int64, err error)
	Ping(ctx context.Context) error
}

// RateLimitKey identifies a shared rate-limit bucket.
type RateLimitKey struct {
	OrganizationID string
	Host           string
}

func (k RateLimitKey) String() string {
	return k.OrganizationID + "|" + k.Host
}

// RateLimitDecision is the result of CheckAndConsume.
type RateLimitDecision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
	Limit      int
}

// RateLimiter is request accounting shared by every worker process.
type RateLimiter interface {
	CheckAndConsume(ctx context.Context, key RateLimitKey, cfg RateLimitConfig) (RateLimitDecision, error)
	RecordResponseHeaders(ctx context.Context, key RateLimitKey, headers http.Header) error
}
