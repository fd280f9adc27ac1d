// Package cronjobs schedules one-time and recurring HTTP calls and runs them
// durably across any number of dispatcher and worker processes.
//
// This is the main package users should import. It re-exports the public
// types from the pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	db, _ := storage.Open("cronjobs.db", logger.Warn)
//	store := cronjobs.NewGormStorage(db)
//	tasks := cronjobs.NewGormQueue(db)
//	store.Migrate(ctx)
//	tasks.Migrate(ctx)
//
//	q := cronjobs.New(store, tasks)
//	job, err := q.ScheduleJob(ctx, cronjobs.JobSpec{
//	    OrganizationID: "org-1",
//	    TargetURL:      "https://example.com/hooks/report",
//	    Timezone:       "America/New_York",
//	    Schedule: cronjobs.ScheduleSpec{
//	        Type:      cronjobs.ScheduleRecurring,
//	        Recurring: &cronjobs.RecurringSpec{Frequency: cronjobs.FrequencyDaily, Time: "09:00", StartDate: "2024-06-01"},
//	    },
//	})
//
//	go q.Start(ctx)                  // dispatcher
//	cronjobs.NewWorker(q).Start(ctx) // worker
package cronjobs

import (
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/jdziat/simple-durable-cron/pkg/api"
	"github.com/jdziat/simple-durable-cron/pkg/core"
	"github.com/jdziat/simple-durable-cron/pkg/health"
	"github.com/jdziat/simple-durable-cron/pkg/queue"
	"github.com/jdziat/simple-durable-cron/pkg/ratelimit"
	"github.com/jdziat/simple-durable-cron/pkg/security"
	"github.com/jdziat/simple-durable-cron/pkg/stats"
	"github.com/jdziat/simple-durable-cron/pkg/storage"
	"github.com/jdziat/simple-durable-cron/pkg/taskqueue"
	"github.com/jdziat/simple-durable-cron/pkg/worker"
)

type (
	// Job is a persisted schedule definition plus its runtime state.
	Job = core.Job

	// JobSpec is a creation request.
	JobSpec = core.JobSpec

	// ScheduleSpec is the full schedule definition of a job.
	ScheduleSpec = core.ScheduleSpec

	OneTimeSpec   = core.OneTimeSpec
	RecurringSpec = core.RecurringSpec

	RetryConfig     = core.RetryConfig
	RateLimitConfig = core.RateLimitConfig
	ResponseConfig  = core.ResponseConfig

	// JobStatus represents the current state of a job.
	JobStatus = core.JobStatus

	// Execution is the audit record of one attempt.
	Execution = core.Execution

	ExecutionStatus = core.ExecutionStatus

	// Storage defines the persistence layer for jobs and executions.
	Storage = core.Storage

	// TaskQueue carries claimed occurrences from dispatchers to workers.
	TaskQueue = core.TaskQueue

	// RateLimiter tracks per-target budgets.
	RateLimiter = core.RateLimiter

	// Event is the interface for all queue events.
	Event = core.Event

	OccurrenceClaimed = core.OccurrenceClaimed
	ExecutionRecorded = core.ExecutionRecorded
	RetryScheduled    = core.RetryScheduled
	JobResolved       = core.JobResolved
	JobPaused         = core.JobPaused
	JobResumed        = core.JobResumed

	// DuplicateJobError carries the job a creation collided with.
	DuplicateJobError = core.DuplicateJobError

	// TargetError is a failed call against a target endpoint.
	TargetError = core.TargetError

	// Queue is the control surface and dispatcher.
	Queue = queue.Queue

	// Option configures a Queue.
	Option = queue.Option

	// Worker executes queued occurrences.
	Worker = worker.Worker

	// WorkerOption configures a Worker.
	WorkerOption = worker.WorkerOption

	GormStorage  = storage.GormStorage
	GormQueue    = taskqueue.GormQueue
	RedisQueue   = taskqueue.RedisQueue
	GormLimiter  = ratelimit.GormLimiter
	RedisLimiter = ratelimit.RedisLimiter

	// Monitor aggregates component health.
	Monitor = health.Monitor

	// HealthReport is the result of one health probe.
	HealthReport = health.Report
)

// Job status constants
const (
	StatusActive    = core.StatusActive
	StatusExecuting = core.StatusExecuting
	StatusPaused    = core.StatusPaused
	StatusCompleted = core.StatusCompleted
	StatusFailed    = core.StatusFailed
)

// Schedule constants
const (
	ScheduleOnce      = core.ScheduleOnce
	ScheduleRecurring = core.ScheduleRecurring

	FrequencyDaily   = core.FrequencyDaily
	FrequencyWeekly  = core.FrequencyWeekly
	FrequencyMonthly = core.FrequencyMonthly
	FrequencyCron    = core.FrequencyCron
)

// Execution status constants
const (
	ExecutionSuccess     = core.ExecutionSuccess
	ExecutionFailed      = core.ExecutionFailed
	ExecutionTimeout     = core.ExecutionTimeout
	ExecutionRateLimited = core.ExecutionRateLimited
)

// Security limits
const (
	MaxPayloadSize = security.MaxPayloadSize
	MaxAttempts    = security.MaxAttempts
	MaxConcurrency = security.MaxConcurrency
)

// Error variables
var (
	ErrDuplicateJob          = core.ErrDuplicateJob
	ErrJobNotFound           = core.ErrJobNotFound
	ErrContradictorySchedule = core.ErrContradictorySchedule
	ErrNoFutureOccurrence    = core.ErrNoFutureOccurrence
	ErrInvalidTransition     = core.ErrInvalidTransition
	ErrInvalidJob            = core.ErrInvalidJob
)

// New creates a Queue over the given job store and task queue.
func New(s Storage, tq TaskQueue, opts ...Option) *Queue {
	return queue.New(s, tq, opts...)
}

// NewWorker creates a worker that shares q's backends and event stream.
// Options given later override the shared emitter.
func NewWorker(q *Queue, opts ...WorkerOption) *Worker {
	all := append([]WorkerOption{worker.WithEmitter(q.Emitter())}, opts...)
	return worker.NewWorker(q.Storage(), q.Tasks(), all...)
}

// NewGormStorage creates a GORM-backed job store.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return storage.NewGormStorage(db)
}

// NewGormQueue creates a task queue stored in the job database.
func NewGormQueue(db *gorm.DB, opts ...taskqueue.Option) *GormQueue {
	return taskqueue.NewGormQueue(db, opts...)
}

// NewRedisQueue creates a Redis-backed task queue.
func NewRedisQueue(rdb redis.UniversalClient, opts ...taskqueue.Option) *RedisQueue {
	return taskqueue.NewRedisQueue(rdb, opts...)
}

// NewGormLimiter creates a rate limiter stored in the job database.
func NewGormLimiter(db *gorm.DB, opts ...ratelimit.Option) *GormLimiter {
	return ratelimit.NewGormLimiter(db, opts...)
}

// NewRedisLimiter creates a Redis-backed rate limiter.
func NewRedisLimiter(rdb redis.UniversalClient, opts ...ratelimit.Option) *RedisLimiter {
	return ratelimit.NewRedisLimiter(rdb, opts...)
}

// NewMonitor creates a health monitor. The queue is attached as poller so
// the report includes the dispatcher's last poll time.
func NewMonitor(q *Queue, opts ...health.Option) *Monitor {
	all := append([]health.Option{health.WithPoller(q)}, opts...)
	return health.NewMonitor(q.Storage(), q.Tasks(), all...)
}

// NewStatsCollector counts the events of q's process into store.
func NewStatsCollector(q *Queue, store stats.Store, opts ...stats.Option) *stats.Collector {
	return stats.NewCollector(q, store, opts...)
}

// Handler returns the HTTP control API for q.
func Handler(q *Queue, opts ...api.Option) http.Handler {
	return api.Handler(q, opts...)
}

// Worker option functions

// Concurrency sets how many occurrences a worker runs at once.
func Concurrency(n int) WorkerOption {
	return worker.Concurrency(n)
}

// WithRateLimiter attaches a per-target rate limiter to a worker.
func WithRateLimiter(l RateLimiter) WorkerOption {
	return worker.WithRateLimiter(l)
}

// Queue option functions

// DedupeWindow sets how long identical definitions are rejected as duplicates.
func DedupeWindow(d time.Duration) Option {
	return queue.DedupeWindow(d)
}
