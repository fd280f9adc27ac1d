package queue

import (
	"context"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jdziat/simple-durable-cron/pkg/core"
	"github.com/jdziat/simple-durable-cron/pkg/schedule"
	"github.com/jdziat/simple-durable-cron/pkg/security"
)

// Queue turns due jobs into tasks on the shared task queue and exposes the
// external control operations on jobs.
type Queue struct {
	storage core.Storage
	tasks   core.TaskQueue
	events  *core.Emitter
	opts    *Options
	logger  *zap.Logger

	lastPoll atomic.Int64 // unix nanoseconds of the last successful due-job lookup
	errLog   rate.Sometimes
}

// New creates a Queue over the job store and the task queue.
func New(s core.Storage, tq core.TaskQueue, opts ...Option) *Queue {
	o := NewOptions()
	for _, opt := range opts {
		opt.Apply(o)
	}
	return &Queue{
		storage: s,
		tasks:   tq,
		events:  core.NewEmitter(),
		opts:    o,
		logger:  o.Logger.Named("queue"),
		errLog:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Storage returns the underlying storage.
func (q *Queue) Storage() core.Storage {
	return q.storage
}

// Tasks returns the task queue jobs are dispatched to.
func (q *Queue) Tasks() core.TaskQueue {
	return q.tasks
}

// Emitter returns the event emitter shared with workers in the same process.
func (q *Queue) Emitter() *core.Emitter {
	return q.events
}

// Events returns a channel for receiving queue events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (q *Queue) Events() <-chan core.Event {
	return q.events.Events()
}

// Unsubscribe removes a subscriber channel created by Events().
func (q *Queue) Unsubscribe(ch <-chan core.Event) {
	q.events.Unsubscribe(ch)
}

// Emit emits an event to all subscribers.
func (q *Queue) Emit(e core.Event) {
	q.events.Emit(e)
}

// LastPollTime returns when due jobs were last looked up successfully, or the
// zero time if no poll has succeeded yet.
func (q *Queue) LastPollTime() time.Time {
	n := q.lastPoll.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// --- External control ---

// ScheduleJob persists a new job and computes its first run.
// A duplicate by idempotency key or by definition fingerprint returns an
// error matching core.ErrDuplicateJob; errors.As with *core.DuplicateJobError
// gives the job that already exists.
func (q *Queue) ScheduleJob(ctx context.Context, spec core.JobSpec) (*core.Job, error) {
	job, err := q.buildJob(spec)
	if err != nil {
		return nil, err
	}

	now := q.opts.Now()
	next, ok, err := schedule.Next(job.Schedule, job.Timezone, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.WithDetailf(core.ErrNoFutureOccurrence, "job %q", job.Name)
	}
	next = next.UTC()
	job.NextRunAt = &next
	job.CreatedAt = now

	if err := q.storage.CreateJob(ctx, job, q.opts.DedupeWindow); err != nil {
		if errors.Is(err, core.ErrDuplicateJob) {
			q.logger.Info("duplicate job rejected",
				zap.String("organization_id", job.OrganizationID),
				zap.String("name", job.Name),
				zap.Error(err))
		}
		return nil, err
	}

	q.logger.Info("job scheduled",
		zap.String("job_id", job.ID),
		zap.String("organization_id", job.OrganizationID),
		zap.Time("next_run_at", next))
	return job, nil
}

func (q *Queue) buildJob(spec core.JobSpec) (*core.Job, error) {
	if spec.OrganizationID == "" {
		return nil, errors.WithDetail(core.ErrInvalidJob, "organization id is required")
	}
	target, err := url.Parse(spec.TargetURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, errors.WithDetailf(core.ErrInvalidJob, "target url %q must be an absolute http(s) url", spec.TargetURL)
	}
	if err := security.ValidatePayload(spec.Payload); err != nil {
		return nil, errors.Mark(err, core.ErrInvalidJob)
	}
	if err := security.ValidateIdempotencyKey(spec.IdempotencyKey); err != nil {
		return nil, errors.Mark(err, core.ErrInvalidJob)
	}
	if _, err := schedule.Compile(spec.Schedule, spec.Timezone); err != nil {
		if errors.Is(err, core.ErrContradictorySchedule) {
			return nil, err
		}
		return nil, errors.Mark(err, core.ErrInvalidJob)
	}

	method := strings.ToUpper(strings.TrimSpace(spec.Method))
	if method == "" {
		method = "POST"
	}
	tz := spec.Timezone
	if tz == "" {
		tz = "UTC"
	}
	name := spec.Name
	if name == "" {
		name = target.Host
	}

	job := &core.Job{
		ID:             uuid.New().String(),
		OrganizationID: spec.OrganizationID,
		ProjectID:      spec.ProjectID,
		CreatedBy:      spec.CreatedBy,
		Name:           name,
		Payload:        []byte(spec.Payload),
		TargetURL:      spec.TargetURL,
		Method:         method,
		Headers:        spec.Headers,
		Schedule:       spec.Schedule,
		Timezone:       tz,
		Status:         core.StatusActive,
		Retry:          core.DefaultRetryConfig(),
		RateLimit:      core.DefaultRateLimitConfig(),
		Response:       core.DefaultResponseConfig(),
		Timeout:        security.ClampTimeout(spec.Timeout),
	}
	if spec.IdempotencyKey != "" {
		key := spec.IdempotencyKey
		job.IdempotencyKey = &key
	}
	if spec.Retry != nil {
		job.Retry = *spec.Retry
	}
	job.Retry = job.RetryPolicy()
	job.Retry.MaxAttempts = security.ClampAttempts(job.Retry.MaxAttempts)
	if spec.RateLimit != nil {
		job.RateLimit = *spec.RateLimit
	}
	job.RateLimit = job.RateLimitPolicy()
	if spec.Response != nil {
		job.Response = *spec.Response
	}
	job.Response = job.ResponsePolicy()
	return job, nil
}

// GetJob returns a job by id.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	return q.storage.GetJob(ctx, jobID)
}

// PauseJob stops further claims of a job. A job that is executing finishes
// its current occurrence and is paused when that occurrence resolves.
func (q *Queue) PauseJob(ctx context.Context, jobID string) error {
	deferred, err := q.storage.PauseJob(ctx, jobID)
	if err != nil {
		return err
	}
	q.logger.Info("job paused", zap.String("job_id", jobID), zap.Bool("deferred", deferred))
	q.Emit(&core.JobPaused{JobID: jobID, Deferred: deferred, Timestamp: q.opts.Now()})
	return nil
}

// ResumeJob makes a paused job claimable again. A recurring job whose next
// run passed while paused skips to its next future occurrence, or completes
// if there is none. A one-time job that came due while paused runs at the
// next poll.
func (q *Queue) ResumeJob(ctx context.Context, jobID string) error {
	job, err := q.storage.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	status := core.StatusActive
	var next *time.Time
	if job.Status == core.StatusPaused {
		status, next, err = q.resumePoint(job)
		if err != nil {
			return err
		}
	}

	if err := q.storage.ResumeJob(ctx, jobID, status, next); err != nil {
		return err
	}
	q.logger.Info("job resumed", zap.String("job_id", jobID), zap.String("status", string(status)))
	q.Emit(&core.JobResumed{JobID: jobID, Timestamp: q.opts.Now()})
	return nil
}

func (q *Queue) resumePoint(job *core.Job) (core.JobStatus, *time.Time, error) {
	now := q.opts.Now()
	// A deferred occurrence keeps its slot; it was already owed.
	if !job.IsRecurring() || job.OccurrenceAt != nil {
		return core.StatusActive, nil, nil
	}
	if job.NextRunAt != nil && job.NextRunAt.After(now) {
		return core.StatusActive, nil, nil
	}
	next, ok, err := schedule.Next(job.Schedule, job.Timezone, now)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return core.StatusCompleted, nil, nil
	}
	next = next.UTC()
	return core.StatusActive, &next, nil
}

// DeleteJob soft-deletes a job. An in-flight occurrence finishes but its
// result is not written back to the job.
func (q *Queue) DeleteJob(ctx context.Context, jobID string) error {
	if err := q.storage.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	q.logger.Info("job deleted", zap.String("job_id", jobID))
	return nil
}

// GetJobHistory returns up to limit executions of a job, most recent first.
// A non-positive limit uses DefaultHistoryLimit.
func (q *Queue) GetJobHistory(ctx context.Context, jobID string, limit int) ([]core.Execution, error) {
	if _, err := q.storage.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	return q.storage.GetExecutions(ctx, jobID, limit)
}

// --- Dispatch ---

// Start polls for due jobs and runs maintenance until ctx is cancelled.
func (q *Queue) Start(ctx context.Context) error {
	q.logger.Info("queue service starting",
		zap.Duration("poll_interval", q.opts.PollInterval),
		zap.Int("batch_size", q.opts.BatchSize))

	poll := time.NewTicker(q.opts.PollInterval)
	defer poll.Stop()
	maintain := time.NewTicker(q.opts.MaintenanceInterval)
	defer maintain.Stop()

	q.poll(ctx)
	q.maintain(ctx)
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("queue service stopped")
			return ctx.Err()
		case <-poll.C:
			q.poll(ctx)
		case <-maintain.C:
			q.maintain(ctx)
		}
	}
}

func (q *Queue) poll(ctx context.Context) {
	// Drain a full batch immediately so a backlog is not limited to one batch per tick.
	for {
		n, err := q.PollOnce(ctx)
		if err != nil {
			if ctx.Err() == nil {
				q.errLog.Do(func() { q.logger.Error("poll failed", zap.Error(err)) })
			}
			return
		}
		if n < q.opts.BatchSize || ctx.Err() != nil {
			return
		}
	}
}

func (q *Queue) maintain(ctx context.Context) {
	if err := q.Maintain(ctx); err != nil && ctx.Err() == nil {
		q.errLog.Do(func() { q.logger.Error("maintenance failed", zap.Error(err)) })
	}
}

// PollOnce claims due jobs and enqueues one task per claimed occurrence.
// It returns the number of occurrences dispatched.
func (q *Queue) PollOnce(ctx context.Context) (int, error) {
	now := q.opts.Now()
	jobs, err := q.storage.FindDueJobs(ctx, now, q.opts.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "find due jobs")
	}
	q.lastPoll.Store(now.UnixNano())

	dispatched := 0
	for _, job := range jobs {
		ok, err := q.dispatch(ctx, job, now)
		if err != nil {
			if errors.Is(err, core.ErrQueueUnavailable) {
				return dispatched, err
			}
			q.logger.Warn("dispatch failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if ok {
			dispatched++
		}
	}
	return dispatched, nil
}

func (q *Queue) dispatch(ctx context.Context, job *core.Job, now time.Time) (bool, error) {
	token, ok, err := q.storage.ClaimJob(ctx, job.ID, now, q.opts.Lease)
	if err != nil {
		return false, errors.Wrap(err, "claim job")
	}
	if !ok {
		// Another dispatcher won, or the job changed since it was read.
		return false, nil
	}

	scheduledFor := *job.NextRunAt
	if job.OccurrenceAt != nil {
		scheduledFor = *job.OccurrenceAt
	}
	task := &core.Task{
		JobID:        job.ID,
		ClaimToken:   token,
		ScheduledFor: scheduledFor.UTC(),
		Attempt:      job.CurrentAttempt + 1,
		RunAt:        now,
	}
	if err := q.tasks.Enqueue(ctx, task); err != nil {
		if relErr := q.storage.ReleaseClaim(ctx, job.ID, token); relErr != nil {
			q.logger.Error("release claim after failed enqueue",
				zap.String("job_id", job.ID), zap.Error(relErr))
		}
		return false, errors.Mark(errors.Wrapf(err, "enqueue job %s", job.ID), core.ErrQueueUnavailable)
	}

	q.logger.Debug("occurrence dispatched",
		zap.String("job_id", job.ID),
		zap.Time("scheduled_for", task.ScheduledFor),
		zap.Int("attempt", task.Attempt))
	q.Emit(&core.OccurrenceClaimed{JobID: job.ID, ScheduledFor: task.ScheduledFor, Timestamp: now})
	return true, nil
}

// Maintain releases expired claim leases and purges expired executions.
func (q *Queue) Maintain(ctx context.Context) error {
	now := q.opts.Now()
	released, err := q.storage.ReleaseExpiredLeases(ctx, now)
	if err != nil {
		return errors.Wrap(err, "release expired leases")
	}
	if released > 0 {
		q.logger.Warn("released expired leases", zap.Int64("count", released))
	}

	purged, err := q.storage.PurgeExpiredExecutions(ctx, now)
	if err != nil {
		return errors.Wrap(err, "purge expired executions")
	}
	if purged > 0 {
		q.logger.Info("purged expired executions", zap.Int64("count", purged))
	}
	return nil
}
