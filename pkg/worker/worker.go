package worker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jdziat/simple-durable-cron/pkg/compress"
	"github.com/jdziat/simple-durable-cron/pkg/core"
	"github.com/jdziat/simple-durable-cron/pkg/ratelimit"
	"github.com/jdziat/simple-durable-cron/pkg/schedule"
)

// Worker executes occurrences pulled from the shared task queue.
type Worker struct {
	storage core.Storage
	tasks   core.TaskQueue
	limiter core.RateLimiter
	client  *http.Client
	events  *core.Emitter
	config  WorkerConfig
	logger  *zap.Logger

	inFlight  atomic.Int64
	startedAt time.Time
	wg        sync.WaitGroup
	errLog    rate.Sometimes
}

// NewWorker creates a worker over the job store and the task queue.
func NewWorker(s core.Storage, tq core.TaskQueue, opts ...WorkerOption) *Worker {
	config := WorkerConfig{
		Concurrency:       DefaultConcurrency,
		PollInterval:      DefaultPollInterval,
		WorkerID:          uuid.New().String(),
		DefaultTimeout:    DefaultTimeout,
		Lease:             DefaultLease,
		HeartbeatInterval: DefaultHeartbeatInterval,
		Retention:         DefaultRetention,
		Logger:            zap.NewNop(),
		Now:               func() time.Time { return time.Now().UTC() },
	}
	config.Hostname, _ = os.Hostname()

	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = cleanhttp.DefaultPooledClient()
	}
	if config.StorageRetry == nil {
		defaultCfg := DefaultRetryConfig()
		config.StorageRetry = &defaultCfg
	}
	if config.DequeueRetry == nil {
		// Longer backoff for dequeue to avoid hammering the queue during outages
		dequeueCfg := RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			JitterFraction:    0.2,
		}
		config.DequeueRetry = &dequeueCfg
	}

	return &Worker{
		storage: s,
		tasks:   tq,
		limiter: config.Limiter,
		client:  config.HTTPClient,
		events:  config.Events,
		config:  config,
		logger:  config.Logger.Named("worker").With(zap.String("worker_id", config.WorkerID)),
		errLog:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// ID returns the worker id.
func (w *Worker) ID() string {
	return w.config.WorkerID
}

// InFlight returns the number of tasks being processed.
func (w *Worker) InFlight() int {
	return int(w.inFlight.Load())
}

// Start processes tasks until ctx is cancelled. In-flight requests are
// abandoned on shutdown; their tasks reappear after the visibility timeout
// and run again under the same claim.
func (w *Worker) Start(ctx context.Context) error {
	w.startedAt = w.config.Now()
	w.logger.Info("worker starting", zap.Int("concurrency", w.config.Concurrency))

	w.beat(ctx)
	w.wg.Add(1)
	go w.runHeartbeat(ctx)

	tasks := make(chan *core.Task, w.config.Concurrency)
	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.processLoop(ctx, tasks)
	}

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(tasks)
			w.wg.Wait()
			w.removeHeartbeat(ctx)
			w.logger.Info("worker stopped")
			return ctx.Err()
		case <-ticker.C:
			w.fill(ctx, tasks)
		}
	}
}

// fill dequeues until every slot is busy or the queue has nothing ready.
func (w *Worker) fill(ctx context.Context, tasks chan<- *core.Task) {
	for int(w.inFlight.Load())+len(tasks) < w.config.Concurrency {
		task, err := w.dequeueWithRetry(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				w.errLog.Do(func() { w.logger.Error("failed to dequeue after retries", zap.Error(err)) })
			}
			return
		}
		if task == nil {
			return
		}
		select {
		case tasks <- task:
		case <-ctx.Done():
			return
		}
	}
}

// dequeueWithRetry attempts to dequeue a task with exponential backoff on failure.
func (w *Worker) dequeueWithRetry(ctx context.Context) (*core.Task, error) {
	var task *core.Task
	err := retryWithBackoff(ctx, *w.config.DequeueRetry, func() error {
		var dequeueErr error
		task, dequeueErr = w.tasks.Dequeue(ctx, w.config.WorkerID)
		return dequeueErr
	})
	return task, err
}

func (w *Worker) processLoop(ctx context.Context, tasks <-chan *core.Task) {
	defer w.wg.Done()

	for task := range tasks {
		w.processTask(ctx, task)
	}
}

// ProcessOnce dequeues and processes a single task synchronously. It
// reports whether a task was found.
func (w *Worker) ProcessOnce(ctx context.Context) (bool, error) {
	task, err := w.tasks.Dequeue(ctx, w.config.WorkerID)
	if err != nil {
		return false, errors.Wrap(err, "dequeue")
	}
	if task == nil {
		return false, nil
	}
	w.processTask(ctx, task)
	return true, nil
}

func (w *Worker) processTask(ctx context.Context, task *core.Task) {
	w.inFlight.Add(1)
	defer w.inFlight.Add(-1)

	log := w.logger.With(
		zap.String("job_id", task.JobID),
		zap.String("task_id", task.ID),
		zap.Int("attempt", task.Attempt))

	var o *occurrence
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing task", zap.Any("panic", r), zap.Stack("stack"))
			if o != nil {
				o.crashed(ctx, r)
			}
		}
	}()

	job, err := w.storage.GetJob(ctx, task.JobID)
	if errors.Is(err, core.ErrJobNotFound) {
		log.Debug("dropping task for deleted job")
		w.ack(ctx, task, log)
		return
	}
	if err != nil {
		log.Warn("load job", zap.Error(err))
		return
	}
	if job.Status != core.StatusExecuting || job.ClaimToken != task.ClaimToken {
		log.Debug("dropping stale task", zap.String("status", string(job.Status)))
		w.ack(ctx, task, log)
		return
	}

	o = &occurrence{w: w, job: job, task: task, log: log}
	o.run(ctx)
}

func (w *Worker) timeoutFor(job *core.Job) time.Duration {
	if job.Timeout > 0 {
		return job.Timeout
	}
	return w.config.DefaultTimeout
}

func (w *Worker) ack(ctx context.Context, task *core.Task, log *zap.Logger) {
	if err := w.tasks.Ack(ctx, task); err != nil {
		log.Warn("ack task", zap.Error(err))
	}
}

// occurrence is one attempt of one scheduled run of a job.
type occurrence struct {
	w    *Worker
	job  *core.Job
	task *core.Task
	log  *zap.Logger

	recorded bool
}

func (o *occurrence) run(ctx context.Context) {
	w, job, task := o.w, o.job, o.task
	now := w.config.Now()

	if err := w.storage.ExtendLease(ctx, job.ID, task.ClaimToken, o.holdUntil(now)); err != nil {
		if errors.Is(err, core.ErrClaimLost) {
			o.log.Debug("claim lost before execution")
			w.ack(ctx, task, o.log)
			return
		}
		o.log.Warn("extend lease", zap.Error(err))
		return
	}
	// The task stays hidden for the whole request, not just the queue's
	// visibility timeout.
	if err := w.tasks.Extend(ctx, task, o.holdUntil(now)); err != nil {
		if errors.Is(err, core.ErrTaskLost) {
			o.log.Info("task taken over by another worker")
			return
		}
		o.log.Warn("extend task lock", zap.Error(err))
		return
	}

	key := ratelimit.KeyFor(job.OrganizationID, job.TargetURL)
	var snapshot core.RateLimitSnapshot
	if w.limiter != nil {
		decision, err := w.limiter.CheckAndConsume(ctx, key, job.RateLimitPolicy())
		switch {
		case err != nil:
			// Fail open: the target's own 429 still applies.
			w.errLog.Do(func() { o.log.Warn("rate limiter unavailable", zap.Error(err)) })
		case !decision.Allowed:
			o.deferred(ctx, now, decision.RetryAfter, core.RateLimitSnapshot{
				Remaining:    decision.Remaining,
				Limit:        decision.Limit,
				RetryAfterMs: decision.RetryAfter.Milliseconds(),
			}, nil, "rate limit budget exhausted")
			return
		default:
			snapshot = core.RateLimitSnapshot{Remaining: decision.Remaining, Limit: decision.Limit}
		}
	}

	stop := o.keepHeld(ctx)
	res := o.attempt(ctx)
	stop()
	if ctx.Err() != nil {
		o.log.Info("shutdown during request; task will be redelivered")
		return
	}
	if w.limiter != nil && res.Header != nil {
		if err := w.limiter.RecordResponseHeaders(ctx, key, res.Header); err != nil {
			w.errLog.Do(func() { o.log.Warn("record rate-limit headers", zap.Error(err)) })
		}
	}

	now = w.config.Now()
	var meta *core.ResponseMeta
	if res.Header != nil {
		stored := compress.New(job.ResponsePolicy()).Compress(res.Body, res.DeclaredSize)
		m := stored.Meta(res.StatusCode)
		meta = &m
	}

	if res.ok() {
		o.succeeded(ctx, now, res, meta, snapshot)
		return
	}

	var te *core.TargetError
	if !errors.As(res.Err, &te) {
		te = &core.TargetError{Err: res.Err}
	}
	if te.RateLimited() {
		snapshot.RetryAfterMs = te.RetryAfter.Milliseconds()
		o.deferred(ctx, now, te.RetryAfter, snapshot, meta, te.Error())
		return
	}
	o.failed(ctx, now, res, te, meta, snapshot)
}

// holdUntil is how long the claim and the task lock must outlive now to
// cover a request started at now.
func (o *occurrence) holdUntil(now time.Time) time.Time {
	return now.Add(o.w.timeoutFor(o.job) + o.w.config.Lease)
}

// keepHeld renews the job lease and the task lock every heartbeat interval
// until the returned stop function is called.
func (o *occurrence) keepHeld(ctx context.Context) (stop func()) {
	w := o.w
	held := *o.task
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(w.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				until := o.holdUntil(w.config.Now())
				if err := w.storage.ExtendLease(ctx, o.job.ID, held.ClaimToken, until); err != nil {
					o.log.Warn("renew lease", zap.Error(err))
				}
				if err := w.tasks.Extend(ctx, &held, until); err != nil {
					o.log.Warn("renew task lock", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

// attempt calls the target, turning a panic into a terminal failure.
func (o *occurrence) attempt(ctx context.Context) (res *callResult) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("panic during target call", zap.Any("panic", r), zap.Stack("stack"))
			res = &callResult{Err: &core.TargetError{Err: fmt.Errorf("panic: %v", r)}}
		}
	}()
	return o.w.call(ctx, o.job, o.task)
}

func (o *occurrence) succeeded(ctx context.Context, now time.Time, res *callResult, meta *core.ResponseMeta, snapshot core.RateLimitSnapshot) {
	o.record(ctx, now, core.ExecutionSuccess, res.Duration, meta, core.ExecutionError{}, snapshot)
	status, next, lastErr := o.advance(now, core.StatusCompleted)
	o.resolve(ctx, core.RunUpdate{Status: status, NextRunAt: next, LastRunAt: &now, LastError: lastErr})
}

func (o *occurrence) failed(ctx context.Context, now time.Time, res *callResult, te *core.TargetError, meta *core.ResponseMeta, snapshot core.RateLimitSnapshot) {
	job, task := o.job, o.task
	status := core.ExecutionFailed
	if te.Timeout {
		status = core.ExecutionTimeout
	}
	o.record(ctx, now, status, res.Duration, meta, core.ExecutionError{Message: te.Error(), Retryable: te.Retryable}, snapshot)

	policy := job.RetryPolicy()
	if te.Retryable && task.Attempt < policy.MaxAttempts {
		o.retry(ctx, now, OccurrenceBackoff(policy, task.Attempt), te)
		return
	}

	o.log.Info("occurrence failed",
		zap.String("status", string(status)),
		zap.Bool("retryable", te.Retryable),
		zap.Int("max_attempts", policy.MaxAttempts),
		zap.Error(te))
	resolved, next, lastErr := o.advance(now, core.StatusFailed)
	if lastErr == "" {
		lastErr = te.Error()
	}
	o.resolve(ctx, core.RunUpdate{Status: resolved, NextRunAt: next, LastRunAt: &now, LastError: lastErr})
}

// crashed finishes an occurrence whose processing panicked outside the
// target call. It counts as a terminal failure; recurring jobs still move on
// to their next occurrence.
func (o *occurrence) crashed(ctx context.Context, cause any) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("panic while resolving crashed occurrence", zap.Any("panic", r))
		}
	}()
	now := o.w.config.Now()
	msg := fmt.Sprintf("internal error: %v", cause)
	if !o.recorded {
		o.record(ctx, now, core.ExecutionFailed, 0, nil, core.ExecutionError{Message: msg}, core.RateLimitSnapshot{})
	}
	status, next, lastErr := o.safeAdvance(now)
	if lastErr == "" {
		lastErr = msg
	}
	o.resolve(ctx, core.RunUpdate{Status: status, NextRunAt: next, LastRunAt: &now, LastError: lastErr})
}

func (o *occurrence) safeAdvance(now time.Time) (status core.JobStatus, next *time.Time, lastErr string) {
	defer func() {
		if r := recover(); r != nil {
			status, next, lastErr = core.StatusFailed, nil, fmt.Sprintf("compute next run: %v", r)
		}
	}()
	return o.advance(now, core.StatusFailed)
}

// retry puts the same occurrence back on the queue with the next attempt number.
func (o *occurrence) retry(ctx context.Context, now time.Time, delay time.Duration, cause error) {
	w, job, task := o.w, o.job, o.task
	runAt := now.Add(delay)

	err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.storage.ExtendLeaseForRetry(ctx, job.ID, task.ClaimToken, task.Attempt, o.holdUntil(runAt))
	})
	if errors.Is(err, core.ErrClaimLost) {
		o.log.Info("claim lost; not retrying")
		w.ack(ctx, task, o.log)
		return
	}
	if err != nil {
		o.log.Error("extend lease for retry", zap.Error(err))
		return
	}

	task.Attempt++
	if err := w.tasks.Requeue(ctx, task, runAt); err != nil {
		// The task reappears after its visibility timeout with the old attempt number.
		task.Attempt--
		o.log.Error("requeue task", zap.Error(err))
		return
	}
	o.log.Info("retry scheduled", zap.Time("run_at", runAt), zap.Int("next_attempt", task.Attempt), zap.Error(cause))
	w.events.Emit(&core.RetryScheduled{JobID: job.ID, Attempt: task.Attempt, RunAt: runAt, Timestamp: now})
}

// deferred hands the occurrence back to the dispatcher after a rate-limit
// denial. No attempt is consumed.
func (o *occurrence) deferred(ctx context.Context, now time.Time, retryAfter time.Duration, snapshot core.RateLimitSnapshot, meta *core.ResponseMeta, reason string) {
	job, task := o.job, o.task
	backoff := RateLimitBackoff(job.RetryPolicy(), job.RateLimitStreak, retryAfter)
	next := now.Add(backoff)
	scheduledFor := task.ScheduledFor

	o.record(ctx, now, core.ExecutionRateLimited, 0, meta,
		core.ExecutionError{Message: reason, Retryable: true}, snapshot)
	o.log.Info("occurrence deferred by rate limit",
		zap.Duration("backoff", backoff),
		zap.Int("streak", job.RateLimitStreak+1))
	o.resolve(ctx, core.RunUpdate{
		Status:          core.StatusActive,
		NextRunAt:       &next,
		LastError:       reason,
		OccurrenceAt:    &scheduledFor,
		CurrentAttempt:  task.Attempt - 1,
		RateLimitStreak: job.RateLimitStreak + 1,
	})
}

// advance decides where the job goes after its occurrence is finished.
// onceStatus applies to one-time jobs; recurring jobs move to their next
// occurrence, or complete when the schedule has none.
func (o *occurrence) advance(now time.Time, onceStatus core.JobStatus) (core.JobStatus, *time.Time, string) {
	job := o.job
	if !job.IsRecurring() {
		return onceStatus, nil, ""
	}
	next, ok, err := schedule.Next(job.Schedule, job.Timezone, now)
	if err != nil {
		o.log.Error("compute next run", zap.Error(err))
		return core.StatusFailed, nil, err.Error()
	}
	if !ok {
		return core.StatusCompleted, nil, ""
	}
	next = next.UTC()
	return core.StatusActive, &next, ""
}

// resolve releases the claim with update and acks the task.
func (o *occurrence) resolve(ctx context.Context, update core.RunUpdate) {
	w, job, task := o.w, o.job, o.task
	var written core.JobStatus
	err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		var err error
		written, err = w.storage.UpdateAfterRun(ctx, job.ID, task.ClaimToken, update)
		return err
	})
	switch {
	case errors.Is(err, core.ErrClaimLost):
		o.log.Info("claim lost; result not written back")
	case err != nil:
		// Leave the task for redelivery; the lease reaper recovers the job if it never lands.
		o.log.Error("update job after run", zap.Error(err))
		return
	default:
		o.log.Info("occurrence resolved", zap.String("status", string(written)))
		w.events.Emit(&core.JobResolved{JobID: job.ID, Status: written, NextRunAt: update.NextRunAt, Timestamp: w.config.Now()})
	}
	w.ack(ctx, task, o.log)
}

func (o *occurrence) record(ctx context.Context, now time.Time, status core.ExecutionStatus, d time.Duration,
	meta *core.ResponseMeta, execErr core.ExecutionError, snapshot core.RateLimitSnapshot) {
	w := o.w
	exec := &core.Execution{
		JobID:        o.job.ID,
		ScheduledFor: o.task.ScheduledFor,
		ExecutedAt:   now,
		Status:       status,
		Attempt:      o.task.Attempt,
		DurationMs:   d.Milliseconds(),
		Error:        execErr,
		RateLimit:    snapshot,
		ExpiresAt:    now.Add(w.config.Retention),
	}
	if meta != nil {
		exec.Response = *meta
	}

	err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.storage.RecordExecution(ctx, exec)
	})
	if err != nil {
		o.log.Error("record execution", zap.Error(err))
		return
	}
	o.recorded = true
	o.log.Debug("execution recorded",
		zap.String("status", string(status)),
		zap.Int64("duration_ms", exec.DurationMs))
	w.events.Emit(&core.ExecutionRecorded{Execution: exec, Timestamp: now})
}

// --- Liveness ---

func (w *Worker) runHeartbeat(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.beat(ctx)
		}
	}
}

func (w *Worker) beat(ctx context.Context) {
	hb := &core.WorkerHeartbeat{
		WorkerID:   w.config.WorkerID,
		Hostname:   w.config.Hostname,
		InFlight:   w.InFlight(),
		StartedAt:  w.startedAt,
		LastSeenAt: w.config.Now(),
	}
	if err := w.storage.UpsertHeartbeat(ctx, hb); err != nil && ctx.Err() == nil {
		w.errLog.Do(func() { w.logger.Warn("heartbeat failed", zap.Error(err)) })
	}
}

func (w *Worker) removeHeartbeat(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.storage.RemoveHeartbeat(ctx, w.config.WorkerID); err != nil {
		w.logger.Warn("remove heartbeat", zap.Error(err))
	}
}
