// Package storage provides storage implementations for the cronjobs package.
package storage

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/simple-durable-cron/pkg/core"
	"github.com/jdziat/simple-durable-cron/pkg/security"
)

// GormStorage implements core.Storage using GORM.
type GormStorage struct {
	db *gorm.DB
}

var _ core.Storage = (*GormStorage)(nil)

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// DB returns the underlying connection.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// IsSQLite reports whether the storage runs on SQLite.
func (s *GormStorage) IsSQLite() bool {
	return s.db != nil && s.db.Dialector.Name() == "sqlite"
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.Job{}, &core.Execution{}, &core.WorkerHeartbeat{})
}

// Ping checks the database connection.
func (s *GormStorage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "get underlying *sql.DB")
	}
	return sqlDB.PingContext(ctx)
}

// ──────────────────────────────────────────────────────────────────────────────
// Job definitions
// ──────────────────────────────────────────────────────────────────────────────

// CreateJob persists a new job. A live job with the same organization and
// idempotency key, or with the same fingerprint created within dedupeWindow,
// yields a *core.DuplicateJobError carrying the existing job.
func (s *GormStorage) CreateJob(ctx context.Context, job *core.Job, dedupeWindow time.Duration) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.StatusActive
	}
	if job.Fingerprint == "" {
		job.Fingerprint = Fingerprint(job)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if job.IdempotencyKey != nil {
			var existing core.Job
			err := tx.Where("organization_id = ? AND idempotency_key = ?", job.OrganizationID, *job.IdempotencyKey).
				Take(&existing).Error
			if err == nil {
				return &core.DuplicateJobError{Existing: &existing, Reason: "idempotency_key"}
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		if dedupeWindow > 0 {
			var existing core.Job
			err := tx.Where("organization_id = ? AND fingerprint = ? AND created_at > ?",
				job.OrganizationID, job.Fingerprint, job.CreatedAt.Add(-dedupeWindow)).
				Order("created_at DESC").
				Take(&existing).Error
			if err == nil {
				return &core.DuplicateJobError{Existing: &existing, Reason: "fingerprint"}
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		return tx.Create(job).Error
	})
	if err == nil {
		return nil
	}

	var dup *core.DuplicateJobError
	if errors.As(err, &dup) {
		return dup
	}
	if isUniqueViolation(err) {
		// Lost the race against a concurrent insert with the same key.
		dup := &core.DuplicateJobError{Reason: "idempotency_key"}
		if job.IdempotencyKey != nil {
			if existing, findErr := s.FindJobByIdempotencyKey(ctx, job.OrganizationID, *job.IdempotencyKey); findErr == nil {
				dup.Existing = existing
			}
		}
		return dup
	}
	return errors.Wrap(err, "create job")
}

// isUniqueViolation matches both translated and raw driver errors.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

// GetJob retrieves a live job by ID.
func (s *GormStorage) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).Take(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(core.ErrJobNotFound, "job %s", jobID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get job %s", jobID)
	}
	return &job, nil
}

// FindJobByIdempotencyKey retrieves the live job holding key within orgID.
func (s *GormStorage) FindJobByIdempotencyKey(ctx context.Context, orgID, key string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND idempotency_key = ?", orgID, key).
		Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(core.ErrJobNotFound, "idempotency key %q", key)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Dispatch
// ──────────────────────────────────────────────────────────────────────────────

// FindDueJobs returns active jobs whose next run is at or before now,
// earliest first.
func (s *GormStorage) FindDueJobs(ctx context.Context, now time.Time, limit int) ([]*core.Job, error) {
	var jobs []*core.Job
	err := s.db.WithContext(ctx).
		Where("status = ?", core.StatusActive).
		Where("next_run_at IS NOT NULL AND next_run_at <= ?", now).
		Order("next_run_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// ClaimJob atomically moves a due job from active to executing. Only one of
// any number of concurrent callers observes ok=true for the same occurrence.
func (s *GormStorage) ClaimJob(ctx context.Context, jobID string, now time.Time, lease time.Duration) (string, bool, error) {
	token := uuid.New().String()
	leaseUntil := now.Add(lease)

	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status = ? AND next_run_at <= ?", jobID, core.StatusActive, now).
		Updates(map[string]any{
			"status":           core.StatusExecuting,
			"claim_token":      token,
			"claimed_at":       now,
			"lease_expires_at": leaseUntil,
			"pause_requested":  false,
		})
	if result.Error != nil {
		return "", false, errors.Wrapf(result.Error, "claim job %s", jobID)
	}
	if result.RowsAffected == 0 {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseClaim returns a claimed job to active without resolving its
// occurrence, so the next poll claims it again.
func (s *GormStorage) ReleaseClaim(ctx context.Context, jobID, token string) error {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND claim_token = ? AND status = ?", jobID, token, core.StatusExecuting).
		Updates(map[string]any{
			"status":           core.StatusActive,
			"claim_token":      "",
			"claimed_at":       nil,
			"lease_expires_at": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrClaimLost
	}
	return nil
}

// ExtendLease pushes out the crash-recovery deadline of a claimed job.
func (s *GormStorage) ExtendLease(ctx context.Context, jobID, token string, until time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND claim_token = ? AND status = ?", jobID, token, core.StatusExecuting).
		Update("lease_expires_at", until)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrClaimLost
	}
	return nil
}

// UpdateAfterRun resolves a claimed occurrence. The write is conditional on
// the claim token; a pause requested during execution turns an active
// resolution into paused.
func (s *GormStorage) UpdateAfterRun(ctx context.Context, jobID, token string, update core.RunUpdate) (core.JobStatus, error) {
	updates := map[string]any{
		"status":            update.Status,
		"next_run_at":       update.NextRunAt,
		"last_error":        security.SanitizeErrorMessage(update.LastError),
		"occurrence_at":     update.OccurrenceAt,
		"current_attempt":   update.CurrentAttempt,
		"rate_limit_streak": update.RateLimitStreak,
		"claim_token":       "",
		"claimed_at":        nil,
		"lease_expires_at":  nil,
		"pause_requested":   false,
	}
	if update.LastRunAt != nil {
		updates["last_run_at"] = update.LastRunAt
	}

	db := s.db.WithContext(ctx)
	owned := func() *gorm.DB {
		return db.Model(&core.Job{}).
			Where("id = ? AND claim_token = ? AND status = ?", jobID, token, core.StatusExecuting)
	}

	result := owned().Where("pause_requested = ?", false).Updates(updates)
	if result.Error != nil {
		return "", errors.Wrapf(result.Error, "update job %s after run", jobID)
	}
	if result.RowsAffected == 1 {
		return update.Status, nil
	}

	status := update.Status
	if status == core.StatusActive {
		status = core.StatusPaused
		updates["status"] = status
	}
	result = owned().Where("pause_requested = ?", true).Updates(updates)
	if result.Error != nil {
		return "", errors.Wrapf(result.Error, "update job %s after run", jobID)
	}
	if result.RowsAffected == 0 {
		return "", core.ErrClaimLost
	}
	return status, nil
}

// ExtendLeaseForRetry pushes out the lease of a claimed job that is waiting
// for a retry and stores the attempts already used.
func (s *GormStorage) ExtendLeaseForRetry(ctx context.Context, jobID, token string, attemptsUsed int, until time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND claim_token = ? AND status = ?", jobID, token, core.StatusExecuting).
		Updates(map[string]any{
			"lease_expires_at": until,
			"current_attempt":  attemptsUsed,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrClaimLost
	}
	return nil
}

// ReleaseExpiredLeases returns executing jobs whose lease expired to active
// (or paused, if a pause was requested). Clearing the token makes any task
// still carrying the old claim stale.
func (s *GormStorage) ReleaseExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, target := range []struct {
		pauseRequested bool
		status         core.JobStatus
	}{
		{false, core.StatusActive},
		{true, core.StatusPaused},
	} {
		result := s.db.WithContext(ctx).
			Model(&core.Job{}).
			Where("status = ? AND lease_expires_at < ? AND pause_requested = ?", core.StatusExecuting, now, target.pauseRequested).
			Updates(map[string]any{
				"status":           target.status,
				"claim_token":      "",
				"claimed_at":       nil,
				"lease_expires_at": nil,
				"pause_requested":  false,
			})
		if result.Error != nil {
			return total, errors.Wrap(result.Error, "release expired leases")
		}
		total += result.RowsAffected
	}
	return total, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Execution history
// ──────────────────────────────────────────────────────────────────────────────

// RecordExecution appends an execution record. Error messages are sanitized
// before storage.
func (s *GormStorage) RecordExecution(ctx context.Context, exec *core.Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	exec.Error.Message = security.SanitizeErrorMessage(exec.Error.Message)
	return s.db.WithContext(ctx).Create(exec).Error
}

// GetExecutions returns the most recent executions of a job, newest first.
func (s *GormStorage) GetExecutions(ctx context.Context, jobID string, limit int) ([]core.Execution, error) {
	var execs []core.Execution
	q := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("executed_at DESC, attempt DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&execs).Error
	return execs, err
}

// PurgeExpiredExecutions deletes execution records past their retention.
func (s *GormStorage) PurgeExpiredExecutions(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&core.Execution{})
	return result.RowsAffected, result.Error
}

// ──────────────────────────────────────────────────────────────────────────────
// External control
// ──────────────────────────────────────────────────────────────────────────────

// PauseJob pauses an active job. An executing job gets a pause request that
// applies when its occurrence resolves; deferred reports that case.
// Pausing a paused job is a no-op.
func (s *GormStorage) PauseJob(ctx context.Context, jobID string) (bool, error) {
	db := s.db.WithContext(ctx)

	result := db.Model(&core.Job{}).
		Where("id = ? AND status = ?", jobID, core.StatusActive).
		Update("status", core.StatusPaused)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 1 {
		return false, nil
	}

	result = db.Model(&core.Job{}).
		Where("id = ? AND status = ?", jobID, core.StatusExecuting).
		Update("pause_requested", true)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	switch job.Status {
	case core.StatusPaused:
		return false, nil
	case core.StatusActive, core.StatusExecuting:
		// Changed underneath us; let the caller retry.
		return false, errors.Wrapf(core.ErrInvalidTransition, "job %s changed to %s while pausing", jobID, job.Status)
	default:
		return false, errors.Wrapf(core.ErrInvalidTransition, "cannot pause %s job %s", job.Status, jobID)
	}
}

// ResumeJob moves a paused job to status (active, or completed when the
// schedule has no future occurrence) with the given next run. Resuming an
// executing job cancels its pending pause request; resuming an active job is
// a no-op.
func (s *GormStorage) ResumeJob(ctx context.Context, jobID string, status core.JobStatus, nextRunAt *time.Time) error {
	db := s.db.WithContext(ctx)

	updates := map[string]any{"status": status, "pause_requested": false}
	if nextRunAt != nil || status != core.StatusActive {
		updates["next_run_at"] = nextRunAt
	}
	result := db.Model(&core.Job{}).
		Where("id = ? AND status = ?", jobID, core.StatusPaused).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 1 {
		return nil
	}

	result = db.Model(&core.Job{}).
		Where("id = ? AND status = ? AND pause_requested = ?", jobID, core.StatusExecuting, true).
		Update("pause_requested", false)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 1 {
		return nil
	}

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return errors.Wrapf(core.ErrInvalidTransition, "cannot resume %s job %s", job.Status, jobID)
	}
	return nil
}

// DeleteJob soft-deletes a job. Its idempotency key becomes reusable and a
// worker still executing it loses its claim.
func (s *GormStorage) DeleteJob(ctx context.Context, jobID string) error {
	result := s.db.WithContext(ctx).Delete(&core.Job{}, "id = ?", jobID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.Wrapf(core.ErrJobNotFound, "job %s", jobID)
	}
	return nil
}

// JobCounts returns the number of live jobs per status.
func (s *GormStorage) JobCounts(ctx context.Context) (map[core.JobStatus]int64, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Select("status, count(*) as count").
		Group("status").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[core.JobStatus]int64, len(rows))
	for _, r := range rows {
		counts[core.JobStatus(r.Status)] = r.Count
	}
	return counts, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Worker liveness
// ──────────────────────────────────────────────────────────────────────────────

// UpsertHeartbeat records that a worker is alive.
func (s *GormStorage) UpsertHeartbeat(ctx context.Context, hb *core.WorkerHeartbeat) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "worker_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"hostname", "in_flight", "last_seen_at"}),
		}).
		Create(hb).Error
}

// RemoveHeartbeat deletes a worker's liveness record on clean shutdown.
func (s *GormStorage) RemoveHeartbeat(ctx context.Context, workerID string) error {
	return s.db.WithContext(ctx).Delete(&core.WorkerHeartbeat{}, "worker_id = ?", workerID).Error
}

// CountActiveWorkers counts workers seen at or after since.
func (s *GormStorage) CountActiveWorkers(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&core.WorkerHeartbeat{}).
		Where("last_seen_at >= ?", since).
		Count(&n).Error
	return n, err
}
