package taskqueue

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/simple-durable-cron/pkg/core"
)

// GormQueue stores tasks in a SQL table. Dequeue locks a row by writing a
// visibility deadline inside a transaction; on PostgreSQL the candidate row
// is selected with FOR UPDATE SKIP LOCKED.
type GormQueue struct {
	db  *gorm.DB
	cfg queueConfig
}

var _ core.TaskQueue = (*GormQueue)(nil)

// NewGormQueue creates a queue on db. Call Migrate before first use.
func NewGormQueue(db *gorm.DB, opts ...Option) *GormQueue {
	cfg := defaultQueueConfig()
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	return &GormQueue{db: db, cfg: cfg}
}

// Migrate creates the tasks table.
func (q *GormQueue) Migrate(ctx context.Context) error {
	return q.db.WithContext(ctx).AutoMigrate(&core.Task{})
}

// Enqueue adds a task, visible at task.RunAt.
func (q *GormQueue) Enqueue(ctx context.Context, task *core.Task) error {
	prepare(task, q.cfg.now())
	if err := q.db.WithContext(ctx).Create(task).Error; err != nil {
		return errors.Wrapf(err, "enqueue task for job %s", task.JobID)
	}
	return nil
}

// Dequeue hides and returns the earliest visible task, or nil if none is ready.
func (q *GormQueue) Dequeue(ctx context.Context, workerID string) (*core.Task, error) {
	var task core.Task
	now := q.cfg.now()
	lockUntil := now.Add(q.cfg.visibility)

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sel := tx.
			Where("run_at <= ?", now).
			Where("(locked_until IS NULL OR locked_until < ?)", now).
			Order("run_at ASC").
			Limit(1)
		if tx.Dialector.Name() != "sqlite" {
			sel = sel.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		result := sel.Find(&task)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}

		claimed := tx.Model(&core.Task{}).
			Where("id = ?", task.ID).
			Where("(locked_until IS NULL OR locked_until < ?)", now).
			Updates(map[string]any{
				"locked_by":    workerID,
				"locked_until": lockUntil,
			})
		if claimed.Error != nil {
			return claimed.Error
		}
		if claimed.RowsAffected == 0 {
			task = core.Task{}
			return nil
		}

		task.LockedBy = workerID
		task.LockedUntil = &lockUntil
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "dequeue task")
	}
	if task.ID == "" {
		return nil, nil
	}
	return &task, nil
}

// Ack removes a finished task.
func (q *GormQueue) Ack(ctx context.Context, task *core.Task) error {
	return q.db.WithContext(ctx).Delete(&core.Task{}, "id = ?", task.ID).Error
}

// Requeue makes the task visible again at runAt with its current fields
// (attempt, scheduled-for, claim token).
func (q *GormQueue) Requeue(ctx context.Context, task *core.Task, runAt time.Time) error {
	task.RunAt = runAt
	task.LockedBy = ""
	task.LockedUntil = nil
	if err := q.db.WithContext(ctx).Save(task).Error; err != nil {
		return errors.Wrapf(err, "requeue task %s", task.ID)
	}
	return nil
}

// Extend pushes the task's visibility deadline to until, provided the
// caller's lock still holds.
func (q *GormQueue) Extend(ctx context.Context, task *core.Task, until time.Time) error {
	result := q.db.WithContext(ctx).Model(&core.Task{}).
		Where("id = ? AND locked_by = ?", task.ID, task.LockedBy).
		Update("locked_until", until)
	if result.Error != nil {
		return errors.Wrapf(result.Error, "extend task %s", task.ID)
	}
	if result.RowsAffected == 0 {
		return errors.Wrapf(core.ErrTaskLost, "task %s", task.ID)
	}
	task.LockedUntil = &until
	return nil
}

// Depth returns the number of queued tasks and how many are ready now.
func (q *GormQueue) Depth(ctx context.Context) (int64, int64, error) {
	db := q.db.WithContext(ctx)
	now := q.cfg.now()

	var total, ready int64
	if err := db.Model(&core.Task{}).Count(&total).Error; err != nil {
		return 0, 0, err
	}
	err := db.Model(&core.Task{}).
		Where("run_at <= ?", now).
		Where("(locked_until IS NULL OR locked_until < ?)", now).
		Count(&ready).Error
	if err != nil {
		return 0, 0, err
	}
	return total, ready, nil
}

// Ping checks the database connection.
func (q *GormQueue) Ping(ctx context.Context) error {
	sqlDB, err := q.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func prepare(task *core.Task, now time.Time) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Attempt <= 0 {
		task.Attempt = 1
	}
	if task.RunAt.IsZero() {
		task.RunAt = now
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
}
