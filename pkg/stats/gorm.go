package stats

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore implements Store using GORM.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore creates a GORM-backed stats store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Migrate(ctx context.Context) error {
	return errors.Wrap(s.db.WithContext(ctx).AutoMigrate(&Bucket{}), "migrate execution stats")
}

// Add upserts in one statement so concurrent processes never lose increments.
func (s *GormStore) Add(ctx context.Context, ts time.Time, c Counters) error {
	if c.IsZero() {
		return nil
	}
	b := Bucket{
		BucketStart: bucketStart(ts),
		Succeeded:   c.Succeeded,
		Failed:      c.Failed,
		TimedOut:    c.TimedOut,
		RateLimited: c.RateLimited,
		Retried:     c.Retried,
		Completed:   c.Completed,
		Exhausted:   c.Exhausted,
	}
	inc := func(col string, n int64) clause.Expr {
		return gorm.Expr("execution_stats."+col+" + ?", n)
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "bucket_start"}},
			DoUpdates: clause.Assignments(map[string]any{
				"succeeded":    inc("succeeded", c.Succeeded),
				"failed":       inc("failed", c.Failed),
				"timed_out":    inc("timed_out", c.TimedOut),
				"rate_limited": inc("rate_limited", c.RateLimited),
				"retried":      inc("retried", c.Retried),
				"completed":    inc("completed", c.Completed),
				"exhausted":    inc("exhausted", c.Exhausted),
			}),
		}).
		Create(&b).Error
	return errors.Wrap(err, "add stat counters")
}

func (s *GormStore) SnapshotDepth(ctx context.Context, ts time.Time, total, ready int64) error {
	b := Bucket{BucketStart: bucketStart(ts), QueueDepth: total, ReadyTasks: ready}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bucket_start"}},
			DoUpdates: clause.AssignmentColumns([]string{"queue_depth", "ready_tasks"}),
		}).
		Create(&b).Error
	return errors.Wrap(err, "snapshot queue depth")
}

func (s *GormStore) History(ctx context.Context, since, until time.Time) ([]Bucket, error) {
	var buckets []Bucket
	q := s.db.WithContext(ctx).Order("bucket_start ASC")
	if !since.IsZero() {
		q = q.Where("bucket_start >= ?", since.UTC())
	}
	if !until.IsZero() {
		q = q.Where("bucket_start <= ?", until.UTC())
	}
	if err := q.Find(&buckets).Error; err != nil {
		return nil, errors.Wrap(err, "load stats history")
	}
	return buckets, nil
}

func (s *GormStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("bucket_start < ?", before.UTC()).Delete(&Bucket{})
	return res.RowsAffected, errors.Wrap(res.Error, "prune stats")
}
