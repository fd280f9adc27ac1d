// Package stats aggregates execution outcomes into per-minute buckets.
//
// A Collector subscribes to the scheduler event stream of its process and
// periodically adds its counters to a shared Store, so buckets hold the sum
// over every worker process.
package stats

import (
	"context"
	"time"
)

// Bucket holds the counters of one UTC minute.
type Bucket struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	BucketStart time.Time `gorm:"uniqueIndex;not null" json:"bucket_start"`

	// Attempt outcomes
	Succeeded   int64 `gorm:"default:0" json:"succeeded"`
	Failed      int64 `gorm:"default:0" json:"failed"`
	TimedOut    int64 `gorm:"default:0" json:"timed_out"`
	RateLimited int64 `gorm:"default:0" json:"rate_limited"`
	Retried     int64 `gorm:"default:0" json:"retried"`

	// Jobs reaching a terminal status
	Completed int64 `gorm:"default:0" json:"completed"`
	Exhausted int64 `gorm:"default:0" json:"exhausted"`

	// Last task queue snapshot taken in the minute
	QueueDepth int64 `gorm:"default:0" json:"queue_depth"`
	ReadyTasks int64 `gorm:"default:0" json:"ready_tasks"`
}

// TableName pins the table name.
func (Bucket) TableName() string {
	return "execution_stats"
}

// Counters are the additive part of a Bucket.
type Counters struct {
	Succeeded   int64
	Failed      int64
	TimedOut    int64
	RateLimited int64
	Retried     int64
	Completed   int64
	Exhausted   int64
}

// IsZero reports whether nothing was counted.
func (c Counters) IsZero() bool {
	return c == Counters{}
}

func (c *Counters) add(o Counters) {
	c.Succeeded += o.Succeeded
	c.Failed += o.Failed
	c.TimedOut += o.TimedOut
	c.RateLimited += o.RateLimited
	c.Retried += o.Retried
	c.Completed += o.Completed
	c.Exhausted += o.Exhausted
}

// Store persists buckets.
type Store interface {
	Migrate(ctx context.Context) error
	// Add increments the bucket containing ts.
	Add(ctx context.Context, ts time.Time, c Counters) error
	// SnapshotDepth overwrites the queue gauges of the bucket containing ts.
	SnapshotDepth(ctx context.Context, ts time.Time, total, ready int64) error
	// History returns buckets in [since, until], oldest first. Zero bounds are open.
	History(ctx context.Context, since, until time.Time) ([]Bucket, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

func bucketStart(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Minute)
}
