package stats

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/simple-durable-cron/pkg/core"
)

var baseTime = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s := NewGormStore(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestGormStore_AddMergesWithinMinute(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, baseTime.Add(5*time.Second), Counters{Succeeded: 2, Retried: 1}))
	require.NoError(t, s.Add(ctx, baseTime.Add(50*time.Second), Counters{Succeeded: 1, Failed: 3}))
	require.NoError(t, s.Add(ctx, baseTime.Add(61*time.Second), Counters{TimedOut: 1}))
	require.NoError(t, s.Add(ctx, baseTime, Counters{}))

	buckets, err := s.History(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, buckets, 2)

	assert.True(t, buckets[0].BucketStart.Equal(baseTime))
	assert.Equal(t, int64(3), buckets[0].Succeeded)
	assert.Equal(t, int64(3), buckets[0].Failed)
	assert.Equal(t, int64(1), buckets[0].Retried)

	assert.True(t, buckets[1].BucketStart.Equal(baseTime.Add(time.Minute)))
	assert.Equal(t, int64(1), buckets[1].TimedOut)
	assert.Zero(t, buckets[1].Succeeded)
}

func TestGormStore_SnapshotDepthKeepsCounters(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, baseTime, Counters{Completed: 1}))
	require.NoError(t, s.SnapshotDepth(ctx, baseTime.Add(10*time.Second), 7, 3))
	require.NoError(t, s.SnapshotDepth(ctx, baseTime.Add(40*time.Second), 5, 2))

	buckets, err := s.History(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(1), buckets[0].Completed)
	assert.Equal(t, int64(5), buckets[0].QueueDepth)
	assert.Equal(t, int64(2), buckets[0].ReadyTasks)
}

func TestGormStore_HistoryRangeAndPrune(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Add(ctx, baseTime.Add(time.Duration(i)*time.Minute), Counters{Succeeded: int64(i + 1)}))
	}

	buckets, err := s.History(ctx, baseTime.Add(time.Minute), baseTime.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, buckets, 3)
	assert.Equal(t, int64(2), buckets[0].Succeeded)
	assert.Equal(t, int64(4), buckets[2].Succeeded)

	n, err := s.Prune(ctx, baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	buckets, err = s.History(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, buckets, 3)
}

func TestCollector_CountsEvents(t *testing.T) {
	s := newStore(t)
	c := NewCollector(core.NewEmitter(), s, WithClock(func() time.Time { return baseTime }))

	for _, e := range []core.Event{
		&core.ExecutionRecorded{Execution: &core.Execution{Status: core.ExecutionSuccess}},
		&core.ExecutionRecorded{Execution: &core.Execution{Status: core.ExecutionFailed}},
		&core.ExecutionRecorded{Execution: &core.Execution{Status: core.ExecutionTimeout}},
		&core.ExecutionRecorded{Execution: &core.Execution{Status: core.ExecutionRateLimited}},
		&core.RetryScheduled{JobID: "j"},
		&core.JobResolved{JobID: "j", Status: core.StatusCompleted},
		&core.JobResolved{JobID: "j", Status: core.StatusFailed},
		&core.JobResolved{JobID: "j", Status: core.StatusActive},
		&core.JobPaused{JobID: "j"},
	} {
		c.handle(e)
	}
	c.Flush(context.Background())

	buckets, err := s.History(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	b := buckets[0]
	assert.Equal(t, int64(1), b.Succeeded)
	assert.Equal(t, int64(1), b.Failed)
	assert.Equal(t, int64(1), b.TimedOut)
	assert.Equal(t, int64(1), b.RateLimited)
	assert.Equal(t, int64(1), b.Retried)
	assert.Equal(t, int64(1), b.Completed)
	assert.Equal(t, int64(1), b.Exhausted)
}

type failingStore struct {
	Store
	fail bool
}

func (f *failingStore) Add(ctx context.Context, ts time.Time, c Counters) error {
	if f.fail {
		return errors.New("db down")
	}
	return f.Store.Add(ctx, ts, c)
}

func TestCollector_FailedFlushIsRetried(t *testing.T) {
	fs := &failingStore{Store: newStore(t), fail: true}
	c := NewCollector(core.NewEmitter(), fs, WithClock(func() time.Time { return baseTime }))
	ctx := context.Background()

	c.handle(&core.RetryScheduled{JobID: "j"})
	c.Flush(ctx)
	c.handle(&core.RetryScheduled{JobID: "j"})

	fs.fail = false
	c.Flush(ctx)

	buckets, err := fs.History(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(2), buckets[0].Retried)
}

type fixedDepth struct{ total, ready int64 }

func (d fixedDepth) Depth(context.Context) (int64, int64, error) { return d.total, d.ready, nil }

func TestCollector_StartFlushesOnShutdown(t *testing.T) {
	s := newStore(t)
	em := core.NewEmitter()
	c := NewCollector(em, s,
		WithClock(func() time.Time { return baseTime }),
		WithDepth(fixedDepth{total: 4, ready: 1}),
		FlushInterval(time.Hour),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()
	c.WaitReady()

	em.Emit(&core.ExecutionRecorded{Execution: &core.Execution{Status: core.ExecutionSuccess}})
	em.Emit(&core.JobResolved{JobID: "j", Status: core.StatusCompleted})
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not stop")
	}

	buckets, err := s.History(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(1), buckets[0].Succeeded)
	assert.Equal(t, int64(1), buckets[0].Completed)
}

func TestCollector_TickSamplesDepthAndPrunes(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	old := baseTime.Add(-30 * 24 * time.Hour)
	require.NoError(t, s.Add(ctx, old, Counters{Succeeded: 1}))

	c := NewCollector(core.NewEmitter(), s,
		WithClock(func() time.Time { return baseTime }),
		WithDepth(fixedDepth{total: 4, ready: 1}),
	)
	c.snapshot(ctx)
	c.prune(ctx)

	buckets, err := s.History(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.True(t, buckets[0].BucketStart.Equal(baseTime))
	assert.Equal(t, int64(4), buckets[0].QueueDepth)
	assert.Equal(t, int64(1), buckets[0].ReadyTasks)
}

func TestOptions_IgnoreInvalid(t *testing.T) {
	cfg := defaultConfig()
	for _, o := range []Option{FlushInterval(0), Retention(-time.Hour), WithLogger(nil), WithClock(nil)} {
		o.apply(&cfg)
	}
	assert.Equal(t, DefaultFlushInterval, cfg.flushInterval)
	assert.Equal(t, DefaultRetention, cfg.retention)
	assert.NotNil(t, cfg.logger)
	assert.NotNil(t, cfg.now)

	Retention(0).apply(&cfg)
	assert.Zero(t, cfg.retention)
}
