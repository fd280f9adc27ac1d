package taskqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/simple-durable-cron/pkg/core"
)

var baseTime = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newGormQueue(t *testing.T, opts ...Option) *GormQueue {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	q := NewGormQueue(db, opts...)
	require.NoError(t, q.Migrate(context.Background()))
	return q
}

func newRedisQueue(t *testing.T, opts ...Option) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisQueue(rdb, opts...)
}

func eachQueue(t *testing.T, fn func(t *testing.T, q core.TaskQueue, clock *fakeClock)) {
	t.Run("gorm", func(t *testing.T) {
		clock := &fakeClock{now: baseTime}
		fn(t, newGormQueue(t, WithClock(clock.Now), WithVisibilityTimeout(time.Minute)), clock)
	})
	t.Run("redis", func(t *testing.T) {
		clock := &fakeClock{now: baseTime}
		fn(t, newRedisQueue(t, WithClock(clock.Now), WithVisibilityTimeout(time.Minute)), clock)
	})
}

func newTask(jobID string) *core.Task {
	return &core.Task{
		JobID:        jobID,
		ClaimToken:   "token-" + jobID,
		ScheduledFor: baseTime,
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Shared behavior
// ───────────────────────────────────────────────────────────────────────────

func TestQueue_EnqueueDequeueAck(t *testing.T) {
	eachQueue(t, func(t *testing.T, q core.TaskQueue, clock *fakeClock) {
		ctx := context.Background()
		task := newTask("job-1")
		require.NoError(t, q.Enqueue(ctx, task))
		assert.NotEmpty(t, task.ID)
		assert.Equal(t, 1, task.Attempt)
		assert.True(t, task.RunAt.Equal(baseTime))

		got, err := q.Dequeue(ctx, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, task.ID, got.ID)
		assert.Equal(t, "job-1", got.JobID)
		assert.Equal(t, "token-job-1", got.ClaimToken)
		assert.True(t, got.ScheduledFor.Equal(baseTime))
		assert.Equal(t, "worker-1", got.LockedBy)

		again, err := q.Dequeue(ctx, "worker-2")
		require.NoError(t, err)
		assert.Nil(t, again, "in-flight task is invisible")

		require.NoError(t, q.Ack(ctx, got))
		total, ready, err := q.Depth(ctx)
		require.NoError(t, err)
		assert.Zero(t, total)
		assert.Zero(t, ready)
	})
}

func TestQueue_EmptyDequeue(t *testing.T) {
	eachQueue(t, func(t *testing.T, q core.TaskQueue, clock *fakeClock) {
		got, err := q.Dequeue(context.Background(), "worker-1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestQueue_FutureTaskNotVisible(t *testing.T) {
	eachQueue(t, func(t *testing.T, q core.TaskQueue, clock *fakeClock) {
		ctx := context.Background()
		task := newTask("job-1")
		task.RunAt = baseTime.Add(10 * time.Second)
		require.NoError(t, q.Enqueue(ctx, task))

		got, err := q.Dequeue(ctx, "w")
		require.NoError(t, err)
		assert.Nil(t, got)

		total, ready, err := q.Depth(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		assert.Zero(t, ready)

		clock.Advance(10 * time.Second)
		got, err = q.Dequeue(ctx, "w")
		require.NoError(t, err)
		require.NotNil(t, got)
	})
}

func TestQueue_EarliestRunAtFirst(t *testing.T) {
	eachQueue(t, func(t *testing.T, q core.TaskQueue, clock *fakeClock) {
		ctx := context.Background()
		late := newTask("late")
		late.RunAt = baseTime.Add(-time.Second)
		early := newTask("early")
		early.RunAt = baseTime.Add(-time.Hour)
		require.NoError(t, q.Enqueue(ctx, late))
		require.NoError(t, q.Enqueue(ctx, early))

		got, err := q.Dequeue(ctx, "w")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "early", got.JobID)
	})
}

func TestQueue_VisibilityTimeoutRedelivers(t *testing.T) {
	eachQueue(t, func(t *testing.T, q core.TaskQueue, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, q.Enqueue(ctx, newTask("job-1")))

		first, err := q.Dequeue(ctx, "crashed-worker")
		require.NoError(t, err)
		require.NotNil(t, first)

		clock.Advance(61 * time.Second)
		second, err := q.Dequeue(ctx, "worker-2")
		require.NoError(t, err)
		require.NotNil(t, second, "unacked task reappears after the visibility timeout")
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, first.ClaimToken, second.ClaimToken, "same occurrence")
	})
}

func TestQueue_ExtendKeepsTaskHidden(t *testing.T) {
	eachQueue(t, func(t *testing.T, q core.TaskQueue, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, q.Enqueue(ctx, newTask("job-1")))

		held, err := q.Dequeue(ctx, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, held)

		require.NoError(t, q.Extend(ctx, held, baseTime.Add(10*time.Minute)))
		clock.Advance(2 * time.Minute)
		other, err := q.Dequeue(ctx, "worker-2")
		require.NoError(t, err)
		assert.Nil(t, other, "extended lock outlives the visibility timeout")

		clock.Advance(9 * time.Minute)
		other, err = q.Dequeue(ctx, "worker-2")
		require.NoError(t, err)
		require.NotNil(t, other, "task reappears once the extended lock lapses")

		err = q.Extend(ctx, held, baseTime.Add(time.Hour))
		assert.ErrorIs(t, err, core.ErrTaskLost, "the first holder lost the lock")
		require.NoError(t, q.Extend(ctx, other, baseTime.Add(time.Hour)))

		require.NoError(t, q.Ack(ctx, other))
		assert.ErrorIs(t, q.Extend(ctx, other, baseTime.Add(2*time.Hour)), core.ErrTaskLost)
	})
}

func TestQueue_RequeueWithBackoff(t *testing.T) {
	eachQueue(t, func(t *testing.T, q core.TaskQueue, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, q.Enqueue(ctx, newTask("job-1")))

		got, err := q.Dequeue(ctx, "w")
		require.NoError(t, err)
		require.NotNil(t, got)

		got.Attempt = 2
		require.NoError(t, q.Requeue(ctx, got, baseTime.Add(4*time.Second)))

		none, err := q.Dequeue(ctx, "w")
		require.NoError(t, err)
		assert.Nil(t, none, "requeued task waits for its backoff")

		clock.Advance(4 * time.Second)
		retry, err := q.Dequeue(ctx, "w")
		require.NoError(t, err)
		require.NotNil(t, retry)
		assert.Equal(t, got.ID, retry.ID)
		assert.Equal(t, 2, retry.Attempt)

		total, _, err := q.Depth(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), total, "requeue does not duplicate the task")
	})
}

func TestQueue_ConcurrentDequeueDeliversOnce(t *testing.T) {
	eachQueue(t, func(t *testing.T, q core.TaskQueue, clock *fakeClock) {
		ctx := context.Background()
		const tasks = 5
		for i := 0; i < tasks; i++ {
			require.NoError(t, q.Enqueue(ctx, newTask("job")))
		}

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seen = map[string]int{}
		)
		for w := 0; w < 10; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				task, err := q.Dequeue(ctx, "w")
				assert.NoError(t, err)
				if task != nil {
					mu.Lock()
					seen[task.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, tasks)
		for id, n := range seen {
			assert.Equal(t, 1, n, "task %s delivered more than once", id)
		}
	})
}

func TestQueue_Ping(t *testing.T) {
	eachQueue(t, func(t *testing.T, q core.TaskQueue, clock *fakeClock) {
		assert.NoError(t, q.Ping(context.Background()))
	})
}

// ───────────────────────────────────────────────────────────────────────────
// Backend specifics
// ───────────────────────────────────────────────────────────────────────────

func TestRedisQueue_KeyLayout(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	q := NewRedisQueue(rdb, WithKeyPrefix("test:"), WithClock(func() time.Time { return baseTime }))
	task := newTask("job-1")
	require.NoError(t, q.Enqueue(context.Background(), task))

	assert.Equal(t, "test:tasks:schedule", q.ScheduleKey())
	members, err := mr.ZMembers(q.ScheduleKey())
	require.NoError(t, err)
	assert.Equal(t, []string{task.ID}, members)
	assert.NotEmpty(t, mr.HGet(q.DataKey(), task.ID))
}

func TestRedisQueue_OrphanIdIsDropped(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	q := NewRedisQueue(rdb, WithClock(func() time.Time { return baseTime }))
	_, err := mr.ZAdd(q.ScheduleKey(), 0, "orphan")
	require.NoError(t, err)

	got, err := q.Dequeue(context.Background(), "w")
	require.NoError(t, err)
	assert.Nil(t, got)

	total, _, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestGormQueue_RequeueRecreatesMissingRow(t *testing.T) {
	ctx := context.Background()
	q := newGormQueue(t, WithClock(func() time.Time { return baseTime }))

	task := newTask("job-1")
	task.ID = "restored"
	task.Attempt = 3
	require.NoError(t, q.Requeue(ctx, task, baseTime))

	got, err := q.Dequeue(ctx, "w")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "restored", got.ID)
	assert.Equal(t, 3, got.Attempt)
}
