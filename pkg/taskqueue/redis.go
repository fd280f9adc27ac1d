package taskqueue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/jdziat/simple-durable-cron/pkg/core"
)

// dequeueScript takes the earliest visible task id, pushes its score out
// by the visibility timeout and records the lock owner in one step.
// KEYS[1] schedule zset, KEYS[2] task hash, KEYS[3] lock hash;
// ARGV now ms, visibility ms, worker id.
var dequeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
local body = redis.call('HGET', KEYS[2], id)
if not body then
  redis.call('ZREM', KEYS[1], id)
  return false
end
redis.call('ZADD', KEYS[1], tonumber(ARGV[1]) + tonumber(ARGV[2]), id)
redis.call('HSET', KEYS[3], id, ARGV[3])
return body
`)

// extendScript moves a task's score to a later instant if the caller still
// owns its lock. KEYS as dequeueScript; ARGV task id, until ms, worker id.
var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[3] then
  return 0
end
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[1], 'XX', tonumber(ARGV[2]), ARGV[1])
return 1
`)

// RedisQueue keeps tasks in one sorted set scored by the instant they become
// visible, with task bodies in a hash. Delayed, ready and in-flight tasks
// differ only in score.
type RedisQueue struct {
	rdb redis.UniversalClient
	cfg queueConfig
}

var _ core.TaskQueue = (*RedisQueue)(nil)

// NewRedisQueue creates a queue on an existing client.
func NewRedisQueue(rdb redis.UniversalClient, opts ...Option) *RedisQueue {
	cfg := defaultQueueConfig()
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	return &RedisQueue{rdb: rdb, cfg: cfg}
}

// ScheduleKey is the sorted set of task ids.
func (q *RedisQueue) ScheduleKey() string {
	return q.cfg.prefix + "tasks:schedule"
}

// DataKey is the hash of task bodies.
func (q *RedisQueue) DataKey() string {
	return q.cfg.prefix + "tasks:data"
}

// LockKey is the hash of task id to the worker holding it.
func (q *RedisQueue) LockKey() string {
	return q.cfg.prefix + "tasks:locks"
}

func (q *RedisQueue) keys() []string {
	return []string{q.ScheduleKey(), q.DataKey(), q.LockKey()}
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (q *RedisQueue) put(ctx context.Context, task *core.Task, visibleAt time.Time) error {
	body, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(err, "encode task")
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.DataKey(), task.ID, body)
		pipe.HDel(ctx, q.LockKey(), task.ID)
		pipe.ZAdd(ctx, q.ScheduleKey(), redis.Z{Score: score(visibleAt), Member: task.ID})
		return nil
	})
	return err
}

// Enqueue adds a task, visible at task.RunAt.
func (q *RedisQueue) Enqueue(ctx context.Context, task *core.Task) error {
	prepare(task, q.cfg.now())
	if err := q.put(ctx, task, task.RunAt); err != nil {
		return errors.Wrapf(err, "enqueue task for job %s", task.JobID)
	}
	return nil
}

// Dequeue hides and returns the earliest visible task, or nil if none is ready.
func (q *RedisQueue) Dequeue(ctx context.Context, workerID string) (*core.Task, error) {
	now := q.cfg.now()
	body, err := dequeueScript.Run(ctx, q.rdb, q.keys(),
		now.UnixMilli(), q.cfg.visibility.Milliseconds(), workerID).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "dequeue task")
	}

	var task core.Task
	if err := json.Unmarshal([]byte(body), &task); err != nil {
		return nil, errors.Wrap(err, "decode task")
	}
	lockUntil := now.Add(q.cfg.visibility)
	task.LockedBy = workerID
	task.LockedUntil = &lockUntil
	return &task, nil
}

// Ack removes a finished task.
func (q *RedisQueue) Ack(ctx context.Context, task *core.Task) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.ScheduleKey(), task.ID)
		pipe.HDel(ctx, q.DataKey(), task.ID)
		pipe.HDel(ctx, q.LockKey(), task.ID)
		return nil
	})
	return err
}

// Requeue makes the task visible again at runAt with its current fields.
func (q *RedisQueue) Requeue(ctx context.Context, task *core.Task, runAt time.Time) error {
	task.RunAt = runAt
	task.LockedBy = ""
	task.LockedUntil = nil
	if err := q.put(ctx, task, runAt); err != nil {
		return errors.Wrapf(err, "requeue task %s", task.ID)
	}
	return nil
}

// Extend pushes the task's visibility deadline to until, provided the
// caller's lock still holds.
func (q *RedisQueue) Extend(ctx context.Context, task *core.Task, until time.Time) error {
	held, err := extendScript.Run(ctx, q.rdb, q.keys(), task.ID, until.UnixMilli(), task.LockedBy).Int()
	if err != nil {
		return errors.Wrapf(err, "extend task %s", task.ID)
	}
	if held == 0 {
		return errors.Wrapf(core.ErrTaskLost, "task %s", task.ID)
	}
	task.LockedUntil = &until
	return nil
}

// Depth returns the number of queued tasks and how many are ready now.
func (q *RedisQueue) Depth(ctx context.Context) (int64, int64, error) {
	var total, ready *redis.IntCmd
	_, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		total = pipe.ZCard(ctx, q.ScheduleKey())
		ready = pipe.ZCount(ctx, q.ScheduleKey(), "-inf", strconv.FormatInt(q.cfg.now().UnixMilli(), 10))
		return nil
	})
	if err != nil {
		return 0, 0, errors.Wrap(err, "queue depth")
	}
	return total.Val(), ready.Val(), nil
}

// Ping checks the Redis connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}
