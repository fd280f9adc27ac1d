package ratelimit

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jdziat/simple-durable-cron/pkg/core"
)

// consumeScript is the fixed-window check-and-increment. All instants are unix ms.
// KEYS[1] bucket hash; ARGV now, window, configured limit.
// Returns {allowed, retry_after_ms, remaining, limit}.
var consumeScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local h = redis.call('HMGET', KEYS[1], 'window_start', 'count', 'remote_limit', 'blocked_until')
local start = tonumber(h[1]) or 0
local count = tonumber(h[2]) or 0
local remote = tonumber(h[3]) or 0
local blocked = tonumber(h[4]) or 0
if remote > 0 and remote < limit then
  limit = remote
end
if blocked > now then
  return {0, blocked - now, 0, limit}
end
if start == 0 or now - start >= window then
  start = now
  count = 0
end
if count >= limit then
  return {0, start + window - now, 0, limit}
end
count = count + 1
redis.call('HSET', KEYS[1], 'window_start', start, 'count', count)
if redis.call('PTTL', KEYS[1]) < window then
  redis.call('PEXPIRE', KEYS[1], window)
end
return {1, 0, limit - count, limit}
`)

// feedbackScript stores remote limits and blocks. Blocks only ever extend.
// KEYS[1] bucket hash; ARGV remote limit (0 none), block until (0 none), ttl ms.
var feedbackScript = redis.NewScript(`
local remote = tonumber(ARGV[1])
local until_ms = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
if remote > 0 then
  redis.call('HSET', KEYS[1], 'remote_limit', remote)
end
if until_ms > 0 then
  local cur = tonumber(redis.call('HGET', KEYS[1], 'blocked_until')) or 0
  if until_ms > cur then
    redis.call('HSET', KEYS[1], 'blocked_until', until_ms)
  end
end
if redis.call('PTTL', KEYS[1]) < ttl then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

// RedisLimiter keeps rate-limit buckets in Redis hashes shared by all workers.
type RedisLimiter struct {
	rdb redis.UniversalClient
	cfg limiterConfig
}

var _ core.RateLimiter = (*RedisLimiter)(nil)

// NewRedisLimiter creates a limiter on an existing client.
func NewRedisLimiter(rdb redis.UniversalClient, opts ...Option) *RedisLimiter {
	cfg := defaultLimiterConfig()
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	return &RedisLimiter{rdb: rdb, cfg: cfg}
}

func (l *RedisLimiter) key(k core.RateLimitKey) string {
	return l.cfg.prefix + k.String()
}

// CheckAndConsume atomically admits or denies one request for key.
func (l *RedisLimiter) CheckAndConsume(ctx context.Context, key core.RateLimitKey, cfg core.RateLimitConfig) (core.RateLimitDecision, error) {
	cfg = normalize(cfg)
	now := l.cfg.now()

	vals, err := consumeScript.Run(ctx, l.rdb, []string{l.key(key)},
		now.UnixMilli(), cfg.Window.Milliseconds(), cfg.MaxRequests).Int64Slice()
	if err != nil {
		return core.RateLimitDecision{}, errors.Wrapf(err, "rate limit check for %s", key)
	}
	if len(vals) != 4 {
		return core.RateLimitDecision{}, errors.Newf("rate limit check for %s: unexpected reply %v", key, vals)
	}

	return core.RateLimitDecision{
		Allowed:    vals[0] == 1,
		RetryAfter: time.Duration(vals[1]) * time.Millisecond,
		Remaining:  int(vals[2]),
		Limit:      int(vals[3]),
	}, nil
}

// RecordResponseHeaders adapts the bucket to what the target reported.
func (l *RedisLimiter) RecordResponseHeaders(ctx context.Context, key core.RateLimitKey, headers http.Header) error {
	now := l.cfg.now()
	fb := ParseHeaders(headers, now)
	if fb.Empty() {
		return nil
	}

	var untilMs int64
	ttl := l.cfg.stateTTL
	if !fb.BlockUntil.IsZero() {
		untilMs = fb.BlockUntil.UnixMilli()
		if d := fb.BlockUntil.Sub(now); d > ttl {
			ttl = d
		}
	}

	if err := feedbackScript.Run(ctx, l.rdb, []string{l.key(key)},
		fb.Limit, untilMs, ttl.Milliseconds()).Err(); err != nil {
		return errors.Wrapf(err, "record rate limit feedback for %s", key)
	}

	if !fb.BlockUntil.IsZero() {
		l.cfg.logger.Debug("target requested backoff",
			zap.String("key", key.String()),
			zap.Time("blocked_until", fb.BlockUntil))
	}
	return nil
}

// Ping checks the Redis connection.
func (l *RedisLimiter) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}
