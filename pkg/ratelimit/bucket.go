package ratelimit

import (
	"time"

	"github.com/jdziat/simple-durable-cron/pkg/core"
)

// consume applies one request to a fixed-window bucket. The bucket is only
// modified when the request is allowed.
func consume(b *core.RateLimitBucket, cfg core.RateLimitConfig, now time.Time) core.RateLimitDecision {
	limit := effectiveLimit(cfg.MaxRequests, b.RemoteLimit)

	if b.BlockedUntil != nil && b.BlockedUntil.After(now) {
		return core.RateLimitDecision{RetryAfter: b.BlockedUntil.Sub(now), Limit: limit}
	}

	if b.WindowStart.IsZero() || !now.Before(b.WindowStart.Add(cfg.Window)) {
		b.WindowStart = now
		b.Count = 0
	}

	if b.Count >= limit {
		return core.RateLimitDecision{RetryAfter: b.WindowStart.Add(cfg.Window).Sub(now), Limit: limit}
	}

	b.Count++
	return core.RateLimitDecision{Allowed: true, Remaining: limit - b.Count, Limit: limit}
}

// absorb folds target feedback into a bucket. Blocks only ever extend.
func absorb(b *core.RateLimitBucket, fb Feedback) {
	if fb.Limit > 0 {
		b.RemoteLimit = fb.Limit
	}
	if !fb.BlockUntil.IsZero() && (b.BlockedUntil == nil || fb.BlockUntil.After(*b.BlockedUntil)) {
		until := fb.BlockUntil
		b.BlockedUntil = &until
	}
}

func normalize(cfg core.RateLimitConfig) core.RateLimitConfig {
	def := core.DefaultRateLimitConfig()
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	return cfg
}
