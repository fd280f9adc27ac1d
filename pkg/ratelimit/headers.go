package ratelimit

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jdziat/simple-durable-cron/pkg/core"
)

// epochThreshold separates reset values given as unix seconds from values
// given as delta seconds.
const epochThreshold = 1_000_000_000

// Feedback is what a target reported about its own rate limit.
type Feedback struct {
	Remaining  int // -1 when not reported
	Limit      int // 0 when not reported
	BlockUntil time.Time
}

// Empty reports whether the headers carried no usable rate-limit information.
func (f Feedback) Empty() bool {
	return f.Remaining < 0 && f.Limit <= 0 && f.BlockUntil.IsZero()
}

// ParseHeaders reads Retry-After, X-RateLimit-* and the IETF RateLimit-*
// headers. A zero remaining count with a known reset blocks until the reset.
func ParseHeaders(h http.Header, now time.Time) Feedback {
	fb := Feedback{Remaining: -1}
	if h == nil {
		return fb
	}

	if d, ok := RetryAfter(h, now); ok {
		fb.BlockUntil = now.Add(d)
	}

	if v, ok := firstInt(h, "X-RateLimit-Remaining", "RateLimit-Remaining"); ok && v >= 0 {
		fb.Remaining = v
	}
	if v, ok := firstInt(h, "X-RateLimit-Limit", "RateLimit-Limit"); ok && v > 0 {
		fb.Limit = v
	}

	if fb.Remaining == 0 {
		if v, ok := firstInt(h, "X-RateLimit-Reset", "RateLimit-Reset"); ok && v > 0 {
			reset := resetInstant(int64(v), now)
			if reset.After(fb.BlockUntil) {
				fb.BlockUntil = reset
			}
		}
	}
	return fb
}

// RetryAfter parses a Retry-After header given as delta seconds or an HTTP date.
func RetryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func resetInstant(v int64, now time.Time) time.Time {
	if v >= epochThreshold {
		return time.Unix(v, 0)
	}
	return now.Add(time.Duration(v) * time.Second)
}

// firstInt returns the leading integer of the first present header.
// Values such as "100, 100;w=60" yield 100.
func firstInt(h http.Header, names ...string) (int, bool) {
	for _, name := range names {
		v := strings.TrimSpace(h.Get(name))
		if v == "" {
			continue
		}
		if i := strings.IndexAny(v, ",;"); i >= 0 {
			v = strings.TrimSpace(v[:i])
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		return n, true
	}
	return 0, false
}

// KeyFor builds the bucket key for a job's target.
func KeyFor(orgID, targetURL string) core.RateLimitKey {
	host := targetURL
	if u, err := url.Parse(targetURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return core.RateLimitKey{OrganizationID: orgID, Host: strings.ToLower(host)}
}

// effectiveLimit lowers the configured limit to a smaller remote one.
func effectiveLimit(configured, remote int) int {
	if remote > 0 && remote < configured {
		return remote
	}
	return configured
}
