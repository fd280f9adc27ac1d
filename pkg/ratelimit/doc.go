// Package ratelimit provides the shared request budget for job targets.
//
// Buckets are keyed per organization and target host and live outside the
// worker process, so every worker sees the same counts:
//   - RedisLimiter: Redis hashes updated by Lua scripts
//   - GormLimiter: a SQL table updated by compare-and-swap on a version column
//
// Both adapt to Retry-After and X-RateLimit-* / RateLimit-* response headers.
package ratelimit
