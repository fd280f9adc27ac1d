// Package core provides the fundamental types and interfaces for the cronjobs package.
//
// This package contains:
//   - Job, Execution, Task and WorkerHeartbeat models with GORM annotations
//   - Storage, TaskQueue and RateLimiter interfaces
//   - Event types and the Emitter used by the queue service and workers
//   - Error types for scheduling and target calls
//
// Most users should import the root package github.com/jdziat/simple-durable-cron
// instead of this package directly.
package core
