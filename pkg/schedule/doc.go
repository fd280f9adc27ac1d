// Package schedule computes timezone-correct run times for job schedules.
//
// This package includes:
//   - Next() for the next occurrence of a core.ScheduleSpec after a reference time
//   - Compile() for reusable Schedule values
//   - one-time, daily, weekly, monthly (with end-of-month clamping) and cron recurrences
//
// Most users should import the root package github.com/jdziat/simple-durable-cron
// which re-exports these functions.
package schedule
