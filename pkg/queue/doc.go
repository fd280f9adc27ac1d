// Package queue provides the Queue type, the dispatcher side of the scheduler.
//
// This package includes:
//   - Queue: polls for due jobs, claims each occurrence and places it on the
//     shared task queue
//   - External control operations: ScheduleJob, PauseJob, ResumeJob,
//     DeleteJob, GetJob and GetJobHistory
//   - Maintenance: expired claim leases and execution retention
//   - Event subscription for monitoring
//
// Most users should import the root package github.com/jdziat/simple-durable-cron
// which re-exports Queue and all option functions.
package queue
