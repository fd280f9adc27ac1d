// Package worker provides the Worker type, the execution side of the scheduler.
//
// A worker pulls tasks from the shared task queue, calls the job's target
// endpoint and resolves the occurrence:
//   - success moves a recurring job to its next run and completes a one-time job
//   - a retryable failure requeues the same occurrence with capped exponential backoff
//   - a rate-limit denial or a 429 hands the occurrence back to the dispatcher
//     without consuming an attempt
//   - exhausted or terminal failures fail a one-time job and advance a recurring one
//
// Every attempt is appended to the execution history.
package worker
