// Package taskqueue provides the shared durable queue between the dispatcher
// and workers.
//
// Delivery is at-least-once. A dequeued task is hidden for a visibility
// timeout and reappears if it is neither acked nor requeued, so a crashed
// worker's task is picked up by another worker. Backoff is a requeue with a
// future run time; nothing sleeps.
package taskqueue
