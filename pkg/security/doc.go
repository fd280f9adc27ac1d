// Package security provides sanitization and limits for the cronjobs package.
//
// This package includes:
//   - Error message sanitization before execution records are stored
//   - Clamping functions for attempts and worker concurrency
//   - Size checks for payloads and idempotency keys
//
// Most users should import the root package github.com/jdziat/simple-durable-cron
// which re-exports these functions.
package security
