// Package security provides sanitization and limits for the cronjobs package.
package security

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
)

// Security limits and configuration
const (
	// MaxPayloadSize is the maximum size in bytes for a job payload (1MB)
	MaxPayloadSize = 1 << 20

	// MaxAttempts is the hard limit for attempts per occurrence
	MaxAttempts = 100

	// MaxConcurrency is the hard limit for worker concurrency
	MaxConcurrency = 1000

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxIdempotencyKeyLength is the maximum length for idempotency keys
	MaxIdempotencyKeyLength = 255

	// MaxTimeout caps a job's request timeout
	MaxTimeout = 4 * time.Minute
)

var (
	ErrPayloadTooLarge       = errors.New("cronjobs: job payload exceeds size limit")
	ErrIdempotencyKeyTooLong = errors.New("cronjobs: idempotency key exceeds maximum length")
)

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampAttempts ensures the per-occurrence attempt count is within [1, MaxAttempts]
func ClampAttempts(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxAttempts {
		return MaxAttempts
	}
	return n
}

// ClampConcurrency ensures concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// ClampTimeout caps a request timeout at MaxTimeout. Non-positive values
// mean "use the worker default" and are returned as zero.
func ClampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

// ValidateIdempotencyKey validates an idempotency key length
func ValidateIdempotencyKey(key string) error {
	if len(key) > MaxIdempotencyKeyLength {
		return ErrIdempotencyKeyTooLong
	}
	return nil
}

// ValidatePayload enforces the payload size limit
func ValidatePayload(payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}
	return nil
}
