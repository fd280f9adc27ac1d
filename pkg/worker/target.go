package worker

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/jdziat/simple-durable-cron/pkg/core"
	"github.com/jdziat/simple-durable-cron/pkg/ratelimit"
)

// Headers sent with every target request.
const (
	HeaderJobID      = "X-Cronjobs-Job-Id"
	HeaderOccurrence = "X-Cronjobs-Occurrence"
	HeaderAttempt    = "X-Cronjobs-Attempt"
	// HeaderIdempotencyKey is stable across attempts of one occurrence.
	HeaderIdempotencyKey = "Idempotency-Key"
)

const userAgent = "simple-durable-cron/1"

// callResult is what one request against a target produced.
type callResult struct {
	StatusCode   int
	Header       http.Header
	Body         []byte
	DeclaredSize int64
	Duration     time.Duration
	Err          error // *core.TargetError, or the context error on shutdown
}

func (r *callResult) ok() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// call performs the job's request. The response body is read up to
// readLimit bytes; the remainder is drained and only counted.
func (w *Worker) call(ctx context.Context, job *core.Job, task *core.Task) *callResult {
	ctx, cancel := context.WithTimeout(ctx, w.timeoutFor(job))
	defer cancel()

	var body io.Reader
	if len(job.Payload) > 0 {
		body = bytes.NewReader(job.Payload)
	}
	req, err := http.NewRequestWithContext(ctx, job.Method, job.TargetURL, body)
	if err != nil {
		return &callResult{Err: &core.TargetError{Err: errors.Wrap(err, "build request")}}
	}
	for k, v := range job.Headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", userAgent)
	occurrence := task.ScheduledFor.UTC().Format(time.RFC3339)
	req.Header.Set(HeaderJobID, job.ID)
	req.Header.Set(HeaderOccurrence, occurrence)
	req.Header.Set(HeaderAttempt, strconv.Itoa(task.Attempt))
	if req.Header.Get(HeaderIdempotencyKey) == "" {
		req.Header.Set(HeaderIdempotencyKey, job.ID+"/"+occurrence)
	}

	start := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		return &callResult{Duration: time.Since(start), Err: classifyTransportError(ctx, err)}
	}
	defer resp.Body.Close()

	res := &callResult{StatusCode: resp.StatusCode, Header: resp.Header}
	res.Body, res.DeclaredSize, err = readBounded(resp.Body, readLimit(job.ResponsePolicy()))
	if resp.ContentLength > res.DeclaredSize {
		res.DeclaredSize = resp.ContentLength
	}
	res.Duration = time.Since(start)
	if err != nil && ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.Err = ctx.Err()
		return res
	}
	res.Err = classifyStatus(resp, w.config.Now())
	return res
}

// readLimit bounds how much of a response is held in memory. With
// compression the compressor may fit more than MaxSize raw bytes.
func readLimit(cfg core.ResponseConfig) int64 {
	if cfg.CompressionEnabled {
		return cfg.MaxSize * 4
	}
	return cfg.MaxSize
}

// readBounded buffers up to limit bytes of r and counts the rest.
// A read error after some bytes keeps what was read.
func readBounded(r io.Reader, limit int64) ([]byte, int64, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, limit))
	if err != nil {
		return buf.Bytes(), n, err
	}
	rest, err := io.Copy(io.Discard, r)
	return buf.Bytes(), n + rest, err
}

func classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		// Parent context cancelled: the worker is shutting down.
		return ctx.Err()
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &core.TargetError{Timeout: true, Retryable: true, Err: err}
	}
	return &core.TargetError{Retryable: true, Err: err}
}

func classifyStatus(resp *http.Response, now time.Time) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		retryAfter, _ := ratelimit.RetryAfter(resp.Header, now)
		return &core.TargetError{StatusCode: code, Retryable: true, RetryAfter: retryAfter}
	case code >= 500:
		return &core.TargetError{StatusCode: code, Retryable: true}
	default:
		return &core.TargetError{StatusCode: code}
	}
}
