package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/simple-durable-cron/pkg/core"
	"github.com/jdziat/simple-durable-cron/pkg/health"
	"github.com/jdziat/simple-durable-cron/pkg/queue"
	"github.com/jdziat/simple-durable-cron/pkg/stats"
	"github.com/jdziat/simple-durable-cron/pkg/storage"
	"github.com/jdziat/simple-durable-cron/pkg/taskqueue"
)

var baseTime = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubHealth struct{ report health.Report }

func (s stubHealth) Check(context.Context) health.Report { return s.report }

type stubStats struct {
	since, until time.Time
	buckets      []stats.Bucket
}

func (s *stubStats) History(_ context.Context, since, until time.Time) ([]stats.Bucket, error) {
	s.since, s.until = since, until
	return s.buckets, nil
}

type fixture struct {
	db    *gorm.DB
	store *storage.GormStorage
	queue *queue.Queue
	clock *fakeClock
	srv   *httptest.Server
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	ctx := context.Background()
	clock := &fakeClock{now: baseTime}
	store := storage.NewGormStorage(db)
	require.NoError(t, store.Migrate(ctx))
	tasks := taskqueue.NewGormQueue(db, taskqueue.WithClock(clock.Now))
	require.NoError(t, tasks.Migrate(ctx))
	q := queue.New(store, tasks, queue.WithClock(clock.Now))

	srv := httptest.NewServer(Handler(q, opts...))
	t.Cleanup(srv.Close)
	return &fixture{db: db, store: store, queue: q, clock: clock, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func dailySpec() map[string]any {
	return map[string]any{
		"organization_id": "org-1",
		"name":            "nightly report",
		"target_url":      "https://example.com/hook",
		"timezone":        "America/New_York",
		"payload":         map[string]any{"report": "daily"},
		"schedule": map[string]any{
			"type": "recurring",
			"recurring": map[string]any{
				"frequency":  "daily",
				"time":       "09:00",
				"start_date": "2024-06-01",
			},
		},
	}
}

func (f *fixture) create(t *testing.T, spec map[string]any) string {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/v1/jobs", spec)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	return body["id"].(string)
}

func TestScheduleJob_Created(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/v1/jobs", dailySpec())

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, body["id"])
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, "POST", body["method"])
	assert.Equal(t, "2024-06-01T13:00:00Z", body["next_run_at"])
}

func TestScheduleJob_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		body   any
		status int
		errHas string
	}{
		{
			name:   "malformed json",
			body:   `{"organization_id":`,
			status: http.StatusBadRequest,
			errHas: "invalid request body",
		},
		{
			name:   "unknown field",
			body:   `{"organization_id":"o","cron":"* * * * *"}`,
			status: http.StatusBadRequest,
			errHas: "unknown field",
		},
		{
			name: "relative target",
			body: func() any {
				s := dailySpec()
				s["target_url"] = "/hook"
				return s
			}(),
			status: http.StatusBadRequest,
			errHas: "absolute http(s) url",
		},
		{
			name: "contradictory schedule",
			body: func() any {
				s := dailySpec()
				s["schedule"].(map[string]any)["recurring"].(map[string]any)["end_date"] = "2024-01-01"
				return s
			}(),
			status: http.StatusBadRequest,
			errHas: "contradictory",
		},
		{
			name: "one-time in the past",
			body: func() any {
				s := dailySpec()
				s["schedule"] = map[string]any{
					"type": "once",
					"once": map[string]any{"date": "2024-05-01", "time": "09:00"},
				}
				return s
			}(),
			status: http.StatusUnprocessableEntity,
			errHas: "no future occurrence",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			resp, body := f.do(t, http.MethodPost, "/v1/jobs", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Contains(t, body["error"], tt.errHas)
		})
	}
}

func TestScheduleJob_DuplicateIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	spec := dailySpec()
	spec["idempotency_key"] = "nightly-1"
	id := f.create(t, spec)

	spec["name"] = "renamed"
	resp, body := f.do(t, http.MethodPost, "/v1/jobs", spec)

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, id, body["existing_job_id"])
	assert.Equal(t, "idempotency_key", body["reason"])
}

func TestGetJob(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, dailySpec())

	resp, body := f.do(t, http.MethodGet, "/v1/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["id"])
	assert.Equal(t, "America/New_York", body["timezone"])

	resp, body = f.do(t, http.MethodGet, "/v1/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "job not found", body["error"])
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, dailySpec())

	resp, body := f.do(t, http.MethodPost, "/v1/jobs/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "paused", body["status"])

	// Missed occurrences are skipped on resume.
	f.clock.Advance(3 * 24 * time.Hour)
	resp, body = f.do(t, http.MethodPost, "/v1/jobs/"+id+"/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, "2024-06-04T13:00:00Z", body["next_run_at"])
}

func TestPause_TerminalJobConflicts(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, dailySpec())
	require.NoError(t, f.db.Model(&core.Job{}).Where("id = ?", id).
		Update("status", core.StatusCompleted).Error)

	resp, body := f.do(t, http.MethodPost, "/v1/jobs/"+id+"/pause", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "invalid status transition")

	resp, _ = f.do(t, http.MethodPost, "/v1/jobs/missing/pause", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteJob(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, dailySpec())

	resp, _ := f.do(t, http.MethodDelete, "/v1/jobs/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/jobs/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/v1/jobs/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobHistory(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, dailySpec())
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		at := baseTime.Add(time.Duration(i) * time.Hour)
		require.NoError(t, f.store.RecordExecution(ctx, &core.Execution{
			JobID:        id,
			ScheduledFor: at,
			ExecutedAt:   at,
			Status:       core.ExecutionFailed,
			Attempt:      i,
			Response:     core.ResponseMeta{StatusCode: 500, Body: []byte("oops")},
			Error:        core.ExecutionError{Message: "target returned 500", Retryable: true},
		}))
	}

	resp, body := f.do(t, http.MethodGet, "/v1/jobs/"+id+"/executions?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	execs := body["executions"].([]any)
	require.Len(t, execs, 2)
	first := execs[0].(map[string]any)
	assert.Equal(t, float64(3), first["attempt"], "newest first")
	assert.Equal(t, "failed", first["status"])
	assert.Equal(t, "target returned 500", first["error"])
	assert.Equal(t, float64(500), first["response"].(map[string]any)["status_code"])

	resp, body = f.do(t, http.MethodGet, "/v1/jobs/"+id+"/executions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["executions"].([]any), 3)

	resp, _ = f.do(t, http.MethodGet, "/v1/jobs/"+id+"/executions?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/jobs/missing/executions", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	t.Run("without checker", func(t *testing.T) {
		f := newFixture(t)
		resp, body := f.do(t, http.MethodGet, "/healthz", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "healthy", body["status"])
	})

	t.Run("degraded is still served", func(t *testing.T) {
		f := newFixture(t, WithHealth(stubHealth{health.Report{
			Status:        health.StatusDegraded,
			QueueDepth:    4,
			ActiveWorkers: 0,
		}}))
		resp, body := f.do(t, http.MethodGet, "/healthz", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "degraded", body["status"])
		assert.Equal(t, float64(4), body["queue_depth"])
	})

	t.Run("unhealthy", func(t *testing.T) {
		f := newFixture(t, WithHealth(stubHealth{health.Report{Status: health.StatusUnhealthy}}))
		resp, _ := f.do(t, http.MethodGet, "/healthz", nil)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}

func TestMiddlewareAndBodyLimit(t *testing.T) {
	var seen []string
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = append(seen, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
	f := newFixture(t, WithMiddleware(mw), WithMaxBodySize(64))

	spec := dailySpec()
	spec["payload"] = map[string]any{"blob": strings.Repeat("x", 128)}
	resp, body := f.do(t, http.MethodPost, "/v1/jobs", spec)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "too large")
	assert.Equal(t, []string{"/v1/jobs"}, seen)
}

func TestStats(t *testing.T) {
	t.Run("not served without a reader", func(t *testing.T) {
		f := newFixture(t)
		resp, err := f.srv.Client().Get(f.srv.URL + "/v1/stats")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("range", func(t *testing.T) {
		st := &stubStats{buckets: []stats.Bucket{{BucketStart: baseTime, Succeeded: 3, Exhausted: 1}}}
		f := newFixture(t, WithStats(st))

		resp, body := f.do(t, http.MethodGet, "/v1/stats?since=2024-06-01T08:00:00Z&until=2024-06-01T10:00:00Z", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC), st.since)
		assert.Equal(t, time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC), st.until)

		buckets := body["buckets"].([]any)
		require.Len(t, buckets, 1)
		b := buckets[0].(map[string]any)
		assert.Equal(t, "2024-06-01T09:00:00Z", b["bucket_start"])
		assert.Equal(t, float64(3), b["succeeded"])
		assert.Equal(t, float64(1), b["exhausted"])
	})

	t.Run("defaults to the last hour", func(t *testing.T) {
		st := &stubStats{}
		f := newFixture(t, WithStats(st))

		resp, body := f.do(t, http.MethodGet, "/v1/stats", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, time.Hour, st.until.Sub(st.since))
		assert.Empty(t, body["buckets"])
	})

	t.Run("bad bounds", func(t *testing.T) {
		f := newFixture(t, WithStats(&stubStats{}))

		resp, body := f.do(t, http.MethodGet, "/v1/stats?since=yesterday", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, body["error"], "since")

		resp, _ = f.do(t, http.MethodGet, "/v1/stats?since=2024-06-02T00:00:00Z&until=2024-06-01T00:00:00Z", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
