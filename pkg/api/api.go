// Package api serves the job control operations over HTTP.
//
// Routes:
//
//	POST   /v1/jobs                 schedule a job
//	GET    /v1/jobs/{id}            fetch a job
//	POST   /v1/jobs/{id}/pause      pause a job
//	POST   /v1/jobs/{id}/resume     resume a paused job
//	DELETE /v1/jobs/{id}            delete a job
//	GET    /v1/jobs/{id}/executions execution history, newest first (?limit=N)
//	GET    /v1/stats                execution stats per minute (?since=&until=, RFC 3339)
//	GET    /healthz                 health report
//
// Usage:
//
//	mux.Handle("/", api.Handler(q, api.WithHealth(monitor)))
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/jdziat/simple-durable-cron/pkg/core"
	"github.com/jdziat/simple-durable-cron/pkg/health"
	"github.com/jdziat/simple-durable-cron/pkg/security"
	"github.com/jdziat/simple-durable-cron/pkg/stats"
)

// Scheduler is the set of job operations the API exposes. *queue.Queue
// implements it.
type Scheduler interface {
	ScheduleJob(ctx context.Context, spec core.JobSpec) (*core.Job, error)
	GetJob(ctx context.Context, jobID string) (*core.Job, error)
	PauseJob(ctx context.Context, jobID string) error
	ResumeJob(ctx context.Context, jobID string) error
	DeleteJob(ctx context.Context, jobID string) error
	GetJobHistory(ctx context.Context, jobID string, limit int) ([]core.Execution, error)
}

// HealthChecker produces a health report. *health.Monitor implements it.
type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

// StatsReader returns execution stats buckets. *stats.GormStore implements it.
type StatsReader interface {
	History(ctx context.Context, since, until time.Time) ([]stats.Bucket, error)
}

type server struct {
	jobs    Scheduler
	health  HealthChecker
	stats   StatsReader
	logger  *zap.Logger
	maxBody int64
}

// Handler creates an http.Handler for the job API.
func Handler(jobs Scheduler, opts ...Option) http.Handler {
	cfg := &config{
		logger:  zap.NewNop(),
		maxBody: 2 * security.MaxPayloadSize,
	}
	for _, opt := range opts {
		opt.apply(cfg)
	}
	s := &server{
		jobs:    jobs,
		health:  cfg.health,
		stats:   cfg.stats,
		logger:  cfg.logger.Named("api"),
		maxBody: cfg.maxBody,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cfg.middleware...)

	r.Get("/healthz", s.healthz)
	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", s.scheduleJob)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Delete("/", s.deleteJob)
			r.Post("/pause", s.pauseJob)
			r.Post("/resume", s.resumeJob)
			r.Get("/executions", s.jobHistory)
		})
	})
	if s.stats != nil {
		r.Get("/v1/stats", s.statsHistory)
	}
	return r
}

func (s *server) scheduleJob(w http.ResponseWriter, r *http.Request) {
	var spec core.JobSpec
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	job, err := s.jobs.ScheduleJob(r.Context(), spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newJobView(job))
}

func (s *server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *server) pauseJob(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.jobs.PauseJob)
}

func (s *server) resumeJob(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.jobs.ResumeJob)
}

// control applies op and answers with the job's resulting state.
func (s *server) control(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	id := chi.URLParam(r, "id")
	if err := op(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.getJob(w, r)
}

func (s *server) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.DeleteJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) jobHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	execs, err := s.jobs.GetJobHistory(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]executionView, len(execs))
	for i := range execs {
		views[i] = newExecutionView(&execs[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": views})
}

// statsHistory defaults to the last hour.
func (s *server) statsHistory(w http.ResponseWriter, r *http.Request) {
	until := time.Now().UTC()
	since := until.Add(-time.Hour)
	for name, dst := range map[string]*time.Time{"since": &since, "until": &until} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, name+" must be an RFC 3339 timestamp")
			return
		}
		*dst = t
	}
	if until.Before(since) {
		writeError(w, http.StatusBadRequest, "until must not be before since")
		return
	}

	buckets, err := s.stats.History(r.Context(), since, until)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if buckets == nil {
		buckets = []stats.Bucket{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"buckets": buckets})
}

func (s *server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": string(health.StatusHealthy)})
		return
	}
	report := s.health.Check(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// fail maps a domain error onto an HTTP response.
func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var dup *core.DuplicateJobError
	switch {
	case errors.As(err, &dup):
		body := map[string]any{"error": err.Error(), "reason": dup.Reason}
		if dup.Existing != nil {
			body["existing_job_id"] = dup.Existing.ID
		}
		writeJSON(w, http.StatusConflict, body)
	case errors.IsAny(err, core.ErrInvalidJob, core.ErrContradictorySchedule):
		writeError(w, http.StatusBadRequest, describe(err))
	case errors.Is(err, core.ErrNoFutureOccurrence):
		writeError(w, http.StatusUnprocessableEntity, describe(err))
	case errors.Is(err, core.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, core.ErrInvalidTransition):
		writeError(w, http.StatusConflict, describe(err))
	case errors.Is(err, context.Canceled):
		// Client went away.
	default:
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// describe returns the error message followed by any user-facing details.
func describe(err error) string {
	msg := err.Error()
	for _, d := range errors.GetAllDetails(err) {
		msg += ": " + d
	}
	return msg
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
