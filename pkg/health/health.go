// Package health reports whether the scheduler is able to make progress.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jdziat/simple-durable-cron/pkg/core"
)

// Status is the overall health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) worse(than Status) bool {
	return rank(s) > rank(than)
}

func rank(s Status) int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// Component is the verdict for one dependency or loop.
type Component struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Report is the result of one health check.
type Report struct {
	Status        Status                   `json:"status"`
	QueueDepth    int64                    `json:"queue_depth"`
	ReadyTasks    int64                    `json:"ready_tasks"`
	ActiveWorkers int64                    `json:"active_workers"`
	LastPollTime  *time.Time               `json:"last_poll_time,omitempty"`
	Jobs          map[core.JobStatus]int64 `json:"jobs,omitempty"`
	Components    []Component              `json:"components"`
	CheckedAt     time.Time                `json:"checked_at"`
}

func (r *Report) add(name string, status Status, err error) {
	c := Component{Name: name, Status: status}
	if err != nil {
		c.Error = err.Error()
	}
	r.Components = append(r.Components, c)
	if status.worse(r.Status) {
		r.Status = status
	}
}

// Poller exposes when the dispatcher last polled for due jobs.
type Poller interface {
	LastPollTime() time.Time
}

// Pinger is a dependency that can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor probes the job store, the task queue and the dispatch loop.
type Monitor struct {
	storage core.Storage
	tasks   core.TaskQueue
	cfg     config
	logger  *zap.Logger

	mu   sync.RWMutex
	last *Report
}

// NewMonitor creates a Monitor.
func NewMonitor(s core.Storage, tq core.TaskQueue, opts ...Option) *Monitor {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	return &Monitor{
		storage: s,
		tasks:   tq,
		cfg:     cfg,
		logger:  cfg.logger.Named("health"),
	}
}

// Check probes every component once.
//
// A failing job store or task queue makes the report unhealthy. A stale
// dispatcher, no live workers or an unreachable rate limiter make it
// degraded.
func (m *Monitor) Check(ctx context.Context) Report {
	now := m.cfg.now()
	report := Report{Status: StatusHealthy, CheckedAt: now}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.timeout)
	defer cancel()

	var (
		storeErr, queueErr, limiterErr  error
		depthErr, workersErr, countsErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if storeErr = m.storage.Ping(gctx); storeErr != nil {
			return nil
		}
		report.ActiveWorkers, workersErr = m.storage.CountActiveWorkers(gctx, now.Add(-m.cfg.workerWindow))
		report.Jobs, countsErr = m.storage.JobCounts(gctx)
		return nil
	})
	g.Go(func() error {
		if queueErr = m.tasks.Ping(gctx); queueErr != nil {
			return nil
		}
		report.QueueDepth, report.ReadyTasks, depthErr = m.tasks.Depth(gctx)
		return nil
	})
	if m.cfg.limiter != nil {
		g.Go(func() error {
			limiterErr = m.cfg.limiter.Ping(gctx)
			return nil
		})
	}
	_ = g.Wait()

	switch {
	case storeErr != nil:
		report.add("store", StatusUnhealthy, errors.Wrap(storeErr, "ping"))
	case errors.CombineErrors(workersErr, countsErr) != nil:
		report.add("store", StatusUnhealthy, errors.CombineErrors(workersErr, countsErr))
	default:
		report.add("store", StatusHealthy, nil)
	}

	switch {
	case queueErr != nil:
		report.add("task_queue", StatusUnhealthy, errors.Wrap(queueErr, "ping"))
	case depthErr != nil:
		report.add("task_queue", StatusUnhealthy, errors.Wrap(depthErr, "depth"))
	default:
		report.add("task_queue", StatusHealthy, nil)
	}

	if m.cfg.limiter != nil {
		if limiterErr != nil {
			// Workers fail open without the limiter.
			report.add("rate_limiter", StatusDegraded, errors.Wrap(limiterErr, "ping"))
		} else {
			report.add("rate_limiter", StatusHealthy, nil)
		}
	}

	if m.cfg.poller != nil {
		last := m.cfg.poller.LastPollTime()
		switch {
		case last.IsZero():
			report.add("dispatcher", StatusDegraded, errors.New("no poll completed yet"))
		case now.Sub(last) > m.cfg.staleAfter:
			report.LastPollTime = &last
			report.add("dispatcher", StatusDegraded,
				errors.Newf("last poll %s ago", now.Sub(last).Truncate(time.Second)))
		default:
			report.LastPollTime = &last
			report.add("dispatcher", StatusHealthy, nil)
		}
	}

	if storeErr == nil && workersErr == nil {
		if report.ActiveWorkers == 0 {
			report.add("workers", StatusDegraded, errors.New("no live workers"))
		} else {
			report.add("workers", StatusHealthy, nil)
		}
	}

	return report
}

// Last returns the report cached by Start, or nil before the first probe.
func (m *Monitor) Last() *Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Start probes every interval until ctx is cancelled, caching the latest
// report and logging status changes.
func (m *Monitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.interval)
	defer ticker.Stop()

	m.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	report := m.Check(ctx)
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	prev := m.last
	m.last = &report
	m.mu.Unlock()

	if prev != nil && prev.Status == report.Status {
		return
	}
	fields := []zap.Field{
		zap.String("status", string(report.Status)),
		zap.Int64("queue_depth", report.QueueDepth),
		zap.Int64("active_workers", report.ActiveWorkers),
	}
	for _, c := range report.Components {
		if c.Error != "" {
			fields = append(fields, zap.String(c.Name, c.Error))
		}
	}
	if report.Status == StatusHealthy {
		m.logger.Info("health status changed", fields...)
	} else {
		m.logger.Warn("health status changed", fields...)
	}
}
