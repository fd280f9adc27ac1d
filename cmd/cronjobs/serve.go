package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jdziat/simple-durable-cron/internal/logging"
	"github.com/jdziat/simple-durable-cron/pkg/api"
	"github.com/jdziat/simple-durable-cron/pkg/core"
	"github.com/jdziat/simple-durable-cron/pkg/health"
	"github.com/jdziat/simple-durable-cron/pkg/queue"
	"github.com/jdziat/simple-durable-cron/pkg/stats"
	"github.com/jdziat/simple-durable-cron/pkg/worker"
)

type role uint8

const (
	roleAPI role = 1 << iota
	roleDispatcher
	roleWorker
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app, use, short string, r role) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a, r, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "migrate the schema before starting")
	return cmd
}

func serve(ctx context.Context, a *app, r role, migrate bool) error {
	cfg, log := a.cfg, a.logger

	d, err := openDeps(cfg, log, r)
	if err != nil {
		return err
	}
	defer d.Close()
	if migrate {
		if err := d.Migrate(ctx); err != nil {
			return err
		}
	}

	q := queue.New(d.store, d.tasks,
		queue.PollInterval(cfg.Dispatcher.PollInterval),
		queue.MaintenanceInterval(cfg.Dispatcher.MaintenanceInterval),
		queue.BatchSize(cfg.Dispatcher.BatchSize),
		queue.Lease(cfg.Dispatcher.Lease),
		queue.DedupeWindow(cfg.Dispatcher.DedupeWindow),
		queue.WithLogger(logging.Component(log, "dispatcher")),
	)

	healthOpts := []health.Option{
		health.Interval(cfg.Health.Interval),
		health.StaleAfter(cfg.Health.StaleAfter),
		health.WorkerWindow(cfg.Health.WorkerWindow),
		health.WithRateLimiter(d.limiter),
		health.WithLogger(log),
	}
	if r&roleDispatcher != 0 {
		healthOpts = append(healthOpts, health.WithPoller(q))
	}
	monitor := health.NewMonitor(d.store, d.tasks, healthOpts...)

	g, gctx := errgroup.WithContext(ctx)
	run := func(name string, s core.Starter) {
		g.Go(func() error {
			err := s.Start(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return errors.Wrapf(err, "%s stopped", name)
		})
	}

	if r&roleDispatcher != 0 {
		run("dispatcher", q)
	}
	if r&roleWorker != 0 {
		opts := []worker.WorkerOption{
			worker.Concurrency(cfg.Worker.Concurrency),
			worker.PollInterval(cfg.Worker.PollInterval),
			worker.Timeout(cfg.Worker.Timeout),
			worker.HeartbeatInterval(cfg.Worker.HeartbeatInterval),
			worker.Retention(cfg.Worker.Retention),
			worker.WithRateLimiter(d.limiter),
			worker.WithEmitter(q.Emitter()),
			worker.WithLogger(logging.Component(log, "worker")),
		}
		if cfg.Worker.ID != "" {
			opts = append(opts, worker.WorkerID(cfg.Worker.ID))
		}
		run("worker", worker.NewWorker(d.store, d.tasks, opts...))
		// Worker events are process-local, so each worker process counts its own.
		run("stats collector", stats.NewCollector(q.Emitter(), d.stats,
			stats.FlushInterval(cfg.Stats.FlushInterval),
			stats.Retention(cfg.Stats.Retention),
			stats.WithDepth(d.tasks),
			stats.WithLogger(log),
		))
	}
	run("health monitor", monitor)

	// Every role serves /healthz; only the api role serves job routes.
	var handler http.Handler
	if r&roleAPI != 0 {
		handler = api.Handler(q,
			api.WithHealth(monitor),
			api.WithStats(d.stats),
			api.WithLogger(logging.Component(log, "api")),
		)
	} else {
		handler = api.Handler(nil, api.WithHealth(monitor))
		handler = healthOnly(handler)
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("shutdown complete")
	return err
}

// healthOnly exposes /healthz and nothing else.
func healthOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
