package main

import (
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jdziat/simple-durable-cron/internal/config"
	"github.com/jdziat/simple-durable-cron/internal/logging"
)

// app carries what every subcommand needs after PersistentPreRunE.
type app struct {
	cfg    config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var (
		logLevel string
		httpAddr string
	)

	root := &cobra.Command{
		Use:   "cronjobs",
		Short: "Durable HTTP job scheduler",
		Long: `cronjobs schedules one-time and recurring HTTP calls.

Available commands:
  migrate     - Create or update the database schema
  all         - Run the API, dispatcher and worker in one process
  api         - Serve the control API
  dispatcher  - Claim due jobs and place them on the task queue
  worker      - Execute queued occurrences against their targets

Configuration comes from CRONJOBS_* environment variables, for example
CRONJOBS_DATABASE_URL, CRONJOBS_REDIS_URL and CRONJOBS_HTTP_ADDR.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if cmd.Flags().Changed("http-addr") {
				cfg.HTTPAddr = httpAddr
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return errors.Wrap(err, "initialize logger")
			}
			a.cfg = cfg
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&httpAddr, "http-addr", ":8080", "listen address for the API and health endpoints")

	root.AddCommand(
		newMigrateCmd(a),
		newServeCmd(a, "all", "Run the API, dispatcher and worker in one process", roleAPI|roleDispatcher|roleWorker),
		newServeCmd(a, "api", "Serve the control API", roleAPI),
		newServeCmd(a, "dispatcher", "Claim due jobs and place them on the task queue", roleDispatcher),
		newServeCmd(a, "worker", "Execute queued occurrences against their targets", roleWorker),
	)
	return root
}
