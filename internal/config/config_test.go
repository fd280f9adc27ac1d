package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "cronjobs.db", cfg.DatabaseURL)
	assert.Empty(t, cfg.RedisURL)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, time.Second, cfg.Dispatcher.PollInterval)
	assert.Equal(t, 100, cfg.Dispatcher.BatchSize)
	assert.Equal(t, time.Minute, cfg.Dispatcher.DedupeWindow)
	assert.Equal(t, 10, cfg.Worker.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Worker.Timeout)
	assert.Equal(t, 720*time.Hour, cfg.Worker.Retention)
	assert.Equal(t, 30*time.Second, cfg.Health.StaleAfter)
	assert.Equal(t, 5*time.Minute, cfg.VisibilityTimeout)
	assert.Equal(t, time.Minute, cfg.Stats.FlushInterval)
	assert.Equal(t, 168*time.Hour, cfg.Stats.Retention)
	assert.Zero(t, cfg.DB.MaxOpenConns)
}

func TestLoadFrom_Overrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"CRONJOBS_DATABASE_URL":             "postgres://u:p@db:5432/cron",
		"CRONJOBS_REDIS_URL":                "redis://cache:6379/0",
		"CRONJOBS_LOG_FORMAT":               "console",
		"CRONJOBS_DB_MAX_OPEN_CONNS":        "40",
		"CRONJOBS_DISPATCHER_POLL_INTERVAL": "250ms",
		"CRONJOBS_DISPATCHER_DEDUPE_WINDOW": "0s",
		"CRONJOBS_WORKER_CONCURRENCY":       "32",
		"CRONJOBS_WORKER_ID":                "worker-a",
		"CRONJOBS_HEALTH_STALE_AFTER":       "2m",
		"CRONJOBS_STATS_RETENTION":          "0s",
		"DATABASE_URL":                      "ignored without prefix",
	})
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@db:5432/cron", cfg.DatabaseURL)
	assert.Equal(t, "redis://cache:6379/0", cfg.RedisURL)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 40, cfg.DB.MaxOpenConns)
	assert.Equal(t, 250*time.Millisecond, cfg.Dispatcher.PollInterval)
	assert.Zero(t, cfg.Dispatcher.DedupeWindow)
	assert.Equal(t, 32, cfg.Worker.Concurrency)
	assert.Equal(t, "worker-a", cfg.Worker.ID)
	assert.Equal(t, 2*time.Minute, cfg.Health.StaleAfter)
	assert.Zero(t, cfg.Stats.Retention)
}

func TestLoadFrom_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		env    map[string]string
		errHas string
	}{
		{"unparsable duration", map[string]string{"CRONJOBS_WORKER_TIMEOUT": "soon"}, "parse environment"},
		{"bad log format", map[string]string{"CRONJOBS_LOG_FORMAT": "xml"}, "LOG_FORMAT"},
		{"zero poll interval", map[string]string{"CRONJOBS_DISPATCHER_POLL_INTERVAL": "0s"}, "DISPATCHER_POLL_INTERVAL"},
		{"zero concurrency", map[string]string{"CRONJOBS_WORKER_CONCURRENCY": "0"}, "WORKER_CONCURRENCY"},
		{"timeout above visibility", map[string]string{"CRONJOBS_WORKER_TIMEOUT": "10m"}, "below VISIBILITY_TIMEOUT"},
		{"negative dedupe", map[string]string{"CRONJOBS_DISPATCHER_DEDUPE_WINDOW": "-1s"}, "DEDUPE_WINDOW"},
		{"negative stats retention", map[string]string{"CRONJOBS_STATS_RETENTION": "-1h"}, "STATS_RETENTION"},
		{"zero stats flush", map[string]string{"CRONJOBS_STATS_FLUSH_INTERVAL": "0s"}, "STATS_FLUSH_INTERVAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(tt.env)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errHas)
		})
	}
}
