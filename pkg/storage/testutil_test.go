package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/simple-durable-cron/pkg/core"
)

// openTestDB opens a database for tests.
// When TEST_DATABASE_URL is set it connects to PostgreSQL; otherwise it
// opens a fresh in-memory SQLite instance pinned to a single connection so
// concurrent goroutines share the same database.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	cfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn != "" {
		db, err := gorm.Open(postgres.Open(dsn), cfg)
		require.NoError(t, err, "open postgres test db")

		sqlDB, err := db.DB()
		require.NoError(t, err, "get underlying sql.DB")
		sqlDB.SetMaxOpenConns(4)
		sqlDB.SetMaxIdleConns(1)

		// Clean before AND after to ensure test isolation.
		cleanupPostgresDB(t, db)
		t.Cleanup(func() {
			cleanupPostgresDB(t, db)
			_ = sqlDB.Close()
		})
		return db
	}

	db, err := gorm.Open(sqlite.Open(":memory:"), cfg)
	require.NoError(t, err, "open in-memory sqlite")
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// cleanupPostgresDB deletes all rows so tests are isolated without requiring
// a fresh database per test.
func cleanupPostgresDB(t *testing.T, db *gorm.DB) {
	t.Helper()
	for _, tbl := range []string{"executions", "worker_heartbeats", "jobs"} {
		db.Exec("DELETE FROM " + tbl)
	}
}

// newTestStorage creates a migrated storage on a fresh database.
func newTestStorage(t *testing.T) *GormStorage {
	t.Helper()
	s := NewGormStorage(openTestDB(t))
	require.NoError(t, s.Migrate(context.Background()), "migrate schema")
	return s
}

var testNow = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

// newTestJob builds a due recurring job for insertion in tests.
func newTestJob(org string) *core.Job {
	next := testNow.Add(-time.Minute)
	return &core.Job{
		OrganizationID: org,
		ProjectID:      "proj-1",
		Name:           "nightly report",
		TargetURL:      "https://api.example.com/report",
		Method:         "POST",
		Payload:        []byte(`{"report":"daily"}`),
		Schedule: core.ScheduleSpec{
			Type: core.ScheduleRecurring,
			Recurring: &core.RecurringSpec{
				Frequency: core.FrequencyDaily,
				Time:      "09:00",
				StartDate: "2024-01-01",
			},
		},
		Timezone:  "UTC",
		Status:    core.StatusActive,
		NextRunAt: &next,
		CreatedAt: testNow.Add(-time.Hour),
	}
}

func ptr[T any](v T) *T {
	return &v
}
