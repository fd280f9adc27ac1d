package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

func TestDetectDriver(t *testing.T) {
	tests := map[string]string{
		"postgres://user:pw@localhost:5432/cron":      DriverPostgres,
		"postgresql://localhost/cron?sslmode=disable": DriverPostgres,
		"host=localhost user=cron dbname=cron":        DriverPostgres,
		"cron.db":                                     DriverSQLite,
		"file:cron.db?cache=shared":                   DriverSQLite,
		":memory:":                                    DriverSQLite,
		"":                                            DriverSQLite,
	}
	for dsn, want := range tests {
		assert.Equal(t, want, DetectDriver(dsn), dsn)
	}
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, ":memory:", sqliteDSN(""))
	assert.Equal(t, ":memory:", sqliteDSN(":memory:"))
	assert.Equal(t, "cron.db?_journal_mode=WAL&_busy_timeout=5000", sqliteDSN("cron.db"))
	assert.Equal(t, "cron.db?_busy_timeout=100&_journal_mode=WAL", sqliteDSN("cron.db?_busy_timeout=100"))
}

func TestOpen_SQLiteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cron.db")

	db, err := Open(path, logger.Silent)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	s := NewGormStorage(db)
	assert.True(t, s.IsSQLite())
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}
