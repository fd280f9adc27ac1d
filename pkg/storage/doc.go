// Package storage provides the GORM implementation of core.Storage.
//
// This package includes:
//   - GormStorage: jobs, executions and worker heartbeats on SQLite or PostgreSQL
//   - Open: driver selection by DSN
//   - ConfigurePool: connection pool tuning
//   - Fingerprint: the duplicate-detection hash of a job definition
//
// Claims, lease extensions and post-run updates are single conditional
// UPDATE statements, so any number of processes can share one database.
package storage
