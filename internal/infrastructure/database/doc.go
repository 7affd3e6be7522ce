// Package database provides the time-series database connection for the daemon.
//
// This package manages:
//   - TimescaleDB connections through the pgx stdlib driver
//   - SQLite connections (bench setups, tests) through go-sqlite3
//   - Connection pooling, health checks and lifecycle management
//   - The SQL dialect differences the telemetry writer relies on
//
// The schema is not migrated from files: the column set depends on which
// inputs and heaters are configured, so the telemetry package provisions it
// at monitor start through the Dialect interface.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
package database
