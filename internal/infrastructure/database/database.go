package database

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL/TimescaleDB driver ("pgx")
	_ "github.com/mattn/go-sqlite3"    // SQLite driver

	"github.com/nerrad567/lakeshore336d/internal/infrastructure/config"
)

// Database configuration constants.
const (
	// dirPermissions is the permission mode for the SQLite database directory.
	dirPermissions = 0750

	// filePermissions is the permission mode for the SQLite database file.
	filePermissions = 0600

	// sqliteBusyTimeoutMS is how long SQLite waits for a lock before failing.
	sqliteBusyTimeoutMS = 5000

	// connectionTimeout is the timeout for verifying database connectivity.
	connectionTimeout = 5 * time.Second

	// connMaxIdleTime is how long idle connections are kept open.
	connMaxIdleTime = 30 * time.Minute
)

// Driver names accepted in DatabaseConfig.Driver.
const (
	DriverTimescale = "timescaledb"
	DriverSQLite    = "sqlite3"
)

// DB wraps a sql.DB connection together with the SQL dialect of its backend.
type DB struct {
	*sql.DB
	dialect Dialect
	target  string
}

// Open creates a new database connection with the specified configuration.
//
// For TimescaleDB it builds a pgx connection URL from the host, credentials
// and database name. For SQLite it creates the directory, opens the file in
// WAL mode and limits the pool to a single writer. Either way the connection
// is verified with a ping before returning.
//
// Parameters:
//   - cfg: Database configuration (daemon section or standalone file)
//
// Returns:
//   - *DB: Connected database wrapper
//   - error: If connection or configuration fails
func Open(cfg config.DatabaseConfig) (*DB, error) {
	var (
		sqlDB   *sql.DB
		dialect Dialect
		target  string
		err     error
	)

	switch cfg.Driver {
	case DriverTimescale:
		dsn := postgresDSN(cfg)
		target = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)) + "/" + cfg.Name
		dialect = Timescale{}

		sqlDB, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		maxOpen := cfg.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 1
		}
		sqlDB.SetMaxOpenConns(maxOpen)
		sqlDB.SetMaxIdleConns(1)

	case DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		// See: https://github.com/mattn/go-sqlite3#connection-string
		connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
			cfg.Path, sqliteBusyTimeoutMS)
		target = cfg.Path
		dialect = SQLite{}

		sqlDB, err = sql.Open("sqlite3", connStr)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		sqlDB.SetMaxOpenConns(1) // SQLite only supports one writer
		sqlDB.SetMaxIdleConns(1)

	default:
		return nil, fmt.Errorf("opening database: unsupported driver %q", cfg.Driver)
	}

	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	db := New(sqlDB, dialect)
	db.target = target

	timeout := connectionTimeout
	if cfg.ConnectTimeout > 0 {
		timeout = time.Duration(cfg.ConnectTimeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		sqlDB.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	if cfg.Driver == DriverSQLite {
		_ = os.Chmod(cfg.Path, filePermissions) //nolint:errcheck // file appears on first write
	}

	return db, nil
}

// New wraps an already opened sql.DB. Used with sqlmock in tests.
func New(sqlDB *sql.DB, dialect Dialect) *DB {
	return &DB{DB: sqlDB, dialect: dialect, target: dialect.Name()}
}

// postgresDSN renders cfg as a pgx connection URL.
func postgresDSN(cfg config.DatabaseConfig) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Name,
	}
	if cfg.User != "" {
		if cfg.Password != "" {
			u.User = url.UserPassword(cfg.User, cfg.Password)
		} else {
			u.User = url.User(cfg.User)
		}
	}

	q := url.Values{}
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	if cfg.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(cfg.ConnectTimeout))
	}
	q.Set("application_name", "lakeshore336d")
	u.RawQuery = q.Encode()

	return u.String()
}

// Close closes the database connection gracefully.
func (db *DB) Close() error {
	if db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Dialect returns the SQL dialect of the backend.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Target describes where the connection points (file path or host/database).
// It never contains credentials.
func (db *DB) Target() string {
	return db.target
}

// HealthCheck verifies the database is accessible and functioning.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (db *DB) HealthCheck(ctx context.Context) error {
	var result int
	err := db.DB.QueryRowContext(ctx, "SELECT 1").Scan(&result)
	if err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Stats returns database connection pool statistics.
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// ExecContext executes a statement that doesn't return rows.
// This is a convenience wrapper that provides consistent error handling.
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	result, err := db.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	return result, nil
}

// QueryRowContext executes a query that returns at most one row.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.DB.QueryRowContext(ctx, query, args...)
}

