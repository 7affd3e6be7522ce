package database

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect renders the handful of statements the telemetry writer needs.
//
// Identifiers passed in are unquoted; every implementation quotes them.
// Statements returned as slices must be executed in order, one at a time
// (TimescaleDB refuses to create continuous aggregates inside a transaction).
type Dialect interface {
	// Name identifies the backend ("timescaledb" or "sqlite3").
	Name() string

	// Placeholder returns the bind marker for the n-th argument (1-based).
	Placeholder(n int) string

	// TableExistsQuery takes one argument (table) and scans to a bool.
	TableExistsQuery() string

	// ColumnExistsQuery takes two arguments (table, column) and scans to a bool.
	ColumnExistsQuery() string

	// CreateTable creates a time-keyed series table if it is missing.
	CreateTable(table string) []string

	// AddColumn adds a non-negative floating point column. NaN must remain insertable.
	AddColumn(table, column string) string

	// ReplaceAggregate drops and recreates the bucketed average view over table.
	ReplaceAggregate(table, view string, columns []string, bucket time.Duration) []string
}

// QuoteIdent quotes an SQL identifier using double quotes.
// Both PostgreSQL and SQLite accept this form.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func averages(columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		q := QuoteIdent(c)
		parts[i] = fmt.Sprintf("avg(%s) AS %s", q, q)
	}
	return strings.Join(parts, ", ")
}

// Timescale is the TimescaleDB (PostgreSQL) dialect.
type Timescale struct{}

// Name implements Dialect.
func (Timescale) Name() string { return DriverTimescale }

// Placeholder implements Dialect.
func (Timescale) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

// TableExistsQuery implements Dialect.
func (Timescale) TableExistsQuery() string {
	return `SELECT EXISTS (SELECT 1 FROM information_schema.tables ` +
		`WHERE table_schema = current_schema() AND table_name = $1)`
}

// ColumnExistsQuery implements Dialect.
func (Timescale) ColumnExistsQuery() string {
	return `SELECT EXISTS (SELECT 1 FROM information_schema.columns ` +
		`WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2)`
}

// CreateTable implements Dialect. The table becomes a hypertable partitioned on "time".
func (Timescale) CreateTable(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s ("time" TIMESTAMPTZ NOT NULL)`, QuoteIdent(table)),
		fmt.Sprintf(`SELECT create_hypertable(%s, 'time', if_not_exists => TRUE)`, quoteLiteral(table)),
	}
}

// AddColumn implements Dialect. PostgreSQL orders NaN above every number,
// so the check accepts NaN.
func (Timescale) AddColumn(table, column string) string {
	q := QuoteIdent(column)
	return fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s DOUBLE PRECISION CHECK (%s >= 0)`,
		QuoteIdent(table), q, q)
}

// ReplaceAggregate implements Dialect with a continuous aggregate.
// Timescale has no CREATE OR REPLACE for continuous aggregates.
func (Timescale) ReplaceAggregate(table, view string, columns []string, bucket time.Duration) []string {
	return []string{
		fmt.Sprintf(`DROP MATERIALIZED VIEW IF EXISTS %s`, QuoteIdent(view)),
		fmt.Sprintf(`CREATE MATERIALIZED VIEW %s WITH (timescaledb.continuous) AS `+
			`SELECT time_bucket(INTERVAL '%d seconds', "time") AS bucket, %s `+
			`FROM %s GROUP BY bucket WITH NO DATA`,
			QuoteIdent(view), int(bucket.Seconds()), averages(columns), QuoteIdent(table)),
	}
}

// SQLite is the SQLite dialect used for bench setups without a TimescaleDB server.
// SQLite stores NaN as NULL.
type SQLite struct{}

// Name implements Dialect.
func (SQLite) Name() string { return DriverSQLite }

// Placeholder implements Dialect.
func (SQLite) Placeholder(int) string { return "?" }

// TableExistsQuery implements Dialect.
func (SQLite) TableExistsQuery() string {
	return `SELECT COUNT(*) > 0 FROM sqlite_master WHERE type = 'table' AND name = ?`
}

// ColumnExistsQuery implements Dialect.
func (SQLite) ColumnExistsQuery() string {
	return `SELECT COUNT(*) > 0 FROM pragma_table_info(?) WHERE name = ?`
}

// CreateTable implements Dialect.
func (SQLite) CreateTable(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s ("time" TIMESTAMP NOT NULL)`, QuoteIdent(table)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s ("time")`,
			QuoteIdent(table+"_time_idx"), QuoteIdent(table)),
	}
}

// AddColumn implements Dialect.
func (SQLite) AddColumn(table, column string) string {
	q := QuoteIdent(column)
	return fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s REAL CHECK (%s >= 0)`, QuoteIdent(table), q, q)
}

// ReplaceAggregate implements Dialect with a plain view.
func (SQLite) ReplaceAggregate(table, view string, columns []string, bucket time.Duration) []string {
	secs := int(bucket.Seconds())
	return []string{
		fmt.Sprintf(`DROP VIEW IF EXISTS %s`, QuoteIdent(view)),
		fmt.Sprintf(`CREATE VIEW %s AS SELECT (CAST(strftime('%%s', "time") AS INTEGER) / %d) * %d AS bucket, %s `+
			`FROM %s GROUP BY bucket`,
			QuoteIdent(view), secs, secs, averages(columns), QuoteIdent(table)),
	}
}
