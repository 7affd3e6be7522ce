package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/lakeshore336d/internal/infrastructure/database"
)

// DefaultTable is the series table used when the database config names none.
const DefaultTable = "cryosystem"

// DefaultAggregateInterval is the bucket width of the aggregate view.
const DefaultAggregateInterval = time.Minute

// Writer persists samples into one time-partitioned table.
//
// Prepare must run once before Write. It creates the table when missing,
// adds every schema column that does not exist yet and replaces the
// aggregate view. Columns never get dropped, so a table keeps the history
// of earlier configurations.
type Writer struct {
	db     *database.DB
	table  string
	view   string
	bucket time.Duration
	schema Schema
	insert string
}

// NewWriter creates a writer for table on db. An empty table selects
// DefaultTable and a non-positive bucket selects DefaultAggregateInterval.
func NewWriter(db *database.DB, table string, bucket time.Duration, schema Schema) *Writer {
	if table == "" {
		table = DefaultTable
	}
	if bucket <= 0 {
		bucket = DefaultAggregateInterval
	}
	return &Writer{
		db:     db,
		table:  table,
		view:   AggregateView(table, bucket),
		bucket: bucket,
		schema: schema,
		insert: insertStatement(db.Dialect(), table, schema.Names()),
	}
}

// AggregateView names the aggregate view of table, e.g. "cryosystem_1m".
func AggregateView(table string, bucket time.Duration) string {
	if bucket%time.Minute == 0 {
		return fmt.Sprintf("%s_%dm", table, int(bucket/time.Minute))
	}
	return fmt.Sprintf("%s_%ds", table, int(bucket/time.Second))
}

func insertStatement(d database.Dialect, table string, columns []string) string {
	names := make([]string, 0, len(columns)+1)
	marks := make([]string, 0, len(columns)+1)
	names = append(names, database.QuoteIdent("time"))
	marks = append(marks, d.Placeholder(1))
	for i, c := range columns {
		names = append(names, database.QuoteIdent(c))
		marks = append(marks, d.Placeholder(i+2))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		database.QuoteIdent(table), strings.Join(names, ", "), strings.Join(marks, ", "))
}

// Table returns the series table name.
func (w *Writer) Table() string { return w.table }

// View returns the aggregate view name.
func (w *Writer) View() string { return w.view }

// Schema returns the frozen column layout.
func (w *Writer) Schema() Schema { return w.schema }

// Prepare provisions the table, its columns and the aggregate view.
func (w *Writer) Prepare(ctx context.Context) error {
	d := w.db.Dialect()

	exists, err := w.exists(ctx, d.TableExistsQuery(), w.table)
	if err != nil {
		return fmt.Errorf("%w: checking table %s: %w", ErrDatabase, w.table, err)
	}
	if !exists {
		for _, stmt := range d.CreateTable(w.table) {
			if _, err := w.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("%w: creating table %s: %w", ErrDatabase, w.table, err)
			}
		}
	}

	for _, col := range w.schema.Names() {
		exists, err := w.exists(ctx, d.ColumnExistsQuery(), w.table, col)
		if err != nil {
			return fmt.Errorf("%w: checking column %s: %w", ErrDatabase, col, err)
		}
		if exists {
			continue
		}
		if _, err := w.db.ExecContext(ctx, d.AddColumn(w.table, col)); err != nil {
			return fmt.Errorf("%w: adding column %s: %w", ErrDatabase, col, err)
		}
	}

	if w.schema.Len() == 0 {
		return nil
	}
	for _, stmt := range d.ReplaceAggregate(w.table, w.view, w.schema.Names(), w.bucket) {
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: replacing view %s: %w", ErrDatabase, w.view, err)
		}
	}
	return nil
}

func (w *Writer) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var ok bool
	if err := w.db.QueryRowContext(ctx, query, args...).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// Write inserts one row. NaN values are passed through unchanged.
func (w *Writer) Write(ctx context.Context, row Row) error {
	if len(row.Values) != w.schema.Len() {
		return fmt.Errorf("%w: row has %d values, schema has %d columns",
			ErrDatabase, len(row.Values), w.schema.Len())
	}
	args := make([]any, 0, len(row.Values)+1)
	args = append(args, row.Time.UTC())
	for _, v := range row.Values {
		args = append(args, v)
	}
	if _, err := w.db.ExecContext(ctx, w.insert, args...); err != nil {
		return fmt.Errorf("%w: inserting into %s: %w", ErrDatabase, w.table, err)
	}
	return nil
}
