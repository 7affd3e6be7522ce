package telemetry

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nerrad567/lakeshore336d/internal/infrastructure/config"
	"github.com/nerrad567/lakeshore336d/internal/infrastructure/database"
)

// nanArg matches a NaN float argument; NaN never equals itself.
type nanArg struct{}

func (nanArg) Match(v driver.Value) bool {
	f, ok := v.(float64)
	return ok && math.IsNaN(f)
}

func newMockWriter(t *testing.T) (*Writer, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock.New(): %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() }) //nolint:errcheck // Test cleanup

	db := database.New(sqlDB, database.Timescale{})
	return NewWriter(db, "", 0, NewSchema(testConfig())), mock
}

func boolRows(v bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"exists"}).AddRow(v)
}

func TestNewWriterDefaults(t *testing.T) {
	w, _ := newMockWriter(t)

	if w.Table() != "cryosystem" {
		t.Errorf("Table() = %q, want cryosystem", w.Table())
	}
	if w.View() != "cryosystem_1m" {
		t.Errorf("View() = %q, want cryosystem_1m", w.View())
	}
	want := `INSERT INTO "cryosystem" ("time", "sampleA_temp", "sampleA_res", "sampleB_temp", "sampleB_res", ` +
		`"heater1_power", "heater1_setp") VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if w.insert != want {
		t.Errorf("insert =\n%s\nwant\n%s", w.insert, want)
	}
}

func TestAggregateView(t *testing.T) {
	tests := []struct {
		bucket time.Duration
		want   string
	}{
		{time.Minute, "t_1m"},
		{5 * time.Minute, "t_5m"},
		{30 * time.Second, "t_30s"},
	}
	for _, tt := range tests {
		if got := AggregateView("t", tt.bucket); got != tt.want {
			t.Errorf("AggregateView(%v) = %q, want %q", tt.bucket, got, tt.want)
		}
	}
}

func TestWriterPrepareNewTable(t *testing.T) {
	w, mock := newMockWriter(t)
	d := database.Timescale{}

	mock.ExpectQuery(d.TableExistsQuery()).WithArgs("cryosystem").WillReturnRows(boolRows(false))
	for _, stmt := range d.CreateTable("cryosystem") {
		mock.ExpectExec(stmt).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	for _, col := range w.Schema().Names() {
		mock.ExpectQuery(d.ColumnExistsQuery()).WithArgs("cryosystem", col).WillReturnRows(boolRows(false))
		mock.ExpectExec(d.AddColumn("cryosystem", col)).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	for _, stmt := range d.ReplaceAggregate("cryosystem", "cryosystem_1m", w.Schema().Names(), time.Minute) {
		mock.ExpectExec(stmt).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	if err := w.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestWriterPrepareExistingColumns(t *testing.T) {
	w, mock := newMockWriter(t)
	d := database.Timescale{}

	mock.ExpectQuery(d.TableExistsQuery()).WithArgs("cryosystem").WillReturnRows(boolRows(true))
	for i, col := range w.Schema().Names() {
		existing := i < 2
		mock.ExpectQuery(d.ColumnExistsQuery()).WithArgs("cryosystem", col).WillReturnRows(boolRows(existing))
		if !existing {
			mock.ExpectExec(d.AddColumn("cryosystem", col)).WillReturnResult(sqlmock.NewResult(0, 0))
		}
	}
	for _, stmt := range d.ReplaceAggregate("cryosystem", "cryosystem_1m", w.Schema().Names(), time.Minute) {
		mock.ExpectExec(stmt).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	if err := w.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestWriterPrepareFailure(t *testing.T) {
	w, mock := newMockWriter(t)
	d := database.Timescale{}

	mock.ExpectQuery(d.TableExistsQuery()).WithArgs("cryosystem").WillReturnError(sql.ErrConnDone)

	err := w.Prepare(context.Background())
	if !errors.Is(err, ErrDatabase) || !errors.Is(err, sql.ErrConnDone) {
		t.Errorf("Prepare() error = %v, want ErrDatabase wrapping sql.ErrConnDone", err)
	}
}

func TestWriterWrite(t *testing.T) {
	w, mock := newMockWriter(t)
	ts := time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC)
	row := w.Schema().Row(ts, testReadout())

	mock.ExpectExec(w.insert).
		WithArgs(ts, 77.012, 95.25, nanArg{}, nanArg{}, 0.05, 77.0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := w.Write(context.Background(), row); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestWriterWriteErrors(t *testing.T) {
	t.Run("width mismatch", func(t *testing.T) {
		w, _ := newMockWriter(t)
		err := w.Write(context.Background(), Row{Time: time.Now(), Values: []float64{1}})
		if !errors.Is(err, ErrDatabase) {
			t.Errorf("Write() error = %v, want ErrDatabase", err)
		}
	})

	t.Run("connection lost", func(t *testing.T) {
		w, mock := newMockWriter(t)
		mock.ExpectExec(w.insert).WillReturnError(errors.New("connection reset by peer"))

		row := w.Schema().Row(time.Now(), testReadout())
		if err := w.Write(context.Background(), row); !errors.Is(err, ErrDatabase) {
			t.Errorf("Write() error = %v, want ErrDatabase", err)
		}
	})
}

func TestWriterSQLite(t *testing.T) {
	db, err := database.Open(config.DatabaseConfig{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "telemetry.db"),
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close() //nolint:errcheck // Test cleanup
	ctx := context.Background()

	w := NewWriter(db, "cryosystem", time.Minute, NewSchema(testConfig()))
	if err := w.Prepare(ctx); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	// A second start against the same table only replaces the view.
	if err := w.Prepare(ctx); err != nil {
		t.Fatalf("Prepare() second run error = %v", err)
	}

	ts := time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC)
	for i := 0; i < 3; i++ {
		row := w.Schema().Row(ts.Add(time.Duration(i)*time.Second), testReadout())
		if err := w.Write(ctx, row); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "cryosystem"`).Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 3 {
		t.Errorf("rows = %d, want 3", count)
	}

	// SQLite stores NaN as NULL.
	var temp sql.NullFloat64
	if err := db.QueryRowContext(ctx, `SELECT "sampleB_temp" FROM "cryosystem" LIMIT 1`).Scan(&temp); err != nil {
		t.Fatalf("select NaN column: %v", err)
	}
	if temp.Valid {
		t.Errorf("sampleB_temp = %v, want NULL for NaN", temp.Float64)
	}

	var avg float64
	if err := db.QueryRowContext(ctx, `SELECT "sampleA_temp" FROM "cryosystem_1m"`).Scan(&avg); err != nil {
		t.Fatalf("select view: %v", err)
	}
	if math.Abs(avg-77.012) > 1e-9 {
		t.Errorf("view average = %v, want 77.012", avg)
	}
}

func TestWriterSQLiteNegativeRejected(t *testing.T) {
	db, err := database.Open(config.DatabaseConfig{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "telemetry.db"),
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close() //nolint:errcheck // Test cleanup
	ctx := context.Background()

	w := NewWriter(db, "", 0, NewSchema(testConfig()))
	if err := w.Prepare(ctx); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	row := w.Schema().Row(time.Now(), testReadout())
	row.Values[0] = -1
	if err := w.Write(ctx, row); !errors.Is(err, ErrDatabase) {
		t.Errorf("Write(negative) error = %v, want ErrDatabase from the CHECK constraint", err)
	}
}
