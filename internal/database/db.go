package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	tableLoadSamples   = "load_samples"
	tableReactorStatus = "reactor_status"
	tablePlantCapacity = "plant_capacity"
	tablePublishLog    = "publish_log"

	// Fixed width so that text comparison orders the same as time
	timeLayout = "2006-01-02T15:04:05Z"
)

// PersistenceError wraps any failure of the underlying database
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// DB wraps the database connection
type DB struct {
	conn   *sql.DB
	driver string
	sb     sq.StatementBuilderType
}

// New opens (or creates) a SQLite database file and initializes the schema
func New(dbPath string) (*DB, error) {
	return Open("sqlite", dbPath)
}

// Open connects to the given driver ("sqlite" or "postgres") and initializes the schema
func Open(driver, dsn string) (*DB, error) {
	var (
		sqlDriver   string
		placeholder sq.PlaceholderFormat
	)
	switch driver {
	case "", "sqlite":
		driver, sqlDriver, placeholder = "sqlite", "sqlite", sq.Question
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, wrapErr("open", fmt.Errorf("creating database directory: %w", err))
			}
		}
	case "postgres":
		sqlDriver, placeholder = "pgx", sq.Dollar
	default:
		return nil, wrapErr("open", fmt.Errorf("unknown store driver %q", driver))
	}

	conn, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, wrapErr("open", fmt.Errorf("opening database: %w", err))
	}
	if driver == "sqlite" {
		// one writer at a time; avoids SQLITE_BUSY between pooled connections
		conn.SetMaxOpenConns(1)
	}

	db := &DB{
		conn:   conn,
		driver: driver,
		sb:     sq.StatementBuilder.PlaceholderFormat(placeholder),
	}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, wrapErr("open", fmt.Errorf("initializing schema: %w", err))
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates the necessary tables
func (db *DB) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS load_samples (
			ts TEXT PRIMARY KEY,
			load_mw DOUBLE PRECISION NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reactor_status (
			report_date TEXT NOT NULL,
			unit_name TEXT NOT NULL,
			power_pct DOUBLE PRECISION NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (report_date, unit_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reactor_unit ON reactor_status(unit_name, report_date)`,
		`CREATE TABLE IF NOT EXISTS plant_capacity (
			plant_id TEXT NOT NULL,
			generator_id TEXT NOT NULL DEFAULT '',
			period TEXT NOT NULL,
			net_summer_capacity_mw DOUBLE PRECISION NOT NULL,
			net_winter_capacity_mw DOUBLE PRECISION NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (plant_id, generator_id, period)
		)`,
		`CREATE TABLE IF NOT EXISTS publish_log (
			process TEXT NOT NULL,
			posted_at TEXT NOT NULL,
			uri TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (process, posted_at)
		)`,
	}

	for _, stmt := range schema {
		if _, err := db.conn.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parsePeriod(s string) (time.Time, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing period %q: %w", s, err)
	}
	return t, nil
}

// withTx runs fn in a single transaction; the whole batch lands or none of it does
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// execBuilt runs a squirrel statement in tx and returns rows affected
func execBuilt(ctx context.Context, tx *sql.Tx, b sq.Sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building query: %w", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (db *DB) query(ctx context.Context, b sq.SelectBuilder) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	return db.conn.QueryContext(ctx, query, args...)
}

func (db *DB) queryRow(ctx context.Context, b sq.SelectBuilder) (*sql.Row, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	return db.conn.QueryRowContext(ctx, query, args...), nil
}
