package ledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLite is a Ledger backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens the database at dsn and applies pending migrations.
// Use ":memory:" for an in-memory ledger.
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and
	// serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Has implements Ledger.
func (l *SQLite) Has(ctx context.Context, key string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_archives WHERE key = ?`, key).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("query ledger: %w", err)
	}
	return true, nil
}

// Record implements Ledger.
func (l *SQLite) Record(ctx context.Context, rec Record) error {
	if rec.Key == "" {
		return fmt.Errorf("invalid ledger key %q", rec.Key)
	}
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO processed_archives (key, outcome, processed_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (key) DO NOTHING`,
		rec.Key, string(rec.Outcome), rec.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert ledger record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert ledger record: %w", err)
	}
	if n == 0 {
		return ErrAlreadyRecorded
	}
	return nil
}

// List implements Ledger.
func (l *SQLite) List(ctx context.Context) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT key, outcome, processed_at FROM processed_archives ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec Record
			ts  string
		)
		if err := rows.Scan(&rec.Key, &rec.Outcome, &ts); err != nil {
			return nil, fmt.Errorf("scan ledger record: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.Timestamp = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close implements Ledger.
func (l *SQLite) Close() error {
	return l.db.Close()
}
