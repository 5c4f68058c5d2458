// Package sqlite implements the event store on SQLite using the pure-Go
// modernc.org/sqlite driver. SQLite has no bulk-load API, so each batch is a
// prepared INSERT executed row by row inside one transaction.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"eventsync/internal/records"
	"eventsync/internal/storage"
)

// Config holds SQLite repository configuration.
type Config struct {
	// DSN is a SQLite connection string or file path, e.g.:
	//   "file:events.db?_pragma=journal_mode(WAL)"
	//   ":memory:"
	DSN string

	// BusyTimeout makes writers wait for a locked database instead of
	// failing immediately. Zero leaves the driver default.
	BusyTimeout time.Duration
}

// Repository is a SQLite-backed storage.Repository.
type Repository struct {
	db *sql.DB
}

// NewRepository opens a SQLite connection using the provided DSN and returns
// a Repository plus a Close function for cleanup.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, nil, fmt.Errorf("sqlite: DSN must not be empty")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One connection: SQLite serialises writers anyway, and ":memory:"
	// databases are private to the connection that created them.
	db.SetMaxOpenConns(1)

	// Apply a basic ping with context to fail fast on invalid DSNs.
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	if cfg.BusyTimeout > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds())); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("sqlite: busy_timeout: %w", err)
		}
	}

	closeFn := func() { db.Close() }
	return &Repository{db: db}, closeFn, nil
}

// TableColumns lists the columns of table via pragma_table_info, or nil when
// the table does not exist.
func (r *Repository) TableColumns(ctx context.Context, table string) ([]storage.Column, error) {
	schema, name := storage.SplitQualified(table)
	if schema == "" {
		schema = "main"
	}
	rows, err := r.db.QueryContext(ctx, `SELECT name, type FROM pragma_table_info(?, ?)`, name, schema)
	if err != nil {
		return nil, fmt.Errorf("sqlite: table_info %s: %w", table, err)
	}
	defer rows.Close()

	var cols []storage.Column
	for rows.Next() {
		var c storage.Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, fmt.Errorf("sqlite: scan table_info: %w", err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// CreateEventsTable creates the event table with insert_id as primary key.
func (r *Repository) CreateEventsTable(ctx context.Context, table string) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s TEXT NOT NULL PRIMARY KEY,
	%s TEXT NOT NULL,
	%s TIMESTAMP NOT NULL,
	%s TEXT,
	%s TEXT
)`, storage.QuoteIdent(table),
		storage.ColInsertID, storage.ColEventName, storage.ColEventTime, storage.ColDistinctID, storage.ColProperties)
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sqlite: create %s: %w", table, err)
	}
	return nil
}

// insertSQL builds the insert-if-absent statement for table.
func insertSQL(table string) string {
	ph := strings.TrimSuffix(strings.Repeat("?, ", len(storage.EventColumns)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		storage.QuoteIdent(table), strings.Join(storage.EventColumns, ", "), ph, storage.ColInsertID)
}

// InsertIfAbsent inserts events in one transaction, skipping insert ids that
// already exist, and returns the number of rows added.
func (r *Repository) InsertIfAbsent(ctx context.Context, table string, events []records.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	rows, err := storage.EncodeRows(events)
	if err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, insertSQL(table))
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, row := range rows {
		res, err := stmt.ExecContext(ctx, row...)
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("sqlite: insert: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("sqlite: rows affected: %w", err)
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return inserted, nil
}

// Count returns the number of rows in table.
func (r *Repository) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+storage.QuoteIdent(table)).Scan(&n)
	return n, err
}
