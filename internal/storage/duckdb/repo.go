// Package duckdb implements the event store on an embedded DuckDB file.
package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/marcboeker/go-duckdb"

	"eventsync/internal/records"
	"eventsync/internal/storage"
)

// Config holds DuckDB repository configuration.
type Config struct {
	// DSN is a database path; empty or ":memory:" opens an in-memory database.
	DSN string
	// Threads caps DuckDB's worker threads. Zero keeps the engine default.
	Threads int
}

// Repository is a DuckDB-backed storage.Repository.
type Repository struct {
	db *sql.DB
}

// NewRepository opens the database through a connector so per-connection
// settings apply to every pooled connection.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	dsn := cfg.DSN
	if dsn == ":memory:" {
		dsn = ""
	}
	connector, err := duckdb.NewConnector(dsn, func(execer driver.ExecerContext) error {
		if cfg.Threads <= 0 {
			return nil
		}
		_, err := execer.ExecContext(ctx, fmt.Sprintf("SET threads = %d", cfg.Threads), nil)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("duckdb: connector: %w", err)
	}
	db := sql.OpenDB(connector)
	// An in-memory database lives only as long as its single connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("duckdb: ping: %w", err)
	}
	closeFn := func() { _ = db.Close() }
	return &Repository{db: db}, closeFn, nil
}

// TableColumns reads information_schema.columns; a missing table yields nil.
func (r *Repository) TableColumns(ctx context.Context, table string) ([]storage.Column, error) {
	schema, name := storage.SplitQualified(table)
	if schema == "" {
		schema = "main"
	}
	rows, err := r.db.QueryContext(ctx, `SELECT column_name, data_type
FROM information_schema.columns
WHERE table_schema = ? AND table_name = ?
ORDER BY ordinal_position`, schema, name)
	if err != nil {
		return nil, fmt.Errorf("duckdb: columns %s: %w", table, err)
	}
	defer rows.Close()

	var cols []storage.Column
	for rows.Next() {
		var c storage.Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, fmt.Errorf("duckdb: scan columns: %w", err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// CreateEventsTable creates the target table keyed on insert_id.
func (r *Repository) CreateEventsTable(ctx context.Context, table string) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s VARCHAR PRIMARY KEY,
	%s VARCHAR NOT NULL,
	%s TIMESTAMP NOT NULL,
	%s VARCHAR,
	%s JSON
)`, storage.QuoteIdent(table),
		storage.ColInsertID, storage.ColEventName, storage.ColEventTime, storage.ColDistinctID, storage.ColProperties)
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("duckdb: create %s: %w", table, err)
	}
	return nil
}

func insertSQL(table string) string {
	ph := strings.TrimSuffix(strings.Repeat("?, ", len(storage.EventColumns)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
		storage.QuoteIdent(table), strings.Join(storage.EventColumns, ", "), ph)
}

// InsertIfAbsent inserts events in one transaction and returns how many were
// new.
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
		return 0, fmt.Errorf("duckdb: begin tx: %w", err)
	}
	rollback := func() { _ = tx.Rollback() }

	stmt, err := tx.PrepareContext(ctx, insertSQL(table))
	if err != nil {
		rollback()
		return 0, fmt.Errorf("duckdb: prepare: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for i, row := range rows {
		res, err := stmt.ExecContext(ctx, row...)
		if err != nil {
			rollback()
			return 0, fmt.Errorf("duckdb: row %d: %w", i, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			rollback()
			return 0, fmt.Errorf("duckdb: rows affected: %w", err)
		}
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("duckdb: commit: %w", err)
	}
	return inserted, nil
}
