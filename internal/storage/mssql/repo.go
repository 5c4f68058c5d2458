// Package mssql implements the event store on SQL Server. Batches are bulk
// copied into a session temp table and merged with INSERT ... WHERE NOT
// EXISTS inside one transaction.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"

	"eventsync/internal/records"
	"eventsync/internal/storage"
)

const stageTable = "#eventsync_stage"

// Config holds MSSQL repository configuration.
type Config struct {
	DSN string
}

// Repository is a SQL Server-backed storage.Repository.
type Repository struct {
	db *sql.DB
}

// NewRepository opens the pool and returns a Close function for cleanup.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	// Validate DSN early to fail fast on obvious mistakes.
	if _, err := msdsn.Parse(cfg.DSN); err != nil {
		return nil, nil, fmt.Errorf("mssql dsn: %w", err)
	}
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("sql.Open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping: %w", err)
	}
	closeFn := func() { _ = db.Close() }
	return &Repository{db: db}, closeFn, nil
}

// TableColumns reads INFORMATION_SCHEMA.COLUMNS; a missing table yields nil.
func (r *Repository) TableColumns(ctx context.Context, table string) ([]storage.Column, error) {
	schema, name := storage.SplitQualified(table)
	if schema == "" {
		schema = "dbo"
	}
	rows, err := r.db.QueryContext(ctx, columnsSQL, sql.Named("schema", schema), sql.Named("table", name))
	if err != nil {
		return nil, fmt.Errorf("mssql: columns %s: %w", table, err)
	}
	defer rows.Close()

	var cols []storage.Column
	for rows.Next() {
		var c storage.Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, fmt.Errorf("mssql: scan columns: %w", err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

const columnsSQL = `SELECT COLUMN_NAME, DATA_TYPE
FROM INFORMATION_SCHEMA.COLUMNS
WHERE TABLE_SCHEMA = @schema AND TABLE_NAME = @table
ORDER BY ORDINAL_POSITION`

// CreateEventsTable creates the target table when it is absent.
func (r *Repository) CreateEventsTable(ctx context.Context, table string) error {
	if _, err := r.db.ExecContext(ctx, createSQL(table)); err != nil {
		return fmt.Errorf("mssql: create %s: %w", table, err)
	}
	return nil
}

func columnDefs() string {
	return fmt.Sprintf("%s NVARCHAR(200) NOT NULL PRIMARY KEY, %s NVARCHAR(400) NOT NULL, %s DATETIME2 NOT NULL, %s NVARCHAR(400) NULL, %s NVARCHAR(MAX) NULL",
		msIdent(storage.ColInsertID), msIdent(storage.ColEventName), msIdent(storage.ColEventTime),
		msIdent(storage.ColDistinctID), msIdent(storage.ColProperties))
}

func createSQL(table string) string {
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (%s)",
		strings.ReplaceAll(table, "'", "''"), msFQN(table), columnDefs())
}

// stageSQL creates the staging table without a key so in-batch repeats can
// be copied before the merge picks one.
func stageSQL() string {
	return fmt.Sprintf("CREATE TABLE %s (%s NVARCHAR(200) NOT NULL, %s NVARCHAR(400) NOT NULL, %s DATETIME2 NOT NULL, %s NVARCHAR(400) NULL, %s NVARCHAR(MAX) NULL, __seq INT IDENTITY(1,1))",
		stageTable,
		msIdent(storage.ColInsertID), msIdent(storage.ColEventName), msIdent(storage.ColEventTime),
		msIdent(storage.ColDistinctID), msIdent(storage.ColProperties))
}

// mergeSQL inserts the first staged row per key whose key is not already in
// table.
func mergeSQL(table string) string {
	cols := strings.Join(mapIdent(storage.EventColumns), ", ")
	key := msIdent(storage.ColInsertID)
	return fmt.Sprintf(`INSERT INTO %[1]s (%[2]s)
SELECT %[2]s FROM (
	SELECT *, ROW_NUMBER() OVER (PARTITION BY %[3]s ORDER BY __seq) AS __rn FROM %[4]s
) AS S
WHERE S.__rn = 1 AND NOT EXISTS (SELECT 1 FROM %[1]s AS T WHERE T.%[3]s = S.%[3]s)`,
		msFQN(table), cols, key, stageTable)
}

// InsertIfAbsent bulk copies events into the stage and merges them.
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
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	rollback := func() { _ = tx.Rollback() }

	if _, err := tx.ExecContext(ctx, stageSQL()); err != nil {
		rollback()
		return 0, fmt.Errorf("create stage: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(stageTable, mssql.BulkOptions{}, storage.EventColumns...))
	if err != nil {
		rollback()
		return 0, fmt.Errorf("prepare bulk: %w", err)
	}
	for i := range rows {
		if _, err := stmt.ExecContext(ctx, rows[i]...); err != nil {
			_ = stmt.Close()
			rollback()
			return 0, fmt.Errorf("bulk row %d: %w", i, err)
		}
	}
	_, err = stmt.ExecContext(ctx)
	if cerr := stmt.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		rollback()
		return 0, fmt.Errorf("bulk finalize: %w", err)
	}

	res, err := tx.ExecContext(ctx, mergeSQL(table))
	if err != nil {
		rollback()
		return 0, fmt.Errorf("merge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		rollback()
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE "+stageTable); err != nil {
		rollback()
		return 0, fmt.Errorf("drop stage: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// msIdent quotes one identifier segment with brackets.
func msIdent(id string) string { return "[" + strings.ReplaceAll(id, "]", "]]") + "]" }

func msFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = msIdent(p)
	}
	return strings.Join(parts, ".")
}

func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = msIdent(c)
	}
	return out
}
