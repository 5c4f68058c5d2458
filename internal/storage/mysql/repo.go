// Package mysql implements the event store on MySQL. Batches are written as
// multi-row INSERT statements whose ON DUPLICATE KEY clause is a no-op, so an
// existing insert id reports zero affected rows and is left untouched.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"eventsync/internal/records"
	"eventsync/internal/storage"
)

// maxRowsPerStmt keeps a statement well below the 65535 placeholder limit.
const maxRowsPerStmt = 1000

// Config holds MySQL repository configuration.
type Config struct {
	// DSN in go-sql-driver form, e.g. "user:pass@tcp(db:3306)/analytics".
	DSN string
}

// Repository is a MySQL-backed storage.Repository.
type Repository struct {
	db     *sql.DB
	schema string
}

// NewRepository opens the pool and returns a Close function for cleanup.
// Times are read and written in UTC.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	mc, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("mysql dsn: %w", err)
	}
	mc.ParseTime = true
	mc.Loc = time.UTC

	conn, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, nil, fmt.Errorf("mysql: connector: %w", err)
	}
	db := sql.OpenDB(conn)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("mysql: ping: %w", err)
	}
	closeFn := func() { _ = db.Close() }
	return &Repository{db: db, schema: mc.DBName}, closeFn, nil
}

// TableColumns reads information_schema.columns; a missing table yields nil.
// Unqualified names resolve against the DSN's database.
func (r *Repository) TableColumns(ctx context.Context, table string) ([]storage.Column, error) {
	schema, name := storage.SplitQualified(table)
	if schema == "" {
		schema = r.schema
	}
	rows, err := r.db.QueryContext(ctx, columnsSQL, schema, name)
	if err != nil {
		return nil, fmt.Errorf("mysql: columns %s: %w", table, err)
	}
	defer rows.Close()

	var cols []storage.Column
	for rows.Next() {
		var c storage.Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, fmt.Errorf("mysql: scan columns: %w", err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

const columnsSQL = `SELECT COLUMN_NAME, DATA_TYPE
FROM information_schema.columns
WHERE table_schema = ? AND table_name = ?
ORDER BY ORDINAL_POSITION`

// CreateEventsTable creates the target table when it is absent.
func (r *Repository) CreateEventsTable(ctx context.Context, table string) error {
	if _, err := r.db.ExecContext(ctx, createSQL(table)); err != nil {
		return fmt.Errorf("mysql: create %s: %w", table, err)
	}
	return nil
}

func createSQL(table string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s VARCHAR(200) NOT NULL PRIMARY KEY, %s VARCHAR(255) NOT NULL, %s DATETIME(6) NOT NULL, %s VARCHAR(255) NULL, %s JSON NULL)",
		myFQN(table),
		myIdent(storage.ColInsertID),
		myIdent(storage.ColEventName),
		myIdent(storage.ColEventTime),
		myIdent(storage.ColDistinctID),
		myIdent(storage.ColProperties))
}

// insertSQL builds a statement inserting n rows. Re-assigning the key to
// itself turns a conflicting row into a no-op with zero affected rows.
func insertSQL(table string, n int) string {
	cols := make([]string, len(storage.EventColumns))
	for i, c := range storage.EventColumns {
		cols[i] = myIdent(c)
	}
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	values := strings.TrimSuffix(strings.Repeat(tuple+", ", n), ", ")
	key := myIdent(storage.ColInsertID)
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON DUPLICATE KEY UPDATE %s = %s",
		myFQN(table), strings.Join(cols, ", "), values, key, key)
}

// InsertIfAbsent inserts events in one transaction and returns the number of
// rows added.
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
		return 0, fmt.Errorf("mysql: begin tx: %w", err)
	}
	var inserted int64
	for start := 0; start < len(rows); start += maxRowsPerStmt {
		end := min(start+maxRowsPerStmt, len(rows))
		args := make([]any, 0, (end-start)*len(storage.EventColumns))
		for _, row := range rows[start:end] {
			args = append(args, row...)
		}
		res, err := tx.ExecContext(ctx, insertSQL(table, end-start), args...)
		if err != nil {
			_ = tx.Rollback()
			return 0, wrapMyErr("insert", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("mysql: rows affected: %w", err)
		}
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mysql: commit: %w", err)
	}
	return inserted, nil
}

// wrapMyErr adds the server error number when err comes from MySQL.
func wrapMyErr(op string, err error) error {
	if me, ok := err.(*mysql.MySQLError); ok {
		return fmt.Errorf("mysql: %s: error %d: %w", op, me.Number, err)
	}
	return fmt.Errorf("mysql: %s: %w", op, err)
}

// myIdent backtick-quotes an identifier, doubling embedded backticks.
func myIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

// myFQN quotes a possibly schema-qualified name segment by segment.
func myFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = myIdent(p)
	}
	return strings.Join(parts, ".")
}
