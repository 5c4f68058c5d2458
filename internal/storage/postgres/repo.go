// Package postgres implements the event store using pgx v5. Each batch is
// COPYed into a transaction-scoped staging table and then moved into the
// target with INSERT ... ON CONFLICT DO NOTHING, so duplicates never raise.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"eventsync/internal/records"
	"eventsync/internal/storage"
)

const stageTable = "eventsync_stage"

// Config holds Postgres repository configuration.
type Config struct {
	DSN      string // connection string for pgxpool
	MaxConns int32  // pool size; zero keeps the pgxpool default
}

// Repository is a Postgres-backed storage.Repository.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository and returns a Close function for cleanup.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres: ping: %w", err)
	}
	closeFn := func() { pool.Close() }
	return &Repository{pool: pool}, closeFn, nil
}

// TableColumns reads information_schema.columns; a missing table yields nil.
func (r *Repository) TableColumns(ctx context.Context, table string) ([]storage.Column, error) {
	schema, name := storage.SplitQualified(table)
	if schema == "" {
		schema = "public"
	}
	rows, err := r.pool.Query(ctx, columnsSQL, schema, name)
	if err != nil {
		return nil, fmt.Errorf("postgres: columns %s: %w", table, err)
	}
	defer rows.Close()

	var cols []storage.Column
	for rows.Next() {
		var c storage.Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, fmt.Errorf("postgres: scan columns: %w", err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

const columnsSQL = `SELECT column_name, data_type
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`

// CreateEventsTable creates the target table keyed on insert_id.
func (r *Repository) CreateEventsTable(ctx context.Context, table string) error {
	if _, err := r.pool.Exec(ctx, createSQL(table)); err != nil {
		return fmt.Errorf("postgres: create %s: %w", table, wrapPgErr(err))
	}
	return nil
}

func createSQL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s text PRIMARY KEY,
	%s text NOT NULL,
	%s timestamptz NOT NULL,
	%s text,
	%s jsonb
)`, pgFQN(table),
		pgIdent(storage.ColInsertID), pgIdent(storage.ColEventName), pgIdent(storage.ColEventTime),
		pgIdent(storage.ColDistinctID), pgIdent(storage.ColProperties))
}

// stageSQL creates a staging table shaped like the target that disappears at
// commit.
func stageSQL(table string) string {
	return fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgIdent(stageTable), pgFQN(table))
}

// mergeSQL moves staged rows into table, skipping keys already present.
// DISTINCT ON keeps the first staged row per key.
func mergeSQL(table string) string {
	cols := strings.Join(mapIdent(storage.EventColumns), ", ")
	key := pgIdent(storage.ColInsertID)
	return fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT DISTINCT ON (%s) %s FROM %s ORDER BY %s ON CONFLICT (%s) DO NOTHING",
		pgFQN(table), cols, key, cols, pgIdent(stageTable), key, key,
	)
}

// InsertIfAbsent stages events with COPY and merges them in one transaction.
func (r *Repository) InsertIfAbsent(ctx context.Context, table string, events []records.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	rows, err := storage.EncodeRows(events)
	if err != nil {
		return 0, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, stageSQL(table)); err != nil {
		return 0, fmt.Errorf("postgres: create stage: %w", wrapPgErr(err))
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{stageTable}, storage.EventColumns, pgx.CopyFromRows(rows)); err != nil {
		return 0, fmt.Errorf("postgres: copy into stage: %w", wrapPgErr(err))
	}
	tag, err := tx.Exec(ctx, mergeSQL(table))
	if err != nil {
		return 0, fmt.Errorf("postgres: merge: %w", wrapPgErr(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit: %w", err)
	}
	return tag.RowsAffected(), nil
}

// wrapPgErr surfaces the server-side detail when pgx returns a PgError.
func wrapPgErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Detail != "" {
		return fmt.Errorf("%w (%s: %s)", err, pgErr.SQLState(), pgErr.Detail)
	}
	return err
}

// pgIdent safely quotes a single identifier segment for Postgres.
func pgIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

// pgFQN quotes a possibly schema-qualified name like "analytics.events".
func pgFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pgIdent(p)
	}
	return strings.Join(parts, ".")
}

func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(c)
	}
	return out
}
