// Package storage contains the destination-store contract, the backend
// factory registry and the single-writer batch loader.
//
// Backends (duckdb, sqlite, postgres, mssql, mysql) live in subpackages and register
// themselves in init; import eventsync/internal/storage/all to enable every
// built-in backend.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"eventsync/internal/config"
	"eventsync/internal/records"
)

var (
	// ErrTableExists is returned when the destination table already exists
	// and the request does not allow appending to it.
	ErrTableExists = errors.New("storage: table already exists")

	// ErrSchemaMismatch is returned when an existing table lacks the event
	// columns.
	ErrSchemaMismatch = errors.New("storage: table schema mismatch")
)

// Config selects and configures a backend.
type Config struct {
	// Kind is the registered backend name, e.g. "duckdb" or "sqlite".
	Kind string

	// DSN is passed to the backend's driver.
	DSN string

	// Options carries backend-specific settings such as duckdb "threads" or
	// sqlite "busy_timeout_ms".
	Options config.Options
}

// Column describes one column of an existing table.
type Column struct {
	Name string
	Type string
}

// Repository is the destination store. Only the writer goroutine calls
// InsertIfAbsent; the precondition step calls the table methods before any
// worker starts.
type Repository interface {
	// TableColumns returns the columns of table, or nil when the table does
	// not exist.
	TableColumns(ctx context.Context, table string) ([]Column, error)

	// CreateEventsTable creates table with the event columns and insert_id
	// as primary key.
	CreateEventsTable(ctx context.Context, table string) error

	// InsertIfAbsent inserts events whose insert id is not yet present and
	// returns how many rows were actually added. The batch is committed
	// atomically.
	InsertIfAbsent(ctx context.Context, table string, events []records.Event) (int64, error)

	Close()
}

// BatchResult is the outcome of one commit.
type BatchResult struct {
	Attempted int64
	Persisted int64
}

// Duplicates is the number of attempted rows dropped as already present.
func (r BatchResult) Duplicates() int64 { return r.Attempted - r.Persisted }

// Factory opens a Repository for cfg.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers (or replaces) the factory for kind. Backends call it from
// init.
func Register(kind string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	factories[kind] = f
}

// New opens a Repository using the factory registered for cfg.Kind.
func New(ctx context.Context, cfg Config) (Repository, error) {
	regMu.RLock()
	f, ok := factories[cfg.Kind]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported storage.kind=%s (registered: %s)", cfg.Kind, strings.Join(ListKinds(), ", "))
	}
	return f(ctx, cfg)
}

// ListKinds returns the registered backend names in sorted order.
func ListKinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// EnsureEventsTable makes table ready to receive events. A missing table is
// created. An existing table is accepted only when appendOK is set and it has
// every event column; otherwise ErrTableExists or ErrSchemaMismatch is
// returned and nothing is written.
func EnsureEventsTable(ctx context.Context, repo Repository, table string, appendOK bool) error {
	cols, err := repo.TableColumns(ctx, table)
	if err != nil {
		return fmt.Errorf("storage: inspect %s: %w", table, err)
	}
	if cols == nil {
		if err := repo.CreateEventsTable(ctx, table); err != nil {
			return fmt.Errorf("storage: create %s: %w", table, err)
		}
		return nil
	}
	if !appendOK {
		return fmt.Errorf("%w: %s (set append to add to it)", ErrTableExists, table)
	}

	have := make(map[string]bool, len(cols))
	for _, c := range cols {
		have[strings.ToLower(c.Name)] = true
	}
	var missing []string
	for _, c := range EventColumns {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s is missing columns %s", ErrSchemaMismatch, table, strings.Join(missing, ", "))
	}
	return nil
}
