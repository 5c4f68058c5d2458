package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"eventsync/internal/config"
	"eventsync/internal/records"
	"eventsync/internal/storage"
)

func newRepo(tb testing.TB) *wrappedRepo {
	tb.Helper()
	r, closeFn, err := NewRepository(context.Background(), Config{DSN: ":memory:", BusyTimeout: time.Second})
	if err != nil {
		tb.Fatalf("open sqlite :memory:: %v", err)
	}
	w := &wrappedRepo{Repository: r, closeFn: closeFn}
	tb.Cleanup(w.Close)
	return w
}

func events(ids ...string) []records.Event {
	out := make([]records.Event, len(ids))
	for i, id := range ids {
		out[i] = records.Event{
			InsertID:   id,
			Name:       "Viewed",
			Time:       time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC),
			DistinctID: "u" + id,
			Properties: map[string]any{"i": i},
		}
	}
	return out
}

// TestEnsureAndColumns verifies that a missing table is created with the event
// columns and that a second call without append is refused.
func TestEnsureAndColumns(t *testing.T) {
	t.Parallel()

	r := newRepo(t)
	ctx := context.Background()

	cols, err := r.TableColumns(ctx, "events")
	if err != nil || cols != nil {
		t.Fatalf("TableColumns on missing table = (%v, %v), want (nil, nil)", cols, err)
	}

	if err := storage.EnsureEventsTable(ctx, r, "events", false); err != nil {
		t.Fatalf("EnsureEventsTable: %v", err)
	}
	cols, err = r.TableColumns(ctx, "events")
	if err != nil {
		t.Fatalf("TableColumns: %v", err)
	}
	var names []string
	for _, c := range cols {
		names = append(names, c.Name)
	}
	if strings.Join(names, ",") != strings.Join(storage.EventColumns, ",") {
		t.Fatalf("columns=%v, want %v", names, storage.EventColumns)
	}

	if err := storage.EnsureEventsTable(ctx, r, "events", false); !errors.Is(err, storage.ErrTableExists) {
		t.Fatalf("err=%v, want ErrTableExists", err)
	}
	if err := storage.EnsureEventsTable(ctx, r, "events", true); err != nil {
		t.Fatalf("append to compatible table: %v", err)
	}
}

// TestEnsure_SchemaMismatch verifies that a foreign table is rejected.
func TestEnsure_SchemaMismatch(t *testing.T) {
	t.Parallel()

	r := newRepo(t)
	ctx := context.Background()
	if _, err := r.db.ExecContext(ctx, `CREATE TABLE events (id INTEGER PRIMARY KEY, payload TEXT)`); err != nil {
		t.Fatal(err)
	}
	if err := storage.EnsureEventsTable(ctx, r, "events", true); !errors.Is(err, storage.ErrSchemaMismatch) {
		t.Fatalf("err=%v, want ErrSchemaMismatch", err)
	}
}

// TestInsertIfAbsent_Idempotent verifies that re-inserting the same keys adds
// nothing and that counts reflect only new rows.
func TestInsertIfAbsent_Idempotent(t *testing.T) {
	t.Parallel()

	r := newRepo(t)
	ctx := context.Background()
	if err := r.CreateEventsTable(ctx, "events"); err != nil {
		t.Fatal(err)
	}

	n, err := r.InsertIfAbsent(ctx, "events", events("a", "b", "c"))
	if err != nil || n != 3 {
		t.Fatalf("first insert = (%d, %v), want 3", n, err)
	}
	n, err = r.InsertIfAbsent(ctx, "events", events("b", "c", "d"))
	if err != nil || n != 1 {
		t.Fatalf("overlapping insert = (%d, %v), want 1", n, err)
	}
	n, err = r.InsertIfAbsent(ctx, "events", events("a", "b", "c", "d"))
	if err != nil || n != 0 {
		t.Fatalf("repeat insert = (%d, %v), want 0", n, err)
	}

	total, err := r.Count(ctx, "events")
	if err != nil || total != 4 {
		t.Fatalf("count = (%d, %v), want 4", total, err)
	}

	var props string
	if err := r.db.QueryRowContext(ctx, `SELECT properties FROM events WHERE insert_id = 'd'`).Scan(&props); err != nil {
		t.Fatal(err)
	}
	if props != `{"i":2}` {
		t.Fatalf("properties=%s", props)
	}
}

// TestInsertIfAbsent_FirstWins verifies the stored row is the first committed
// one for a key.
func TestInsertIfAbsent_FirstWins(t *testing.T) {
	t.Parallel()

	r := newRepo(t)
	ctx := context.Background()
	_ = r.CreateEventsTable(ctx, "events")

	first := events("k")
	second := events("k")
	second[0].Name = "Later"
	if _, err := r.InsertIfAbsent(ctx, "events", first); err != nil {
		t.Fatal(err)
	}
	if _, err := r.InsertIfAbsent(ctx, "events", second); err != nil {
		t.Fatal(err)
	}

	var name string
	if err := r.db.QueryRowContext(ctx, `SELECT event_name FROM events WHERE insert_id = 'k'`).Scan(&name); err != nil {
		t.Fatal(err)
	}
	if name != "Viewed" {
		t.Fatalf("event_name=%q, want first committed value", name)
	}
}

// TestWriterWithSQLite drives the storage.Writer against a real table.
func TestWriterWithSQLite(t *testing.T) {
	t.Parallel()

	r := newRepo(t)
	ctx := context.Background()
	_ = r.CreateEventsTable(ctx, "events")

	w, err := storage.NewWriter(r, storage.WriterConfig{Table: "events", BatchSize: 4, FlushInterval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	in := make(chan records.Event, 20)
	for i := 0; i < 10; i++ {
		in <- events(fmt.Sprint(i % 7))[0]
	}
	close(in)

	st, err := w.Run(ctx, in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Persisted != 7 {
		t.Fatalf("persisted=%d, want 7", st.Persisted)
	}
	if n, _ := r.Count(ctx, "events"); n != 7 {
		t.Fatalf("count=%d, want 7", n)
	}
}

// TestFactory verifies the package registers itself and honours options.
func TestFactory(t *testing.T) {
	t.Parallel()

	repo, err := storage.New(context.Background(), storage.Config{
		Kind:    "sqlite",
		DSN:     ":memory:",
		Options: config.Options{"busy_timeout_ms": 250},
	})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	defer repo.Close()

	if _, err := storage.New(context.Background(), storage.Config{Kind: "sqlite"}); err == nil {
		t.Fatal("empty DSN should fail")
	}
}
