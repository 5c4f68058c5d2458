package mysql

import (
	"context"
	"errors"
	"strings"
	"testing"

	"eventsync/internal/storage"
)

// TestMyIdent verifies that myIdent backtick-quotes identifiers and escapes
// backticks by doubling them.
func TestMyIdent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"simple", "`simple`"},
		{"tick`name", "`tick``name`"},
	}
	for _, tc := range cases {
		if got := myIdent(tc.in); got != tc.want {
			t.Fatalf("myIdent(%q) = %q; want %q", tc.in, got, tc.want)
		}
	}
	if got := myFQN("analytics.events"); got != "`analytics`.`events`" {
		t.Fatalf("myFQN = %q", got)
	}
}

// TestInsertSQL verifies the placeholder layout and that conflicts never
// overwrite stored columns.
func TestInsertSQL(t *testing.T) {
	t.Parallel()

	got := insertSQL("events", 2)
	if n := strings.Count(got, "?"); n != 2*len(storage.EventColumns) {
		t.Fatalf("placeholders=%d, want %d:\n%s", n, 2*len(storage.EventColumns), got)
	}
	if !strings.HasSuffix(got, "ON DUPLICATE KEY UPDATE `insert_id` = `insert_id`") {
		t.Fatalf("conflict clause must be a no-op:\n%s", got)
	}
	for _, c := range []string{storage.ColEventName, storage.ColProperties} {
		if strings.Contains(got, "`"+c+"` = ") {
			t.Fatalf("conflict clause updates %s:\n%s", c, got)
		}
	}
}

func TestCreateSQL(t *testing.T) {
	t.Parallel()

	got := createSQL("events")
	if !strings.HasPrefix(got, "CREATE TABLE IF NOT EXISTS `events`") {
		t.Fatalf("unexpected DDL: %s", got)
	}
	if !strings.Contains(got, "`insert_id` VARCHAR(200) NOT NULL PRIMARY KEY") || !strings.Contains(got, "`properties` JSON") {
		t.Fatalf("missing columns: %s", got)
	}
}

func TestNewRepository_BadDSN(t *testing.T) {
	t.Parallel()

	if _, _, err := NewRepository(context.Background(), Config{DSN: "user@tcp(host"}); err == nil {
		t.Fatal("expected dsn error")
	}
}

// TestFactory_UsesHook verifies the adapter passes the DSN through and
// surfaces constructor errors.
func TestFactory_UsesHook(t *testing.T) {
	orig := newRepository
	t.Cleanup(func() { newRepository = orig })

	var gotDSN string
	boom := errors.New("boom")
	newRepository = func(ctx context.Context, cfg Config) (*Repository, func(), error) {
		gotDSN = cfg.DSN
		return nil, nil, boom
	}
	_, err := storage.New(context.Background(), storage.Config{Kind: "mysql", DSN: "u:p@tcp(db:3306)/a"})
	if !errors.Is(err, boom) || gotDSN != "u:p@tcp(db:3306)/a" {
		t.Fatalf("err=%v dsn=%q", err, gotDSN)
	}
}
