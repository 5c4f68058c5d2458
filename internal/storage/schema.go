package storage

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/goccy/go-json"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"eventsync/internal/records"
)

// Event table columns, in insert order.
const (
	ColInsertID   = "insert_id"
	ColEventName  = "event_name"
	ColEventTime  = "event_time"
	ColDistinctID = "distinct_id"
	ColProperties = "properties"
)

// EventColumns lists the event table columns in insert order.
var EventColumns = []string{ColInsertID, ColEventName, ColEventTime, ColDistinctID, ColProperties}

// EncodeRow returns the column values of ev aligned with EventColumns. The
// residual properties are stored as a JSON document.
func EncodeRow(ev records.Event) ([]any, error) {
	props := ev.Properties
	if props == nil {
		props = map[string]any{}
	}
	b, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("storage: encode properties of %s: %w", ev.InsertID, err)
	}
	return []any{ev.InsertID, ev.Name, ev.Time.UTC(), ev.DistinctID, string(b)}, nil
}

// EncodeRows encodes every event, failing on the first error.
func EncodeRows(events []records.Event) ([][]any, error) {
	rows := make([][]any, len(events))
	for i, ev := range events {
		row, err := EncodeRow(ev)
		if err != nil {
			return nil, err
		}
		rows[i] = row
	}
	return rows, nil
}

// NormalizeTableName folds a user-supplied table name into a portable SQL
// identifier: lower case ASCII letters, digits and underscores. Accents are
// stripped ("Événements" becomes "evenements"), separators collapse to one
// underscore, and a leading digit gets a "t_" prefix. A schema qualifier
// ("analytics.events") is normalized segment by segment.
func NormalizeTableName(s string) (string, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	for i, p := range parts {
		n := normalizeIdent(p)
		if n == "" {
			return "", fmt.Errorf("storage: invalid table name %q", s)
		}
		parts[i] = n
	}
	return strings.Join(parts, "."), nil
}

func normalizeIdent(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	// Decompose, remove nonspacing marks (accents), recompose.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	ascii, _, _ := transform.String(t, s)

	var b strings.Builder
	prevUnderscore := false
	for _, r := range ascii {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevUnderscore = false
		case r == '_' || r == ' ' || r == '-':
			if !prevUnderscore {
				b.WriteRune('_')
				prevUnderscore = true
			}
		}
	}
	name := strings.Trim(b.String(), "_")
	if name != "" && name[0] >= '0' && name[0] <= '9' {
		name = "t_" + name
	}
	return name
}

// QuoteIdent quotes a possibly schema-qualified identifier with double quotes,
// the form shared by DuckDB, SQLite and Postgres.
func QuoteIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

// SplitQualified splits "schema.table" into its parts. schema is empty when
// name is unqualified.
func SplitQualified(name string) (schema, table string) {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}
