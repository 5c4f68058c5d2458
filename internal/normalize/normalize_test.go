package normalize

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"eventsync/internal/records"
)

func raw(props map[string]any) records.Raw {
	return records.Raw{records.FieldEvent: "Purchase", records.FieldProperties: props}
}

// TestNormalize_Elevates verifies that well-known properties become
// structured fields and the rest stays in the payload.
func TestNormalize_Elevates(t *testing.T) {
	t.Parallel()

	n := New(zerolog.Nop())
	ev, err := n.Normalize(raw(map[string]any{
		"time":        json.Number("1704067200"),
		"distinct_id": "user-1",
		"$insert_id":  "k1",
		"amount":      json.Number("9.99"),
		"tags":        []any{"a", "b"},
	}))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	want := records.Event{
		InsertID:   "k1",
		Name:       "Purchase",
		Time:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		DistinctID: "user-1",
		Properties: map[string]any{"amount": json.Number("9.99"), "tags": []any{"a", "b"}},
	}
	if !reflect.DeepEqual(ev, want) {
		t.Fatalf("got %+v\nwant %+v", ev, want)
	}
	if n.Synthesized() != 0 {
		t.Fatalf("synthesized=%d, want 0", n.Synthesized())
	}
}

// TestNormalize_SynthesizesDistinctKeys covers N records lacking insert ids:
// all get distinct, non-empty keys.
func TestNormalize_SynthesizesDistinctKeys(t *testing.T) {
	t.Parallel()

	n := New(zerolog.Nop())
	const count = 500
	seen := make(map[string]bool, count)
	for i := 0; i < count; i++ {
		props := map[string]any{"time": float64(1704067200 + i)}
		if i%2 == 0 {
			props["$insert_id"] = ""
		}
		ev, err := n.Normalize(raw(props))
		if err != nil {
			t.Fatalf("Normalize %d: %v", i, err)
		}
		if ev.InsertID == "" {
			t.Fatalf("record %d got empty insert id", i)
		}
		if seen[ev.InsertID] {
			t.Fatalf("duplicate synthesized key %s", ev.InsertID)
		}
		seen[ev.InsertID] = true
	}
	if n.Synthesized() != count {
		t.Fatalf("synthesized=%d, want %d", n.Synthesized(), count)
	}
}

// TestNormalize_DoesNotMutateInput verifies that the raw record and its nested
// values are left untouched, including after the event is modified.
func TestNormalize_DoesNotMutateInput(t *testing.T) {
	t.Parallel()

	nested := map[string]any{"k": "v"}
	props := map[string]any{"time": 1704067200.0, "nested": nested, "list": []any{1.0}}
	in := raw(props)

	n := New(zerolog.Nop())
	ev, err := n.Normalize(in)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	ev.Properties["nested"].(map[string]any)["k"] = "changed"
	ev.Properties["list"].([]any)[0] = 2.0

	if _, ok := props["$insert_id"]; ok {
		t.Fatal("synthesized key leaked into input")
	}
	if _, ok := props["time"]; !ok {
		t.Fatal("time removed from input")
	}
	if nested["k"] != "v" || props["list"].([]any)[0] != 1.0 {
		t.Fatal("nested input values were mutated")
	}
}

func TestParseTime(t *testing.T) {
	t.Parallel()

	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		in   any
	}{
		{"seconds number", json.Number("1704067200")},
		{"seconds float", 1704067200.0},
		{"milliseconds", json.Number("1704067200000")},
		{"numeric string", "1704067200"},
		{"rfc3339", "2024-01-01T00:00:00Z"},
		{"rfc3339 offset", "2024-01-01T01:00:00+01:00"},
	}
	for _, tc := range cases {
		got, err := parseTime(tc.in)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if !got.Equal(want) || got.Location() != time.UTC {
			t.Fatalf("%s: got %v, want %v", tc.name, got, want)
		}
	}
}

func TestNormalize_Rejects(t *testing.T) {
	t.Parallel()

	n := New(zerolog.Nop())
	cases := []struct {
		name string
		in   records.Raw
		want error
	}{
		{"no properties", records.Raw{"event": "x"}, ErrNoProperties},
		{"properties not object", records.Raw{"event": "x", "properties": "oops"}, ErrNoProperties},
		{"no time", raw(map[string]any{"distinct_id": "u"}), ErrNoTime},
		{"bad time", raw(map[string]any{"time": "yesterday"}), ErrNoTime},
		{"negative time", raw(map[string]any{"time": -5.0}), ErrNoTime},
	}
	for _, tc := range cases {
		if _, err := n.Normalize(tc.in); !errors.Is(err, tc.want) {
			t.Fatalf("%s: err=%v, want %v", tc.name, err, tc.want)
		}
	}
}
