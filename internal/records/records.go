// Package records defines the two record shapes that flow through the fetch
// pipeline: the export service's native representation (Raw) and the
// destination-shaped Event produced by the normalizer.
package records

import "time"

// Raw is one record as decoded from the export stream, e.g.
//
//	{"event": "Signed Up", "properties": {"time": 1704067200, "distinct_id": "u1", "$insert_id": "abc", ...}}
//
// Raw values are shared with diagnostics and must be treated as read-only by
// every pipeline stage.
type Raw map[string]any

// Well-known fields of a Raw record.
const (
	FieldEvent      = "event"
	FieldProperties = "properties"

	PropTime       = "time"
	PropDistinctID = "distinct_id"
	PropInsertID   = "$insert_id"
)

// Properties returns the nested properties object, or nil when absent or not
// an object.
func (r Raw) Properties() map[string]any {
	p, _ := r[FieldProperties].(map[string]any)
	return p
}

// Event is a destination-shaped record. InsertID is the primary key in the
// destination table and is never empty. Events are immutable after
// construction; the writer consumes each one exactly once.
type Event struct {
	InsertID   string
	Name       string
	Time       time.Time
	DistinctID string

	// Properties holds every source property that was not elevated to a
	// structured attribute above.
	Properties map[string]any
}
