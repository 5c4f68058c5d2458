// Package normalize converts raw export records into destination-shaped
// events.
//
// Four well-known properties are elevated to structured fields: $insert_id
// (the destination primary key), time, distinct_id and the event name. Every
// other property is deep-copied into the residual payload. The input record
// is never modified.
package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"eventsync/internal/records"
)

var (
	// ErrNoProperties is returned for a record without a properties object.
	ErrNoProperties = errors.New("normalize: record has no properties object")

	// ErrNoTime is returned when the time property is missing or unusable.
	ErrNoTime = errors.New("normalize: record has no usable time")
)

// msThreshold separates epoch seconds from epoch milliseconds. 1e12 seconds
// is far in the future; 1e12 milliseconds is September 2001.
const msThreshold = 1e12

// Normalizer is safe for concurrent use by many workers.
type Normalizer struct {
	log         zerolog.Logger
	synthesized atomic.Int64

	// newKey generates replacement insert ids. Tests may replace it.
	newKey func() string
}

// New returns a Normalizer that logs synthesized keys at debug level.
func New(log zerolog.Logger) *Normalizer {
	return &Normalizer{log: log, newKey: uuid.NewString}
}

// Synthesized returns how many insert ids have been generated so far.
func (n *Normalizer) Synthesized() int64 {
	return n.synthesized.Load()
}

// Normalize maps one raw record to an Event. Records without a properties
// object or a usable time are rejected; a missing or empty insert id is
// replaced with a fresh UUID.
func (n *Normalizer) Normalize(raw records.Raw) (records.Event, error) {
	props := raw.Properties()
	if props == nil {
		return records.Event{}, ErrNoProperties
	}

	ts, err := parseTime(props[records.PropTime])
	if err != nil {
		return records.Event{}, err
	}

	ev := records.Event{
		Name:       stringOf(raw[records.FieldEvent]),
		Time:       ts,
		DistinctID: stringOf(props[records.PropDistinctID]),
		InsertID:   stringOf(props[records.PropInsertID]),
		Properties: make(map[string]any, len(props)),
	}
	for k, v := range props {
		switch k {
		case records.PropTime, records.PropDistinctID, records.PropInsertID:
			continue
		}
		ev.Properties[k] = deepCopy(v)
	}

	if ev.InsertID == "" {
		ev.InsertID = n.newKey()
		n.synthesized.Add(1)
		n.log.Debug().
			Str("event", ev.Name).
			Str("distinct_id", ev.DistinctID).
			Str("insert_id", ev.InsertID).
			Msg("normalize: synthesized insert id")
	}
	return ev, nil
}

// parseTime accepts epoch seconds or milliseconds as a number or numeric
// string, or an RFC 3339 timestamp.
func parseTime(v any) (time.Time, error) {
	var f float64
	switch t := v.(type) {
	case nil:
		return time.Time{}, ErrNoTime
	case json.Number:
		x, err := t.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrNoTime, t.String())
		}
		f = x
	case float64:
		f = t
	case int64:
		f = float64(t)
	case int:
		f = float64(t)
	case string:
		if x, err := strconv.ParseFloat(t, 64); err == nil {
			f = x
			break
		}
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrNoTime, t)
		}
		return ts.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unsupported type %T", ErrNoTime, v)
	}

	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return time.Time{}, fmt.Errorf("%w: %v", ErrNoTime, f)
	}
	if f >= msThreshold {
		return time.UnixMilli(int64(f)).UTC(), nil
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

func stringOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, x := range t {
			m[k] = deepCopy(x)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, x := range t {
			s[i] = deepCopy(x)
		}
		return s
	default:
		return v
	}
}
