// Package chunk partitions a requested date range into contiguous fetch
// windows and tracks the status of each window while workers process it.
//
// Windows are day-granular and inclusive on both ends: a 7-day chunk starting
// 2024-01-01 covers 2024-01-01 through 2024-01-07. Consecutive chunks share no
// day and leave no gap, so together they tile [from, to] exactly.
package chunk

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRange is returned by Plan for an empty or inverted range or a
// non-positive chunk size.
var ErrInvalidRange = errors.New("chunk: invalid range")

// DateLayout is the calendar-date format used in export queries and reports.
const DateLayout = "2006-01-02"

// Status is the lifecycle state of a Chunk.
type Status int

const (
	Pending Status = iota
	InProgress
	Succeeded
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case InProgress:
		return "in-progress"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Range is an inclusive calendar-day window.
type Range struct {
	From time.Time
	To   time.Time
}

// Days returns the number of calendar days covered by r.
func (r Range) Days() int {
	return int(r.To.Sub(r.From).Hours()/24) + 1
}

func (r Range) String() string {
	return r.From.Format(DateLayout) + ".." + r.To.Format(DateLayout)
}

// Chunk is one fetch window plus its mutable status. Only Tracker mutates
// Status, Attempts, Rows and Err.
type Chunk struct {
	Index int
	Range

	Status   Status
	Attempts int
	Rows     int64
	Err      error
}

// Plan splits [from, to] into ascending, inclusive, non-overlapping windows
// of days calendar days each. The last window may be shorter. Times are
// truncated to UTC midnight before planning.
func Plan(from, to time.Time, days int) ([]Chunk, error) {
	if days < 1 {
		return nil, fmt.Errorf("%w: chunk size %d days", ErrInvalidRange, days)
	}
	from, to = Day(from), Day(to)
	if to.Before(from) {
		return nil, fmt.Errorf("%w: from %s after to %s", ErrInvalidRange,
			from.Format(DateLayout), to.Format(DateLayout))
	}

	var out []Chunk
	for start := from; !start.After(to); start = start.AddDate(0, 0, days) {
		end := start.AddDate(0, 0, days-1)
		if end.After(to) {
			end = to
		}
		out = append(out, Chunk{
			Index: len(out),
			Range: Range{From: start, To: end},
		})
	}
	return out, nil
}

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD date as midnight UTC.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("chunk: parse date %q: %w", s, err)
	}
	return t, nil
}
