package fetch

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"eventsync/internal/chunk"
)

// Outcome is the three-way result of a fetch.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomePartial   Outcome = "partial"
	OutcomeFailed    Outcome = "failed"
)

// Report summarises a finished fetch.
type Report struct {
	Job     string
	Outcome Outcome

	TotalChunks  int
	Succeeded    int
	Failed       int
	FailedRanges []chunk.Range

	// RowsFetched counts records delivered by the final attempt of each
	// succeeded chunk.
	RowsFetched int64
	// RowsPersisted counts rows the writer newly inserted.
	RowsPersisted int64
	// Duplicates counts received rows that were already present or repeated
	// within a batch.
	Duplicates int64
	// RecordsSkipped counts malformed or unnormalizable records in the final
	// attempt of each succeeded chunk.
	RecordsSkipped int64
	// KeysSynthesized counts records given a generated insert id.
	KeysSynthesized int64

	Chunks   []chunk.Chunk
	Started  time.Time
	Finished time.Time

	// Err is nil only for OutcomeSucceeded.
	Err error
}

// Duration returns the wall time of the fetch.
func (r Report) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// aggregator collects chunk outcomes from concurrent workers.
type aggregator struct {
	started time.Time

	mu      sync.Mutex
	results []chunk.Result

	fetched atomic.Int64
	skipped atomic.Int64
}

func newAggregator(now time.Time) *aggregator {
	return &aggregator{started: now}
}

func (a *aggregator) add(res chunk.Result, skipped int64) {
	if res.OK {
		a.fetched.Add(res.Rows)
	}
	a.skipped.Add(skipped)

	a.mu.Lock()
	a.results = append(a.results, res)
	a.mu.Unlock()
}

// finish builds the Report. abortErr, when set, forces OutcomeFailed (for
// authentication or writer failures).
func (a *aggregator) finish(job string, chunks []chunk.Chunk, persisted, duplicates, synthesized int64, abortErr error) Report {
	a.mu.Lock()
	results := append([]chunk.Result(nil), a.results...)
	a.mu.Unlock()
	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })

	rep := Report{
		Job:             job,
		TotalChunks:     len(chunks),
		RowsFetched:     a.fetched.Load(),
		RowsPersisted:   persisted,
		Duplicates:      duplicates,
		RecordsSkipped:  a.skipped.Load(),
		KeysSynthesized: synthesized,
		Chunks:          chunks,
		Started:         a.started,
		Finished:        time.Now(),
	}

	var firstErr error
	for _, res := range results {
		if res.OK {
			rep.Succeeded++
			continue
		}
		rep.Failed++
		rep.FailedRanges = append(rep.FailedRanges, res.Range)
		if firstErr == nil {
			firstErr = fmt.Errorf("chunk %s: %w", res.Range, res.Err)
		}
	}

	switch {
	case abortErr != nil:
		rep.Outcome = OutcomeFailed
		rep.Err = abortErr
	case rep.Failed == 0:
		rep.Outcome = OutcomeSucceeded
	case rep.Succeeded == 0:
		rep.Outcome = OutcomeFailed
		rep.Err = fmt.Errorf("fetch: all %d chunks failed: %w", rep.Failed, firstErr)
	default:
		rep.Outcome = OutcomePartial
		rep.Err = fmt.Errorf("fetch: %d of %d chunks failed: %w", rep.Failed, rep.TotalChunks, firstErr)
	}
	return rep
}

// failedBeforeStart builds the Report for a fetch that never reached the
// workers.
func failedBeforeStart(job string, started time.Time, err error) Report {
	return Report{
		Job:      job,
		Outcome:  OutcomeFailed,
		Started:  started,
		Finished: time.Now(),
		Err:      err,
	}
}

// IsStructural reports whether err stopped the fetch before any chunk ran.
func IsStructural(err error) bool {
	return errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrPrecondition)
}
