package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"eventsync/internal/metrics"
	"eventsync/internal/records"
)

// Writer defaults.
const (
	DefaultBatchSize     = 2000
	DefaultFlushInterval = time.Second
)

// WriterConfig configures a Writer.
type WriterConfig struct {
	// Job labels metrics.
	Job string

	// Table is the destination table; it must already exist.
	Table string

	// BatchSize is the maximum number of events per commit.
	BatchSize int

	// FlushInterval commits a partial batch when no flush happened for this
	// long. The timer restarts after every flush, including size-triggered
	// ones.
	FlushInterval time.Duration

	// OnCommit, when set, receives the cumulative number of persisted rows
	// after every successful commit. It runs on the writer goroutine.
	OnCommit func(persisted int64)

	Logger zerolog.Logger
}

// WriterStats summarises a finished Run.
type WriterStats struct {
	// Received counts events read from the input channel.
	Received int64
	// Attempted counts rows offered to the repository.
	Attempted int64
	// Persisted counts rows the repository reported as newly inserted.
	Persisted int64
	// InBatchDuplicates counts events dropped because an earlier event in the
	// same batch had the same insert id.
	InBatchDuplicates int64
	// Discarded counts events read but never offered because a commit had
	// already failed, plus the rows of the failed commit.
	Discarded int64
	Batches   int64
}

// Duplicates is the number of received events that did not become new rows
// for reasons other than a failed commit.
func (s WriterStats) Duplicates() int64 {
	return s.Received - s.Persisted - s.Discarded
}

// Writer is the single consumer of the ingestion queue and the only goroutine
// that writes to the Repository.
type Writer struct {
	repo Repository
	cfg  WriterConfig
}

// NewWriter validates cfg and applies defaults for zero values.
func NewWriter(repo Repository, cfg WriterConfig) (*Writer, error) {
	if repo == nil {
		return nil, errors.New("storage: writer needs a repository")
	}
	if cfg.Table == "" {
		return nil, errors.New("storage: writer needs a table")
	}
	if cfg.BatchSize < 0 || cfg.FlushInterval < 0 {
		return nil, fmt.Errorf("storage: negative batch size %d or flush interval %s", cfg.BatchSize, cfg.FlushInterval)
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	return &Writer{repo: repo, cfg: cfg}, nil
}

// Run drains in until it is closed, committing a batch whenever it reaches
// BatchSize or FlushInterval passes without a flush, and finally flushes the
// partial batch.
//
// Run ignores cancellation of ctx: events already queued are
// committed on a context detached from ctx, and the caller stops the writer by
// closing in. After a commit fails, Run keeps draining in (so producers never
// block on a dead writer), discards what it reads, and returns the error.
func (w *Writer) Run(ctx context.Context, in <-chan records.Event) (WriterStats, error) {
	commitCtx := context.WithoutCancel(ctx)
	log := w.cfg.Logger

	var (
		st          WriterStats
		fatal       error
		batch       = make([]records.Event, 0, w.cfg.BatchSize)
		seen        = make(map[xxh3.Uint128]struct{}, w.cfg.BatchSize)
		start       = time.Now()
		lastFlushTS = start
		lastTotal   int64
	)

	timer := time.NewTimer(w.cfg.FlushInterval)
	defer timer.Stop()

	flush := func() {
		timer.Reset(w.cfg.FlushInterval)
		if len(batch) == 0 || fatal != nil {
			return
		}
		attempted := int64(len(batch))
		t0 := time.Now()
		n, err := w.repo.InsertIfAbsent(commitCtx, w.cfg.Table, batch)
		metrics.RecordBatch(w.cfg.Job, err, time.Since(t0))

		// Reuse allocated storage; the repository does not retain the slice.
		batch = batch[:0]
		clear(seen)

		if err != nil {
			fatal = fmt.Errorf("storage: commit batch #%d: %w", st.Batches+1, err)
			st.Discarded += attempted
			log.Error().Err(err).Int64("rows", attempted).Int64("total_persisted", st.Persisted).
				Msg("loader: commit failed, discarding remaining input")
			return
		}

		st.Batches++
		st.Attempted += attempted
		st.Persisted += n
		metrics.RecordRow(w.cfg.Job, metrics.KindPersisted, n)
		metrics.RecordRow(w.cfg.Job, metrics.KindDuplicates, attempted-n)

		now := time.Now()
		sinceLast := now.Sub(lastFlushTS)
		rps := float64(0)
		if sinceLast > 0 {
			rps = float64(st.Persisted-lastTotal) / sinceLast.Seconds()
		}
		log.Info().
			Int64("batch", st.Batches).
			Int64("attempted", attempted).
			Int64("inserted", n).
			Int64("total_persisted", st.Persisted).
			Float64("rps", rps).
			Dur("elapsed", now.Sub(start).Truncate(time.Millisecond)).
			Msg("loader: batch committed")
		lastFlushTS = now
		lastTotal = st.Persisted

		if w.cfg.OnCommit != nil {
			w.cfg.OnCommit(st.Persisted)
		}
	}

	for {
		select {
		case ev, ok := <-in:
			if !ok {
				// Channel closed: flush remaining rows.
				flush()
				log.Info().
					Int64("received", st.Received).
					Int64("total_persisted", st.Persisted).
					Int64("batches", st.Batches).
					Msg("loader: input closed")
				return st, fatal
			}
			st.Received++
			if fatal != nil {
				st.Discarded++
				continue
			}
			h := xxh3.HashString128(ev.InsertID)
			if _, dup := seen[h]; dup {
				st.InBatchDuplicates++
				continue
			}
			seen[h] = struct{}{}
			batch = append(batch, ev)
			if len(batch) >= w.cfg.BatchSize {
				flush()
			}

		case <-timer.C:
			flush()
		}
	}
}
