// Package fetch runs the chunked fetch-and-ingest pipeline.
//
// The requested date range is split into chunks. A fixed pool of workers
// streams chunks from a Source, normalizes each record and pushes it onto a
// bounded queue. A single storage.Writer drains the queue into the
// Repository. Per-chunk outcomes are aggregated into a Report whose Outcome is
// succeeded, partial or failed.
//
//	Plan → workers (Source → Normalizer) → queue → Writer → Repository
//
// The queue is the only coupling between fetching and writing: when the
// writer falls behind, workers block on the queue, which bounds memory to
// the queue capacity plus one batch.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"eventsync/internal/chunk"
	"eventsync/internal/datasource/httpds"
	"eventsync/internal/export"
	"eventsync/internal/metrics"
	"eventsync/internal/normalize"
	"eventsync/internal/records"
	"eventsync/internal/storage"
)

var (
	// ErrInvalidRequest wraps request validation and planning errors.
	ErrInvalidRequest = errors.New("fetch: invalid request")

	// ErrPrecondition wraps destination checks that failed before any
	// worker started.
	ErrPrecondition = errors.New("fetch: destination not ready")

	// ErrCancelled marks chunks that were never started because the fetch
	// was cancelled or aborted.
	ErrCancelled = errors.New("fetch: chunk not started")
)

// Source streams the raw records of one chunk. export.Client implements it.
type Source interface {
	Stream(ctx context.Context, q export.Query, fn export.RecordFunc) (export.Stats, error)
}

// ProgressFunc receives the cumulative number of persisted rows after every
// commit.
type ProgressFunc func(persisted int64)

// ChunkFunc receives every terminal chunk outcome, including chunks failed
// because they never started.
type ChunkFunc func(chunk.Result)

// Deps are the collaborators of Run. Source and Repo are required.
type Deps struct {
	Source Source
	Repo   storage.Repository

	// Normalizer defaults to normalize.New(Logger).
	Normalizer *normalize.Normalizer
	Logger     zerolog.Logger

	Progress ProgressFunc
	OnChunk  ChunkFunc
}

// Run fetches req into deps.Repo and returns the Report. The returned error
// is Report.Err.
//
// Structural problems (invalid request, missing or incompatible table) fail
// the fetch before any request is made. Otherwise every chunk runs
// independently; a failing chunk never cancels its siblings. An
// authentication failure aborts the fetch: no further chunks start.
//
// Cancelling ctx stops workers from starting new chunks. Chunks already in
// flight finish (each attempt is bounded by ChunkTimeout), and the writer
// commits everything queued before Run returns.
func Run(ctx context.Context, req Request, deps Deps) (Report, error) {
	started := time.Now()
	req = req.WithDefaults()
	log := deps.Logger

	fail := func(err error) (Report, error) {
		log.Error().Err(err).Str("job", req.Job).Msg("fetch: not started")
		rep := failedBeforeStart(req.Job, started, err)
		return rep, err
	}

	if deps.Source == nil || deps.Repo == nil {
		return fail(fmt.Errorf("%w: source and repository are required", ErrInvalidRequest))
	}
	if err := req.Validate(); err != nil {
		return fail(err)
	}
	plan, err := chunk.Plan(req.From, req.To, req.ChunkDays)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrInvalidRequest, err))
	}
	if err := storage.EnsureEventsTable(ctx, deps.Repo, req.Table, req.Append); err != nil {
		return fail(fmt.Errorf("%w: %w", ErrPrecondition, err))
	}
	writer, err := storage.NewWriter(deps.Repo, storage.WriterConfig{
		Job:           req.Job,
		Table:         req.Table,
		BatchSize:     req.BatchSize,
		FlushInterval: req.FlushInterval,
		OnCommit:      deps.Progress,
		Logger:        log,
	})
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrInvalidRequest, err))
	}

	norm := deps.Normalizer
	if norm == nil {
		norm = normalize.New(log)
	}
	synthBefore := norm.Synthesized()

	log.Info().
		Str("job", req.Job).
		Stringer("range", chunk.Range{From: chunk.Day(req.From), To: chunk.Day(req.To)}).
		Int("chunks", len(plan)).
		Int("workers", req.Workers).
		Int("batch", req.BatchSize).
		Int("queue", req.QueueSize).
		Msg("fetch: starting")

	// runCtx gates the start of new chunks. It ends when the caller cancels
	// or when a chunk hits an authentication error.
	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	p := &pipeline{
		req:     req,
		src:     deps.Source,
		norm:    norm,
		tracker: chunk.NewTracker(plan),
		agg:     newAggregator(started),
		queue:   make(chan records.Event, req.QueueSize),
		onChunk: deps.OnChunk,
		abort:   abort,
		log:     log,
	}

	type writerResult struct {
		st  storage.WriterStats
		err error
	}
	writerDone := make(chan writerResult, 1)
	go func() {
		st, err := writer.Run(ctx, p.queue)
		writerDone <- writerResult{st, err}
	}()

	jobs := make(chan int)
	var g errgroup.Group
	g.Go(func() error {
		defer close(jobs)
		for i := 0; i < p.tracker.Len(); i++ {
			select {
			case jobs <- i:
			case <-runCtx.Done():
				return nil
			}
		}
		return nil
	})
	for w := 0; w < req.Workers; w++ {
		g.Go(func() error {
			for i := range jobs {
				if runCtx.Err() != nil {
					continue
				}
				p.runChunk(ctx, i)
			}
			return nil
		})
	}
	_ = g.Wait()

	// All producers are done; the writer drains what is left and returns.
	close(p.queue)
	wr := <-writerDone

	var abortErr error
	notStarted := ErrCancelled
	if cause := context.Cause(runCtx); errors.Is(cause, httpds.ErrAuth) {
		abortErr = fmt.Errorf("fetch: aborted: %w", cause)
		notStarted = fmt.Errorf("%w: aborted after authentication failure", ErrCancelled)
	}
	for _, i := range p.tracker.Pending() {
		res, err := p.tracker.Fail(i, notStarted, 0)
		if err != nil {
			continue
		}
		p.agg.add(res, 0)
		p.notify(res)
	}
	if wr.err != nil && abortErr == nil {
		abortErr = fmt.Errorf("fetch: writer: %w", wr.err)
	}

	synthesized := norm.Synthesized() - synthBefore
	metrics.RecordRow(req.Job, metrics.KindSynthesized, synthesized)

	rep := p.agg.finish(req.Job, p.tracker.Snapshot(), wr.st.Persisted, wr.st.Duplicates(), synthesized, abortErr)
	ev := log.Info()
	if rep.Outcome != OutcomeSucceeded {
		ev = log.Warn().Err(rep.Err)
	}
	ev.Str("job", rep.Job).
		Str("outcome", string(rep.Outcome)).
		Int("succeeded", rep.Succeeded).
		Int("failed", rep.Failed).
		Int64("fetched", rep.RowsFetched).
		Int64("persisted", rep.RowsPersisted).
		Int64("duplicates", rep.Duplicates).
		Int64("skipped", rep.RecordsSkipped).
		Dur("elapsed", rep.Duration().Truncate(time.Millisecond)).
		Msg("fetch: done")
	return rep, rep.Err
}

// pipeline is the state shared by the workers of one Run.
type pipeline struct {
	req     Request
	src     Source
	norm    *normalize.Normalizer
	tracker *chunk.Tracker
	agg     *aggregator
	queue   chan records.Event
	onChunk ChunkFunc
	abort   context.CancelCauseFunc
	log     zerolog.Logger
}

// runChunk fetches chunk i to completion and records its outcome.
func (p *pipeline) runChunk(ctx context.Context, i int) {
	if err := p.tracker.Start(i); err != nil {
		p.log.Error().Err(err).Msg("fetch: chunk start")
		return
	}
	rng := p.tracker.Range(i)
	t0 := time.Now()

	// A started chunk is not interrupted by caller cancellation; each of its
	// attempts is still bounded by the transport's per-attempt timeout.
	st, err := p.src.Stream(context.WithoutCancel(ctx), export.Query{
		From:   rng.From,
		To:     rng.To,
		Events: p.req.Events,
		Where:  p.req.Where,
	}, p.enqueue)
	metrics.RecordChunk(p.req.Job, err, time.Since(t0))

	var (
		res     chunk.Result
		skipped int64
	)
	if err != nil {
		res, _ = p.tracker.Fail(i, err, st.Attempts)
		p.log.Warn().Err(err).
			Stringer("range", rng).
			Int("attempts", st.Attempts).
			Msg("fetch: chunk failed")
		if errors.Is(err, httpds.ErrAuth) {
			p.abort(err)
		}
	} else {
		res, _ = p.tracker.Succeed(i, st.Records, st.Attempts)
		skipped = st.Skipped
		metrics.RecordRow(p.req.Job, metrics.KindFetched, st.Records)
		metrics.RecordRow(p.req.Job, metrics.KindSkipped, st.Skipped)
		p.log.Info().
			Stringer("range", rng).
			Int64("records", st.Records).
			Int64("skipped", st.Skipped).
			Int("attempts", st.Attempts).
			Dur("elapsed", time.Since(t0).Truncate(time.Millisecond)).
			Msg("fetch: chunk done")
	}
	p.agg.add(res, skipped)
	p.notify(res)
}

// enqueue normalizes one record and blocks until the writer has room for
// it. ctx is the transport's attempt context, so a push that outlives the
// attempt deadline fails the attempt and the chunk is re-requested.
func (p *pipeline) enqueue(ctx context.Context, raw records.Raw) error {
	ev, err := p.norm.Normalize(raw)
	if err != nil {
		p.log.Debug().Err(err).Msg("fetch: skipping record")
		return export.ErrSkipRecord
	}
	select {
	case p.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeline) notify(res chunk.Result) {
	if p.onChunk != nil {
		p.onChunk(res)
	}
}
