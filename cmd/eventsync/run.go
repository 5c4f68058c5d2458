package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"eventsync/internal/chunk"
	"eventsync/internal/config"
	"eventsync/internal/datasource/httpds"
	"eventsync/internal/export"
	"eventsync/internal/fetch"
	"eventsync/internal/metrics"
	"eventsync/internal/metrics/datadog"
	"eventsync/internal/metrics/prompush"
	"eventsync/internal/normalize"
	"eventsync/internal/storage"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailed  = 1
	exitPartial = 3
)

// options holds the command-line flags. Flags override the job file.
type options struct {
	configPath     string
	from, to       string
	events         []string
	where          string
	table          string
	appendTable    bool
	workers        int
	batchSize      int
	validate       bool
	metricsBackend string
	logFormat      string
	verbose        bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := pflag.NewFlagSet("eventsync", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVarP(&o.configPath, "config", "c", "", "job file (.json, .yaml or .yml) (required)")
	fs.StringVar(&o.from, "from", "", "first day to fetch, YYYY-MM-DD (overrides fetch.from)")
	fs.StringVar(&o.to, "to", "", "last day to fetch, YYYY-MM-DD (overrides fetch.to)")
	fs.StringSliceVar(&o.events, "events", nil, "event names to fetch (overrides fetch.events)")
	fs.StringVar(&o.where, "where", "", "export predicate (overrides fetch.where)")
	fs.StringVar(&o.table, "table", "", "destination table (overrides storage.table)")
	fs.BoolVar(&o.appendTable, "append", false, "allow writing into an existing table")
	fs.IntVar(&o.workers, "workers", 0, "parallel chunk fetches (overrides fetch.workers)")
	fs.IntVar(&o.batchSize, "batch-size", 0, "rows per commit (overrides fetch.batch_size)")
	fs.BoolVar(&o.validate, "validate", false, "validate the job file and exit")
	fs.StringVar(&o.metricsBackend, "metrics-backend", "", "metrics backend: none, prometheus or datadog (overrides metrics.backend)")
	fs.StringVar(&o.logFormat, "log-format", "console", "log format: console or json")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "enable debug logs")

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.configPath == "" {
		return o, errors.New("--config is required")
	}
	return o, nil
}

// run is main without the process: it returns the exit code.
func run(ctx context.Context, args []string, getenv func(string) string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "eventsync: %v\n", err)
		return exitFailed
	}
	log := newLogger(stderr, opts.logFormat, opts.verbose)

	job, err := config.Load(opts.configPath)
	if err != nil {
		log.Error().Err(err).Msg("config: load failed")
		return exitFailed
	}
	applyFlags(&job, opts)
	applyEnv(&job, getenv)

	issues := config.ValidateJob(job)
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		log.Error().Str("config", opts.configPath).Msg("config: invalid")
		return exitFailed
	}
	if opts.validate {
		log.Info().Str("config", opts.configPath).Msg("config: valid")
		return exitOK
	}

	req, err := buildRequest(job)
	if err != nil {
		log.Error().Err(err).Msg("config: invalid request")
		return exitFailed
	}
	secret := resolveSecret(job.Source, getenv)
	if secret == "" {
		log.Error().Msg("config: no API secret; set source.api_secret_env or EVENTSYNC_API_SECRET")
		return exitFailed
	}

	flush, err := setupMetrics(job, log)
	if err != nil {
		log.Warn().Err(err).Msg("metrics: init failed; metrics disabled")
	}
	defer flush()

	tc := req.TransportConfig()
	tc.InsecureSkipVerify = job.Source.InsecureSkipVerify
	tc.Logger = log
	tc.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.RecordRetry(req.Job, retryReason(err))
	}
	src, err := export.NewClient(export.Config{
		BaseURL:   job.Source.BaseURL,
		APISecret: secret,
		ProjectID: job.Source.ProjectID,
		Logger:    log,
	}, httpds.NewClient(tc))
	if err != nil {
		log.Error().Err(err).Msg("export: client")
		return exitFailed
	}

	repo, err := storage.New(ctx, storage.Config{
		Kind:    job.Storage.Kind,
		DSN:     job.Storage.DSN,
		Options: job.Storage.Options,
	})
	if err != nil {
		log.Error().Err(err).Str("kind", job.Storage.Kind).Msg("storage: open failed")
		return exitFailed
	}
	defer repo.Close()

	prog := &progress{w: stderr, total: chunkCount(req)}
	rep, err := fetch.Run(ctx, req, fetch.Deps{
		Source:     src,
		Repo:       repo,
		Normalizer: normalize.New(log),
		Logger:     log,
		Progress:   prog.onCommit,
		OnChunk:    prog.onChunk,
	})
	if err != nil && fetch.IsStructural(err) {
		log.Error().Err(err).Msg("fetch: not started")
	}

	if werr := writeReport(stdout, rep); werr != nil {
		log.Error().Err(werr).Msg("report: write failed")
	}
	return exitCode(rep.Outcome)
}

func newLogger(w io.Writer, format string, verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	if format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func applyFlags(job *config.Job, o options) {
	if o.from != "" {
		job.Fetch.From = o.from
	}
	if o.to != "" {
		job.Fetch.To = o.to
	}
	if len(o.events) > 0 {
		job.Fetch.Events = o.events
	}
	if o.where != "" {
		job.Fetch.Where = o.where
	}
	if o.table != "" {
		job.Storage.Table = o.table
	}
	if o.appendTable {
		job.Storage.Append = true
	}
	job.Fetch.Workers = pickInt(o.workers, job.Fetch.Workers)
	job.Fetch.BatchSize = pickInt(o.batchSize, job.Fetch.BatchSize)
	if o.metricsBackend != "" {
		job.Metrics.Backend = o.metricsBackend
	}
}

// applyEnv fills tuning values the job file left unset from EVENTSYNC_*
// variables.
func applyEnv(job *config.Job, getenv func(string) string) {
	f := &job.Fetch
	f.Workers = pickInt(f.Workers, getenvInt(getenv, "EVENTSYNC_WORKERS", 0))
	f.BatchSize = pickInt(f.BatchSize, getenvInt(getenv, "EVENTSYNC_BATCH_SIZE", 0))
	f.QueueSize = pickInt(f.QueueSize, getenvInt(getenv, "EVENTSYNC_QUEUE_SIZE", 0))
	f.ChunkDays = pickInt(f.ChunkDays, getenvInt(getenv, "EVENTSYNC_CHUNK_DAYS", 0))
	if f.MaxRetries == nil {
		if n := getenvInt(getenv, "EVENTSYNC_MAX_RETRIES", -1); n >= 0 {
			f.MaxRetries = &n
		}
	}

	if job.Metrics.Backend == "" {
		job.Metrics.Backend = getenv("EVENTSYNC_METRICS_BACKEND")
	}
	if job.Metrics.PushgatewayURL == "" {
		job.Metrics.PushgatewayURL = getenv("PUSHGATEWAY_URL")
	}
	if job.Metrics.DatadogAddr == "" {
		job.Metrics.DatadogAddr = getenv("DD_DOGSTATSD_ADDR")
	}
}

// resolveSecret prefers the inline secret, then the named variable, then
// EVENTSYNC_API_SECRET.
func resolveSecret(s config.Source, getenv func(string) string) string {
	if s.APISecret != "" {
		return s.APISecret
	}
	if s.APISecretEnv != "" {
		if v := getenv(s.APISecretEnv); v != "" {
			return v
		}
	}
	return getenv("EVENTSYNC_API_SECRET")
}

// buildRequest converts a validated job into a fetch.Request.
func buildRequest(job config.Job) (fetch.Request, error) {
	from, err := chunk.ParseDay(job.Fetch.From)
	if err != nil {
		return fetch.Request{}, fmt.Errorf("fetch.from: %w", err)
	}
	to, err := chunk.ParseDay(job.Fetch.To)
	if err != nil {
		return fetch.Request{}, fmt.Errorf("fetch.to: %w", err)
	}
	table, err := storage.NormalizeTableName(job.Storage.Table)
	if err != nil {
		return fetch.Request{}, fmt.Errorf("storage.table: %w", err)
	}

	backoff := httpds.DefaultBackoff
	if d := job.Fetch.BaseBackoff.D(); d > 0 {
		backoff.Base = d
	}
	if d := job.Fetch.MaxBackoff.D(); d > 0 {
		backoff.Max = d
	}
	if job.Fetch.Jitter > 0 {
		backoff.JitterFraction = job.Fetch.Jitter
	}

	maxRetries := fetch.DefaultMaxRetries
	if job.Fetch.MaxRetries != nil {
		maxRetries = *job.Fetch.MaxRetries
	}

	req := fetch.Request{
		Job:           job.Job,
		From:          from,
		To:            to,
		Events:        job.Fetch.Events,
		Where:         job.Fetch.Where,
		Table:         table,
		Append:        job.Storage.Append,
		ChunkDays:     job.Fetch.ChunkDays,
		Workers:       job.Fetch.Workers,
		BatchSize:     job.Fetch.BatchSize,
		QueueSize:     job.Fetch.QueueSize,
		FlushInterval: job.Fetch.FlushInterval.D(),
		ChunkTimeout:  job.Fetch.ChunkTimeout.D(),
		MaxRetries:    maxRetries,
		Backoff:       backoff,
	}
	return req.WithDefaults(), nil
}

// setupMetrics installs the configured backend and returns a function that
// flushes it. The returned function is never nil.
func setupMetrics(job config.Job, log zerolog.Logger) (func(), error) {
	nop := func() {}
	var (
		b   metrics.Backend
		err error
	)
	switch job.Metrics.Backend {
	case "", "none":
		log.Debug().Msg("metrics: disabled")
		return nop, nil
	case "prometheus", "prom", "pushgateway":
		b, err = prompush.NewBackend(job.Job, job.Metrics.PushgatewayURL)
	case "datadog", "dd":
		b, err = datadog.NewBackend(datadog.Config{
			Addr:       job.Metrics.DatadogAddr,
			GlobalTags: job.Metrics.Tags,
		})
	default:
		return nop, fmt.Errorf("unknown metrics backend %q", job.Metrics.Backend)
	}
	if err != nil {
		return nop, err
	}
	metrics.SetBackend(b)
	log.Info().Str("backend", job.Metrics.Backend).Str("job", job.Job).Msg("metrics: enabled")
	return func() {
		if err := metrics.Flush(); err != nil {
			log.Warn().Err(err).Msg("metrics: flush error")
		}
	}, nil
}

// retryReason classifies a retried error for the retries metric.
func retryReason(err error) string {
	var se *httpds.StatusError
	switch {
	case errors.Is(err, httpds.ErrRateLimited):
		return "rate_limited"
	case errors.As(err, &se):
		return "server_error"
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(err.Error(), "attempt timeout"):
		return "timeout"
	default:
		return "connection"
	}
}

func chunkCount(req fetch.Request) int {
	plan, err := chunk.Plan(req.From, req.To, req.ChunkDays)
	if err != nil {
		return 0
	}
	return len(plan)
}

// progress prints one line per finished chunk and per commit. Workers and
// the writer call it concurrently.
type progress struct {
	mu    sync.Mutex
	w     io.Writer
	total int
	done  int
}

func (p *progress) onChunk(r chunk.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done++
	status := "ok"
	if !r.OK {
		status = "FAILED: " + r.Err.Error()
	}
	fmt.Fprintf(p.w, "[%d/%d] %s %s rows=%s attempts=%d\n",
		p.done, p.total, r.Range, status, humanize.Comma(r.Rows), r.Attempts)
}

func (p *progress) onCommit(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "persisted %s rows\n", humanize.Comma(n))
}

// reportJSON is the stdout form of fetch.Report.
type reportJSON struct {
	Job             string        `json:"job"`
	Outcome         fetch.Outcome `json:"outcome"`
	Chunks          int           `json:"chunks"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	FailedRanges    []string      `json:"failed_ranges"`
	RowsFetched     int64         `json:"rows_fetched"`
	RowsPersisted   int64         `json:"rows_persisted"`
	Duplicates      int64         `json:"duplicates"`
	RecordsSkipped  int64         `json:"records_skipped"`
	KeysSynthesized int64         `json:"keys_synthesized"`
	Started         time.Time     `json:"started"`
	Finished        time.Time     `json:"finished"`
	Elapsed         string        `json:"elapsed"`
	Error           string        `json:"error,omitempty"`
}

func writeReport(w io.Writer, rep fetch.Report) error {
	out := reportJSON{
		Job:             rep.Job,
		Outcome:         rep.Outcome,
		Chunks:          rep.TotalChunks,
		Succeeded:       rep.Succeeded,
		Failed:          rep.Failed,
		FailedRanges:    make([]string, 0, len(rep.FailedRanges)),
		RowsFetched:     rep.RowsFetched,
		RowsPersisted:   rep.RowsPersisted,
		Duplicates:      rep.Duplicates,
		RecordsSkipped:  rep.RecordsSkipped,
		KeysSynthesized: rep.KeysSynthesized,
		Started:         rep.Started,
		Finished:        rep.Finished,
		Elapsed:         rep.Duration().Truncate(time.Millisecond).String(),
	}
	for _, r := range rep.FailedRanges {
		out.FailedRanges = append(out.FailedRanges, r.String())
	}
	if rep.Err != nil {
		out.Error = rep.Err.Error()
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}

func exitCode(o fetch.Outcome) int {
	switch o {
	case fetch.OutcomeSucceeded:
		return exitOK
	case fetch.OutcomePartial:
		return exitPartial
	default:
		return exitFailed
	}
}

// getenvInt reads an int from the environment, returning def when unset or
// invalid.
func getenvInt(getenv func(string) string, k string, def int) int {
	if s := getenv(k); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return def
}

// pickInt chooses the first positive value a, otherwise returns b.
func pickInt(a, b int) int {
	if a > 0 {
		return a
	}
	return b
}
