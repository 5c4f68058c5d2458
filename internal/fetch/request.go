package fetch

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"eventsync/internal/datasource/httpds"
	"eventsync/internal/storage"
)

// Request defaults applied by WithDefaults.
const (
	DefaultChunkDays    = 7
	DefaultWorkers      = 4
	DefaultQueueSize    = 10000
	DefaultChunkTimeout = 5 * time.Minute
	DefaultMaxRetries   = 5
)

// Request describes one fetch. It is passed by value and not modified once
// planning begins.
type Request struct {
	// Job labels logs and metrics.
	Job string

	// From and To are inclusive calendar dates (UTC).
	From time.Time
	To   time.Time

	// Events restricts the export to these event names; empty means all.
	Events []string
	// Where is an optional predicate forwarded to the export service.
	Where string

	// Table is the destination table. Append permits writing into an
	// existing table with a compatible schema.
	Table  string
	Append bool

	ChunkDays     int
	Workers       int
	BatchSize     int
	QueueSize     int
	FlushInterval time.Duration

	// ChunkTimeout, MaxRetries and Backoff are transport settings. Run does
	// not read them; they take effect only through the httpds.Client built
	// from TransportConfig and handed to the Source.
	//
	// ChunkTimeout bounds a single attempt of a chunk request. A chunk makes
	// at most MaxRetries+1 attempts; zero disables retries.
	ChunkTimeout time.Duration
	MaxRetries   int
	Backoff      httpds.Backoff
}

// WithDefaults returns r with zero-valued tuning fields filled in.
func (r Request) WithDefaults() Request {
	if r.Job == "" {
		r.Job = "eventsync"
	}
	if r.ChunkDays == 0 {
		r.ChunkDays = DefaultChunkDays
	}
	if r.Workers == 0 {
		r.Workers = DefaultWorkers
	}
	if r.BatchSize == 0 {
		r.BatchSize = storage.DefaultBatchSize
	}
	if r.QueueSize == 0 {
		r.QueueSize = DefaultQueueSize
	}
	if r.FlushInterval == 0 {
		r.FlushInterval = storage.DefaultFlushInterval
	}
	if r.ChunkTimeout == 0 {
		r.ChunkTimeout = DefaultChunkTimeout
	}
	if r.Backoff.IsZero() {
		r.Backoff = httpds.DefaultBackoff
	}
	return r
}

// TransportConfig returns the httpds settings that implement r's retry
// policy. Callers add transport-level fields such as TLS and hooks.
func (r Request) TransportConfig() httpds.Config {
	return httpds.Config{
		AttemptTimeout: r.ChunkTimeout,
		MaxRetries:     r.MaxRetries,
		Backoff:        r.Backoff,
	}
}

// Validate reports problems that make r unusable.
func (r Request) Validate() error {
	var errs []error
	if r.From.IsZero() || r.To.IsZero() {
		errs = append(errs, errors.New("from and to are required"))
	}
	if strings.TrimSpace(r.Table) == "" {
		errs = append(errs, errors.New("table is required"))
	}
	for i, e := range r.Events {
		if strings.TrimSpace(e) == "" {
			errs = append(errs, fmt.Errorf("events[%d] is empty", i))
		}
	}
	for name, v := range map[string]int{
		"chunk_days": r.ChunkDays,
		"workers":    r.Workers,
		"batch_size": r.BatchSize,
		"queue_size": r.QueueSize,
	} {
		if v < 1 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	if r.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must not be negative, got %d", r.MaxRetries))
	}
	if r.FlushInterval <= 0 || r.ChunkTimeout <= 0 {
		errs = append(errs, errors.New("flush_interval and chunk_timeout must be positive"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidRequest, errors.Join(errs...))
}
