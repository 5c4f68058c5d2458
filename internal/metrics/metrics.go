// Package metrics provides a small, backend-agnostic abstraction for recording
// operational metrics from the fetch pipeline.
//
// The package is intentionally minimal:
//
//   - It exposes a narrow interface (Backend) focused on counters and timing
//     data (histograms).
//   - It provides a global, pluggable backend that defaults to a no-op
//     implementation, so metrics are always safe to call even when no real
//     backend is configured.
//   - Concrete metric systems live in subpackages (prompush, datadog) so the
//     rest of the code depends only on this package.
package metrics

import (
	"sync/atomic"
	"time"
)

// Metric names shared by every backend.
const (
	ChunksTotal          = "eventsync_chunks_total"
	ChunkDurationSeconds = "eventsync_chunk_duration_seconds"
	RecordsTotal         = "eventsync_records_total"
	BatchesTotal         = "eventsync_batches_total"
	BatchDurationSeconds = "eventsync_batch_duration_seconds"
	RetriesTotal         = "eventsync_retries_total"
)

// Record kinds used with RecordRow.
const (
	KindFetched     = "fetched"
	KindSkipped     = "skipped"
	KindSynthesized = "synthesized_keys"
	KindPersisted   = "persisted"
	KindDuplicates  = "duplicates"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a latency/duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it (e.g. Pushgateway).
	Flush() error
}

// nopBackend is used by default so metrics are optional.
type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

type holder struct{ Backend }

var current atomic.Pointer[holder]

func init() {
	current.Store(&holder{nopBackend{}})
}

func backend() Backend { return current.Load().Backend }

// SetBackend installs a concrete backend and returns the previous one.
// Passing nil keeps the existing backend.
func SetBackend(b Backend) Backend {
	prev := backend()
	if b != nil {
		current.Store(&holder{b})
	}
	return prev
}

// Flush delegates to the current backend.
func Flush() error {
	return backend().Flush()
}

func status(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// RecordChunk counts one finished chunk and observes how long it took.
func RecordChunk(job string, err error, d time.Duration) {
	lbls := Labels{"job": job, "status": status(err)}
	b := backend()
	b.IncCounter(ChunksTotal, 1, lbls)
	b.ObserveHistogram(ChunkDurationSeconds, d.Seconds(), lbls)
}

// RecordRow increments a record-level counter for the given job and kind
// (see the Kind constants).
func RecordRow(job, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	backend().IncCounter(RecordsTotal, float64(delta), Labels{
		"job":  job,
		"kind": kind,
	})
}

// RecordBatch counts one writer commit and observes its duration.
func RecordBatch(job string, err error, d time.Duration) {
	lbls := Labels{"job": job, "status": status(err)}
	b := backend()
	b.IncCounter(BatchesTotal, 1, lbls)
	b.ObserveHistogram(BatchDurationSeconds, d.Seconds(), lbls)
}

// RecordRetry counts one transport retry. reason is a short classification
// such as "rate_limited", "server_error" or "connection".
func RecordRetry(job, reason string) {
	backend().IncCounter(RetriesTotal, 1, Labels{"job": job, "reason": reason})
}
