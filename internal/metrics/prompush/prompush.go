// Package prompush implements a Prometheus Pushgateway backend for the
// metrics package.
//
// A fetch run is a batch job, not a long-lived server, so metrics are pushed
// to a Pushgateway at the end of the run instead of being exposed on a scrape
// endpoint. The job name is used as the Pushgateway grouping key.
package prompush

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"eventsync/internal/metrics"
)

// Backend is a Prometheus Pushgateway metrics backend.
type Backend struct {
	gatewayURL string // e.g. http://pushgateway:9091
	jobName    string // Pushgateway "job" group
	reg        *prometheus.Registry

	chunkCounter  *prometheus.CounterVec // eventsync_chunks_total{status}
	chunkDuration *prometheus.SummaryVec // eventsync_chunk_duration_seconds{status}
	recordCounter *prometheus.CounterVec // eventsync_records_total{kind}
	batchCounter  *prometheus.CounterVec // eventsync_batches_total{status}
	batchDuration *prometheus.SummaryVec // eventsync_batch_duration_seconds{status}
	retryCounter  *prometheus.CounterVec // eventsync_retries_total{reason}
}

var objectives = map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001}

// NewBackend constructs a Prometheus Pushgateway backend.
// jobName: the Pushgateway "job" name (often same as the fetch job).
// gatewayURL: base URL of the Pushgateway server.
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "eventsync"
	}

	b := &Backend{
		gatewayURL: gatewayURL,
		jobName:    jobName,
		reg:        prometheus.NewRegistry(),
		chunkCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.ChunksTotal,
			Help: "Finished chunks, partitioned by status.",
		}, []string{"status"}),
		chunkDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       metrics.ChunkDurationSeconds,
			Help:       "Wall time per chunk including retries, in seconds.",
			Objectives: objectives,
		}, []string{"status"}),
		recordCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RecordsTotal,
			Help: "Record-level counts per kind (fetched, skipped, persisted, duplicates, synthesized_keys).",
		}, []string{"kind"}),
		batchCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.BatchesTotal,
			Help: "Writer commits, partitioned by status.",
		}, []string{"status"}),
		batchDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       metrics.BatchDurationSeconds,
			Help:       "Duration of writer commits in seconds.",
			Objectives: objectives,
		}, []string{"status"}),
		retryCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RetriesTotal,
			Help: "Transport retries, partitioned by reason.",
		}, []string{"reason"}),
	}

	for name, c := range map[string]prometheus.Collector{
		"chunk counter":  b.chunkCounter,
		"chunk summary":  b.chunkDuration,
		"record counter": b.recordCounter,
		"batch counter":  b.batchCounter,
		"batch summary":  b.batchDuration,
		"retry counter":  b.retryCounter,
	} {
		if err := b.reg.Register(c); err != nil {
			return nil, fmt.Errorf("prompush: register %s: %w", name, err)
		}
	}
	return b, nil
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	var (
		vec   *prometheus.CounterVec
		label string
	)
	switch name {
	case metrics.ChunksTotal:
		vec, label = b.chunkCounter, labels["status"]
	case metrics.RecordsTotal:
		vec, label = b.recordCounter, labels["kind"]
	case metrics.BatchesTotal:
		vec, label = b.batchCounter, labels["status"]
	case metrics.RetriesTotal:
		vec, label = b.retryCounter, labels["reason"]
	default:
		// unknown metric name: ignore
		return
	}
	if vec == nil {
		return
	}
	vec.WithLabelValues(label).Add(delta)
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	var vec *prometheus.SummaryVec
	switch name {
	case metrics.ChunkDurationSeconds:
		vec = b.chunkDuration
	case metrics.BatchDurationSeconds:
		vec = b.batchDuration
	}
	if vec == nil {
		return
	}
	vec.WithLabelValues(labels["status"]).Observe(value)
}

// Flush pushes the current registry to the Pushgateway.
func (b *Backend) Flush() error {
	return push.New(b.gatewayURL, b.jobName).
		Gatherer(b.reg).
		Push()
}
