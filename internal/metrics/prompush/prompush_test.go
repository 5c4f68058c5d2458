package prompush

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"eventsync/internal/metrics"
)

// readCounterValue reads the current value of a Counter for assertions in tests.
func readCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Counter.Write() error = %v", err)
	}
	if m.GetCounter() == nil {
		t.Fatalf("metric did not contain Counter value")
	}
	return m.GetCounter().GetValue()
}

// readSummaryCountSum reads sample count and sum from a SummaryVec.
func readSummaryCountSum(t *testing.T, v *prometheus.SummaryVec, label string) (uint64, float64) {
	t.Helper()

	m := &dto.Metric{}
	metric, ok := v.WithLabelValues(label).(prometheus.Metric)
	if !ok {
		t.Fatalf("SummaryVec.WithLabelValues(...) does not implement prometheus.Metric")
	}
	if err := metric.Write(m); err != nil {
		t.Fatalf("Summary.Write() error = %v", err)
	}
	return m.GetSummary().GetSampleCount(), m.GetSummary().GetSampleSum()
}

// TestNewBackend validates defaults and the required gateway URL.
func TestNewBackend(t *testing.T) {
	t.Parallel()

	if b, err := NewBackend("job", ""); err == nil || b != nil {
		t.Fatalf("NewBackend without URL = (%v, %v), want error", b, err)
	}

	b, err := NewBackend("", "http://pushgateway:9091")
	if err != nil {
		t.Fatalf("NewBackend error = %v", err)
	}
	if b.jobName != "eventsync" {
		t.Fatalf("jobName = %q, want default eventsync", b.jobName)
	}
}

// TestIncCounter verifies that IncCounter routes updates to the matching
// collector and ignores unknown metric names.
func TestIncCounter(t *testing.T) {
	t.Parallel()

	b, err := NewBackend("events", "http://example.com")
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}

	b.IncCounter(metrics.ChunksTotal, 2, metrics.Labels{"status": "success"})
	b.IncCounter(metrics.RecordsTotal, 5, metrics.Labels{"kind": metrics.KindPersisted})
	b.IncCounter(metrics.BatchesTotal, 1, metrics.Labels{"status": "failure"})
	b.IncCounter(metrics.RetriesTotal, 3, metrics.Labels{"reason": "rate_limited"})
	b.IncCounter("unknown_metric", 10, metrics.Labels{"foo": "bar"})

	checks := []struct {
		name string
		c    prometheus.Counter
		want float64
	}{
		{"chunks", b.chunkCounter.WithLabelValues("success"), 2},
		{"records", b.recordCounter.WithLabelValues(metrics.KindPersisted), 5},
		{"batches", b.batchCounter.WithLabelValues("failure"), 1},
		{"retries", b.retryCounter.WithLabelValues("rate_limited"), 3},
		{"untouched", b.batchCounter.WithLabelValues("success"), 0},
	}
	for _, c := range checks {
		if got := readCounterValue(t, c.c); got != c.want {
			t.Fatalf("%s = %v, want %v", c.name, got, c.want)
		}
	}
}

// TestIncCounterNilMetrics ensures a zero Backend does not panic.
func TestIncCounterNilMetrics(t *testing.T) {
	t.Parallel()

	b := &Backend{}
	b.IncCounter(metrics.ChunksTotal, 1, metrics.Labels{"status": "success"})
	b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"kind": "fetched"})
	b.ObserveHistogram(metrics.BatchDurationSeconds, 1, metrics.Labels{"status": "success"})
}

// TestObserveHistogram verifies that durations land in the right summary.
func TestObserveHistogram(t *testing.T) {
	t.Parallel()

	b, err := NewBackend("events", "http://example.com")
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}

	b.ObserveHistogram(metrics.ChunkDurationSeconds, 1.5, metrics.Labels{"status": "success"})
	b.ObserveHistogram(metrics.BatchDurationSeconds, 0.25, metrics.Labels{"status": "success"})
	b.ObserveHistogram("other_metric", 2, metrics.Labels{"status": "success"})

	if n, sum := readSummaryCountSum(t, b.chunkDuration, "success"); n != 1 || sum != 1.5 {
		t.Fatalf("chunk summary = (%d, %v), want (1, 1.5)", n, sum)
	}
	if n, sum := readSummaryCountSum(t, b.batchDuration, "success"); n != 1 || sum != 0.25 {
		t.Fatalf("batch summary = (%d, %v), want (1, 0.25)", n, sum)
	}
}

// TestFlush verifies that Flush pushes the registry to the Pushgateway under
// the job grouping key.
func TestFlush(t *testing.T) {
	t.Parallel()

	type pushRequestInfo struct {
		method string
		path   string
		body   string
	}
	reqCh := make(chan pushRequestInfo, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		body, _ := io.ReadAll(r.Body)
		reqCh <- pushRequestInfo{method: r.Method, path: r.URL.Path, body: string(body)}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	b, err := NewBackend("nightly", server.URL)
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}
	b.IncCounter(metrics.ChunksTotal, 1, metrics.Labels{"status": "success"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	var got pushRequestInfo
	select {
	case got = <-reqCh:
	default:
		t.Fatalf("Flush() did not send any request to the Pushgateway")
	}
	if got.method != http.MethodPut {
		t.Fatalf("method = %s, want PUT", got.method)
	}
	if !strings.Contains(got.path, "/job/nightly") {
		t.Fatalf("path = %q, want job grouping key", got.path)
	}
	if got.body == "" {
		t.Fatalf("push body is empty")
	}
}
