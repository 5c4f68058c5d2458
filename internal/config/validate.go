package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a finding that should be surfaced to users but
	// does not block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation finding for a Job.
//
// Path is a dotted path into the config (e.g. "fetch.chunk_days").
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue has SeverityError.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

const dateLayout = "2006-01-02"

// KnownStorageKinds lists the built-in storage backends.
var KnownStorageKinds = []string{"duckdb", "sqlite", "postgres", "mssql", "mysql"}

// ValidateJob performs static validation of a Job. It does not mutate the job
// and does not consult the environment; a missing secret is only a warning
// because the command can still find one in EVENTSYNC_API_SECRET.
func ValidateJob(j Job) []Issue {
	var issues []Issue
	add := func(sev IssueSeverity, path, format string, args ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(j.Job) == "" {
		add(SeverityError, "job", "job must not be empty; it is used for metrics labeling and identifying runs")
	}

	// source
	if j.Source.BaseURL == "" {
		add(SeverityError, "source.base_url", "source.base_url must not be empty")
	} else if u, err := url.Parse(j.Source.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		add(SeverityError, "source.base_url", "source.base_url %q is not an absolute URL", j.Source.BaseURL)
	}
	if j.Source.APISecret != "" {
		add(SeverityWarning, "source.api_secret", "inline secret found; prefer api_secret_env")
	} else if j.Source.APISecretEnv == "" {
		add(SeverityWarning, "source.api_secret_env", "no secret configured; EVENTSYNC_API_SECRET will be used")
	}
	if j.Source.InsecureSkipVerify {
		add(SeverityWarning, "source.insecure_skip_verify", "TLS certificate verification is disabled")
	}

	issues = append(issues, validateFetch(j.Fetch)...)
	issues = append(issues, validateStorage(j.Storage)...)
	issues = append(issues, validateMetrics(j.Metrics)...)
	return issues
}

func validateFetch(f Fetch) []Issue {
	var issues []Issue
	add := func(sev IssueSeverity, path, format string, args ...any) {
		issues = append(issues, Issue{Severity: sev, Path: "fetch." + path, Message: fmt.Sprintf(format, args...)})
	}

	var from, to time.Time
	var err error
	if f.From == "" {
		add(SeverityError, "from", "from date is required")
	} else if from, err = time.Parse(dateLayout, f.From); err != nil {
		add(SeverityError, "from", "from %q is not a YYYY-MM-DD date", f.From)
	}
	if f.To == "" {
		add(SeverityError, "to", "to date is required")
	} else if to, err = time.Parse(dateLayout, f.To); err != nil {
		add(SeverityError, "to", "to %q is not a YYYY-MM-DD date", f.To)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		add(SeverityError, "to", "to %s is before from %s", f.To, f.From)
	}

	for i, e := range f.Events {
		if strings.TrimSpace(e) == "" {
			add(SeverityError, fmt.Sprintf("events[%d]", i), "event name must not be empty")
		}
	}

	for _, c := range []struct {
		name string
		v    int
	}{
		{"chunk_days", f.ChunkDays},
		{"workers", f.Workers},
		{"batch_size", f.BatchSize},
		{"queue_size", f.QueueSize},
	} {
		if c.v < 0 {
			add(SeverityError, c.name, "%s must not be negative, got %d", c.name, c.v)
		}
	}
	if f.MaxRetries != nil && *f.MaxRetries < 0 {
		add(SeverityError, "max_retries", "max_retries must not be negative, got %d", *f.MaxRetries)
	}
	for _, c := range []struct {
		name string
		v    Duration
	}{
		{"flush_interval", f.FlushInterval},
		{"chunk_timeout", f.ChunkTimeout},
		{"base_backoff", f.BaseBackoff},
		{"max_backoff", f.MaxBackoff},
	} {
		if c.v < 0 {
			add(SeverityError, c.name, "%s must not be negative, got %s", c.name, c.v)
		}
	}
	if f.Jitter < 0 || f.Jitter > 1 {
		add(SeverityError, "jitter", "jitter must be within [0, 1], got %v", f.Jitter)
	}
	if f.MaxBackoff > 0 && f.BaseBackoff > f.MaxBackoff {
		add(SeverityWarning, "max_backoff", "max_backoff %s is below base_backoff %s; waits will be capped", f.MaxBackoff, f.BaseBackoff)
	}
	if f.QueueSize > 0 && f.BatchSize > f.QueueSize {
		add(SeverityWarning, "queue_size", "queue_size %d is smaller than batch_size %d; workers will stall on every commit", f.QueueSize, f.BatchSize)
	}
	return issues
}

func validateStorage(s Storage) []Issue {
	var issues []Issue

	if strings.TrimSpace(s.Kind) == "" {
		issues = append(issues, Issue{SeverityError, "storage.kind", "storage.kind must not be empty"})
	} else if !contains(KnownStorageKinds, s.Kind) {
		issues = append(issues, Issue{SeverityError, "storage.kind",
			fmt.Sprintf("unknown storage kind %q; expected one of %s", s.Kind, strings.Join(KnownStorageKinds, ", "))})
	}
	if strings.TrimSpace(s.DSN) == "" {
		issues = append(issues, Issue{SeverityError, "storage.dsn", "storage.dsn must not be empty"})
	}
	if strings.TrimSpace(s.Table) == "" {
		issues = append(issues, Issue{SeverityError, "storage.table", "storage.table must not be empty"})
	}
	return issues
}

func validateMetrics(m Metrics) []Issue {
	var issues []Issue
	switch m.Backend {
	case "", "none":
	case "prometheus", "prom", "pushgateway":
		if m.PushgatewayURL == "" {
			issues = append(issues, Issue{SeverityError, "metrics.pushgateway_url", "prometheus backend requires pushgateway_url"})
		}
	case "datadog", "dd":
		if m.DatadogAddr == "" {
			issues = append(issues, Issue{SeverityError, "metrics.datadog_addr", "datadog backend requires datadog_addr"})
		}
	default:
		issues = append(issues, Issue{SeverityError, "metrics.backend",
			fmt.Sprintf("unknown metrics backend %q; expected none, prometheus or datadog", m.Backend)})
	}
	return issues
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
