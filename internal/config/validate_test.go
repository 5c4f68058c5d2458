package config

import (
	"strings"
	"testing"
	"time"
)

// hasIssue reports whether issues contains an Issue with the given severity,
// path, and a Message containing msgSubstr.
func hasIssue(t *testing.T, issues []Issue, sev IssueSeverity, path, msgSubstr string) bool {
	t.Helper()
	for _, iss := range issues {
		if iss.Severity == sev && iss.Path == path && strings.Contains(iss.Message, msgSubstr) {
			return true
		}
	}
	return false
}

func validJob() Job {
	return Job{
		Job:     "nightly",
		Source:  Source{BaseURL: "https://data.example.com/api/2.0", APISecretEnv: "S"},
		Fetch:   Fetch{From: "2024-01-01", To: "2024-01-21"},
		Storage: Storage{Kind: "sqlite", DSN: "file:x.db", Table: "events"},
	}
}

// TestValidateJob_ValidMinimal verifies that a minimal job produces no issues.
func TestValidateJob_ValidMinimal(t *testing.T) {
	t.Parallel()

	if issues := ValidateJob(validJob()); len(issues) != 0 {
		t.Fatalf("expected no issues, got %+v", issues)
	}
}

// TestValidateJob_Findings checks one mutation per case against the expected
// finding.
func TestValidateJob_Findings(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Job)
		sev    IssueSeverity
		path   string
		substr string
	}{
		{"missing job", func(j *Job) { j.Job = " " }, SeverityError, "job", "must not be empty"},
		{"relative url", func(j *Job) { j.Source.BaseURL = "/export" }, SeverityError, "source.base_url", "not an absolute URL"},
		{"inline secret", func(j *Job) { j.Source.APISecret = "x" }, SeverityWarning, "source.api_secret", "prefer api_secret_env"},
		{"no secret", func(j *Job) { j.Source.APISecretEnv = "" }, SeverityWarning, "source.api_secret_env", "EVENTSYNC_API_SECRET"},
		{"bad from", func(j *Job) { j.Fetch.From = "01/01/2024" }, SeverityError, "fetch.from", "YYYY-MM-DD"},
		{"missing to", func(j *Job) { j.Fetch.To = "" }, SeverityError, "fetch.to", "required"},
		{"inverted range", func(j *Job) { j.Fetch.From = "2024-02-01" }, SeverityError, "fetch.to", "before from"},
		{"empty event", func(j *Job) { j.Fetch.Events = []string{"ok", ""} }, SeverityError, "fetch.events[1]", "must not be empty"},
		{"negative workers", func(j *Job) { j.Fetch.Workers = -1 }, SeverityError, "fetch.workers", "negative"},
		{"negative retries", func(j *Job) {
			n := -1
			j.Fetch.MaxRetries = &n
		}, SeverityError, "fetch.max_retries", "negative"},
		{"negative timeout", func(j *Job) { j.Fetch.ChunkTimeout = Duration(-time.Second) }, SeverityError, "fetch.chunk_timeout", "negative"},
		{"jitter range", func(j *Job) { j.Fetch.Jitter = 1.5 }, SeverityError, "fetch.jitter", "[0, 1]"},
		{"backoff order", func(j *Job) {
			j.Fetch.BaseBackoff = Duration(time.Minute)
			j.Fetch.MaxBackoff = Duration(time.Second)
		}, SeverityWarning, "fetch.max_backoff", "below base_backoff"},
		{"small queue", func(j *Job) {
			j.Fetch.QueueSize = 10
			j.Fetch.BatchSize = 100
		}, SeverityWarning, "fetch.queue_size", "smaller than batch_size"},
		{"unknown storage", func(j *Job) { j.Storage.Kind = "oracle" }, SeverityError, "storage.kind", "unknown storage kind"},
		{"no table", func(j *Job) { j.Storage.Table = "" }, SeverityError, "storage.table", "must not be empty"},
		{"prometheus without url", func(j *Job) { j.Metrics.Backend = "prometheus" }, SeverityError, "metrics.pushgateway_url", "requires"},
		{"datadog without addr", func(j *Job) { j.Metrics.Backend = "datadog" }, SeverityError, "metrics.datadog_addr", "requires"},
		{"unknown metrics", func(j *Job) { j.Metrics.Backend = "graphite" }, SeverityError, "metrics.backend", "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			j := validJob()
			tc.mutate(&j)
			issues := ValidateJob(j)
			if !hasIssue(t, issues, tc.sev, tc.path, tc.substr) {
				t.Fatalf("expected %s at %s containing %q; got %+v", tc.sev, tc.path, tc.substr, issues)
			}
		})
	}
}

func TestHasErrors(t *testing.T) {
	t.Parallel()

	if HasErrors([]Issue{{Severity: SeverityWarning}}) {
		t.Fatal("warnings only should not count as errors")
	}
	if !HasErrors([]Issue{{Severity: SeverityWarning}, {Severity: SeverityError}}) {
		t.Fatal("expected HasErrors")
	}
}
