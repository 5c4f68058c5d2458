// Package config defines the job file model for eventsync. A job file
// describes one extraction: where to fetch from, which dates and events, how
// to parallelise, where to store the result and where to send metrics.
//
// Job files are JSON or YAML with the same field names:
//
//	job: nightly-signups
//	source:
//	  base_url: https://data.example.com/api/2.0
//	  api_secret_env: EXPORT_API_SECRET
//	fetch:
//	  from: 2024-01-01
//	  to: 2024-01-21
//	  events: [Signed Up]
//	  chunk_days: 7
//	  workers: 2
//	storage:
//	  kind: duckdb
//	  dsn: events.duckdb
//	  table: signups
//	metrics:
//	  backend: none
//
// Zero values mean "use the default"; defaults are applied by the consumers,
// not here, so a decoded Job always reflects exactly what the file said.
package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Job is the top-level object decoded from a job file.
type Job struct {
	// Job names the run; it labels metrics and log lines.
	Job string `json:"job" yaml:"job"`

	Source  Source  `json:"source" yaml:"source"`
	Fetch   Fetch   `json:"fetch" yaml:"fetch"`
	Storage Storage `json:"storage" yaml:"storage"`
	Metrics Metrics `json:"metrics" yaml:"metrics"`
}

// Source describes the remote export service.
type Source struct {
	BaseURL string `json:"base_url" yaml:"base_url"`

	// APISecretEnv names the environment variable holding the API secret.
	APISecretEnv string `json:"api_secret_env" yaml:"api_secret_env"`

	// APISecret may hold the secret inline. Prefer APISecretEnv.
	APISecret string `json:"api_secret" yaml:"api_secret"`

	ProjectID          string `json:"project_id" yaml:"project_id"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// Fetch controls what is fetched and how the work is parallelised.
type Fetch struct {
	// From and To are inclusive calendar dates (YYYY-MM-DD).
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`

	Events []string `json:"events" yaml:"events"`
	Where  string   `json:"where" yaml:"where"`

	ChunkDays     int      `json:"chunk_days" yaml:"chunk_days"`
	Workers       int      `json:"workers" yaml:"workers"`
	BatchSize     int      `json:"batch_size" yaml:"batch_size"`
	QueueSize     int      `json:"queue_size" yaml:"queue_size"`
	FlushInterval Duration `json:"flush_interval" yaml:"flush_interval"`

	// ChunkTimeout bounds a single request attempt for one chunk.
	ChunkTimeout Duration `json:"chunk_timeout" yaml:"chunk_timeout"`

	// MaxRetries is nil when unset; an explicit 0 disables retries.
	MaxRetries  *int     `json:"max_retries" yaml:"max_retries"`
	BaseBackoff Duration `json:"base_backoff" yaml:"base_backoff"`
	MaxBackoff  Duration `json:"max_backoff" yaml:"max_backoff"`
	Jitter      float64  `json:"jitter" yaml:"jitter"`
}

// Storage selects the destination store.
type Storage struct {
	// Kind selects the backend: duckdb, sqlite, postgres, mssql or mysql.
	Kind  string `json:"kind" yaml:"kind"`
	DSN   string `json:"dsn" yaml:"dsn"`
	Table string `json:"table" yaml:"table"`

	// Append allows writing into a table that already exists.
	Append bool `json:"append" yaml:"append"`

	// Options is a backend-specific bag, e.g. {"threads": 4} for duckdb.
	Options Options `json:"options" yaml:"options"`
}

// Metrics selects the metrics backend.
type Metrics struct {
	// Backend is "none" (default), "prometheus" or "datadog".
	Backend        string   `json:"backend" yaml:"backend"`
	PushgatewayURL string   `json:"pushgateway_url" yaml:"pushgateway_url"`
	DatadogAddr    string   `json:"datadog_addr" yaml:"datadog_addr"`
	Tags           []string `json:"tags" yaml:"tags"`
}

// Duration is a time.Duration that decodes from a Go duration string ("90s",
// "1m30s") or from a number of seconds.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func parseDuration(s string) (Duration, error) {
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return Duration(secs * float64(time.Second)), nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return Duration(v), nil
}

// UnmarshalJSON accepts "1m" or 60.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(t * float64(time.Second))
	case string:
		p, err := parseDuration(t)
		if err != nil {
			return err
		}
		*d = p
	default:
		return fmt.Errorf("invalid duration %s", b)
	}
	return nil
}

// MarshalJSON writes the duration string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalYAML accepts "1m" or 60.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	p, err := parseDuration(n.Value)
	if err != nil {
		return err
	}
	*d = p
	return nil
}

// Options is a small helper to fetch typed values from arbitrary maps. It
// performs only minimal type coercion and returns the provided default when a
// key is absent or of an unexpected type.
type Options map[string]any

// String returns the string value for key or def if key is missing or not a string.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Bool returns the bool value for key or def if key is missing or not a bool.
func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Int returns the int value for key or def. JSON numbers decode as float64
// and YAML integers as int; both are accepted.
func (o Options) Int(key string, def int) int {
	if v, ok := o[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		case int64:
			return int(n)
		}
	}
	return def
}

// StringSlice returns a []string for key when the value is an array of
// strings. Returns nil when the key is missing or the value is not an array.
func (o Options) StringSlice(key string) []string {
	if v, ok := o[key]; ok {
		switch vv := v.(type) {
		case []any:
			out := make([]string, 0, len(vv))
			for _, x := range vv {
				if s, ok := x.(string); ok {
					out = append(out, s)
				}
			}
			return out
		case []string:
			return vv
		}
	}
	return nil
}

// UnmarshalJSON makes a missing or null "options" object decode to a non-nil,
// empty Options map.
func (o *Options) UnmarshalJSON(b []byte) error {
	var tmp map[string]any
	if len(b) == 0 || string(b) == "null" {
		*o = Options{}
		return nil
	}
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*o = Options(tmp)
	return nil
}
