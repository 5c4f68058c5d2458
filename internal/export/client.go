// Package export streams raw records from the remote analytics export
// service.
//
// The service answers
//
//	GET {base}/export?from_date=YYYY-MM-DD&to_date=YYYY-MM-DD[&event=["a","b"]][&where=expr]
//
// with newline-delimited JSON, one record per line. Responses can be large, so
// the body is decoded line by line and every record is handed to a callback as
// soon as it is parsed; nothing is materialised in memory.
package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"eventsync/internal/chunk"
	"eventsync/internal/datasource/httpds"
	"eventsync/internal/records"
)

// Query selects the records of one export request. From and To are inclusive
// calendar dates.
type Query struct {
	From   time.Time
	To     time.Time
	Events []string
	Where  string
}

// Stats describes the final attempt of a Stream call. Counters restart at
// zero whenever the request is retried, so Records never includes rows
// delivered by an attempt that later broke off.
type Stats struct {
	Records  int64
	Skipped  int64
	Bytes    int64
	Attempts int
}

// ErrSkipRecord, returned by a RecordFunc, counts the record as skipped
// instead of delivered and continues the stream.
var ErrSkipRecord = errors.New("export: skip record")

// RecordFunc receives each decoded record. ctx expires with the current
// attempt. Returning an error aborts the stream without retry unless the
// error is transient in the httpds sense.
type RecordFunc func(ctx context.Context, r records.Raw) error

// Config configures a Client.
type Config struct {
	// BaseURL is the service root, e.g. https://data.example.com/api/2.0.
	BaseURL string

	// APISecret is sent as the basic-auth user name with an empty password.
	APISecret string

	// ProjectID is added as project_id when non-empty.
	ProjectID string

	Logger zerolog.Logger
}

// Client issues export requests through a retrying httpds.Client.
type Client struct {
	http    *httpds.Client
	base    string
	auth    string
	project string
	log     zerolog.Logger
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config, hc *httpds.Client) (*Client, error) {
	if hc == nil {
		return nil, errors.New("export: nil http client")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("export: invalid base url %q", cfg.BaseURL)
	}
	if cfg.APISecret == "" {
		return nil, errors.New("export: api secret is empty")
	}
	return &Client{
		http:    hc,
		base:    base,
		auth:    "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.APISecret+":")),
		project: cfg.ProjectID,
		log:     cfg.Logger,
	}, nil
}

// URL renders the request URL for q.
func (c *Client) URL(q Query) (string, error) {
	v := url.Values{}
	v.Set("from_date", q.From.Format(chunk.DateLayout))
	v.Set("to_date", q.To.Format(chunk.DateLayout))
	if len(q.Events) > 0 {
		b, err := json.Marshal(q.Events)
		if err != nil {
			return "", fmt.Errorf("export: encode events: %w", err)
		}
		v.Set("event", string(b))
	}
	if q.Where != "" {
		v.Set("where", q.Where)
	}
	if c.project != "" {
		v.Set("project_id", c.project)
	}
	return c.base + "/export?" + v.Encode(), nil
}

// Stream fetches q and calls fn for every well-formed record. Blank lines are
// ignored; lines that are not a JSON object are skipped and counted.
//
// A body that fails mid-read restarts the request from the beginning, so fn
// may see a record more than once across attempts. Downstream de-duplication
// by insert id absorbs the repeats.
func (c *Client) Stream(ctx context.Context, q Query, fn RecordFunc) (Stats, error) {
	u, err := c.URL(q)
	if err != nil {
		return Stats{}, err
	}
	hdr := http.Header{}
	hdr.Set("Authorization", c.auth)
	hdr.Set("Accept", "application/json")

	var final Stats
	attempts, err := c.http.Stream(ctx, http.MethodGet, u, hdr, func(actx context.Context, body io.Reader) error {
		final = Stats{}
		return decodeLines(actx, body, &final, fn, c.log)
	})
	final.Attempts = attempts
	if err != nil {
		return final, fmt.Errorf("export: %s..%s: %w",
			q.From.Format(chunk.DateLayout), q.To.Format(chunk.DateLayout), err)
	}
	return final, nil
}

// decodeLines reads JSONL from r, updating st as it goes.
func decodeLines(ctx context.Context, r io.Reader, st *Stats, fn RecordFunc, log zerolog.Logger) error {
	br := bufio.NewReaderSize(r, 64*1024)
	line := 0
	for {
		b, readErr := br.ReadBytes('\n')
		st.Bytes += int64(len(b))
		if len(b) > 0 {
			line++
			b = bytes.TrimSpace(b)
			if len(b) > 0 {
				rec, err := decodeRecord(b)
				if err != nil {
					// A broken final line is a truncated body, not bad data.
					if readErr != nil && readErr != io.EOF {
						return readErr
					}
					st.Skipped++
					log.Debug().Int("line", line).Err(err).Msg("export: skipping malformed line")
				} else if err := fn(ctx, rec); errors.Is(err, ErrSkipRecord) {
					st.Skipped++
				} else if err != nil {
					return err
				} else {
					st.Records++
				}
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// decodeRecord parses one line. Numbers are kept as json.Number so that large
// integer properties survive unchanged.
func decodeRecord(b []byte) (records.Raw, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var rec records.Raw
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.New("not an object")
	}
	return rec, nil
}
