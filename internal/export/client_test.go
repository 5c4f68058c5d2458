package export

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"eventsync/internal/chunk"
	"eventsync/internal/datasource/httpds"
	"eventsync/internal/records"
)

const sample = `{"event":"Signed Up","properties":{"time":1704067200,"distinct_id":"u1","$insert_id":"a"}}

not json at all
{"event":"Viewed","properties":{"time":1704067300,"distinct_id":"u2","$insert_id":"b","n":12345678901234567890}}
[1,2,3]
{"event":"Viewed","properties":{"time":1704067400,"distinct_id":"u3"}}
`

func day(s string) time.Time {
	t, err := chunk.ParseDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func collect(out *[]records.Raw) RecordFunc {
	return func(_ context.Context, r records.Raw) error {
		*out = append(*out, r)
		return nil
	}
}

// TestStream_DecodesAndSkips verifies URL construction, authentication, and
// that blank lines are ignored while malformed lines are skipped and counted.
func TestStream_DecodesAndSkips(t *testing.T) {
	t.Parallel()

	var gotQuery, gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		user, pass, _ := r.BasicAuth()
		gotAuth = user + ":" + pass
		_, _ = io.WriteString(w, sample)
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL + "/api/2.0/", APISecret: "s3cret", ProjectID: "42"},
		httpds.NewClient(httpds.Config{}))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	var recs []records.Raw
	st, err := c.Stream(context.Background(), Query{
		From:   day("2024-01-01"),
		To:     day("2024-01-07"),
		Events: []string{"Signed Up", "Viewed"},
		Where:  `properties["plan"] == "pro"`,
	}, collect(&recs))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	if gotPath != "/api/2.0/export" {
		t.Fatalf("path=%q", gotPath)
	}
	if gotAuth != "s3cret:" {
		t.Fatalf("basic auth=%q, want secret as user with empty password", gotAuth)
	}
	for _, want := range []string{"from_date=2024-01-01", "to_date=2024-01-07", "project_id=42", "event=", "where="} {
		if !strings.Contains(gotQuery, want) {
			t.Fatalf("query %q missing %q", gotQuery, want)
		}
	}

	if st.Records != 3 || st.Skipped != 2 || st.Attempts != 1 {
		t.Fatalf("stats=%+v, want 3 records, 2 skipped, 1 attempt", st)
	}
	if st.Bytes != int64(len(sample)) {
		t.Fatalf("bytes=%d, want %d", st.Bytes, len(sample))
	}
	if len(recs) != 3 || recs[0][records.FieldEvent] != "Signed Up" {
		t.Fatalf("unexpected records %v", recs)
	}

	// Large integers must survive decoding exactly.
	n, ok := recs[1].Properties()["n"].(json.Number)
	if !ok || n.String() != "12345678901234567890" {
		t.Fatalf("n=%#v, want json.Number 12345678901234567890", recs[1].Properties()["n"])
	}
}

type brokenBody struct{ r io.Reader }

func (b *brokenBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err == io.EOF {
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}

func (b *brokenBody) Close() error { return nil }

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// TestStream_StatsResetOnRetry verifies that a body breaking off mid-stream is
// retried and that the returned stats describe only the final attempt.
func TestStream_StatsResetOnRetry(t *testing.T) {
	t.Parallel()

	full := `{"event":"a","properties":{"time":1}}` + "\n" +
		`{"event":"b","properties":{"time":2}}` + "\n" +
		`{"event":"c","properties":{"time":3}}` + "\n"

	var calls int32
	hc := httpds.NewClient(httpds.Config{
		MaxRetries: 2,
		Backoff:    httpds.Backoff{Base: time.Millisecond, Max: time.Millisecond},
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			var body io.ReadCloser = io.NopCloser(strings.NewReader(full))
			if atomic.AddInt32(&calls, 1) == 1 {
				// Two complete lines, then a truncated third.
				body = &brokenBody{r: strings.NewReader(full[:len(full)-10])}
			}
			return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: body, Request: r}, nil
		}),
	})
	c, err := NewClient(Config{BaseURL: "http://export.test", APISecret: "x"}, hc)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	var seen []records.Raw
	st, err := c.Stream(context.Background(), Query{From: day("2024-01-01"), To: day("2024-01-01")}, collect(&seen))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if st.Attempts != 2 || st.Records != 3 || st.Skipped != 0 {
		t.Fatalf("stats=%+v, want 2 attempts, 3 records, 0 skipped", st)
	}
	// The callback saw the two lines of the broken attempt as well.
	if len(seen) != 5 {
		t.Fatalf("callback saw %d records, want 5", len(seen))
	}
}

// TestStream_CallbackErrorAborts verifies that an error from the callback ends
// the stream without retrying.
func TestStream_CallbackErrorAborts(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = io.WriteString(w, sample)
	}))
	defer srv.Close()

	c, _ := NewClient(Config{BaseURL: srv.URL, APISecret: "x"}, httpds.NewClient(httpds.Config{MaxRetries: 3}))

	stop := errors.New("stop")
	_, err := c.Stream(context.Background(), Query{From: day("2024-01-01"), To: day("2024-01-02")},
		func(context.Context, records.Raw) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("err=%v, want stop", err)
	}
	if hits != 1 {
		t.Fatalf("hits=%d, want 1", hits)
	}
}

func TestStream_SkipRecord(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, sample)
	}))
	defer srv.Close()

	c, _ := NewClient(Config{BaseURL: srv.URL, APISecret: "x"}, httpds.NewClient(httpds.Config{}))
	st, err := c.Stream(context.Background(), Query{From: day("2024-01-01"), To: day("2024-01-02")},
		func(_ context.Context, r records.Raw) error {
			if r["event"] == "Viewed" {
				return ErrSkipRecord
			}
			return nil
		})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	// 1 delivered; 2 rejected by the callback plus 2 malformed lines.
	if st.Records != 1 || st.Skipped != 4 {
		t.Fatalf("stats=%+v, want 1 record and 4 skipped", st)
	}
}

func TestNewClient_Validation(t *testing.T) {
	t.Parallel()

	hc := httpds.NewClient(httpds.Config{})
	cases := []struct {
		name string
		cfg  Config
		hc   *httpds.Client
	}{
		{"nil client", Config{BaseURL: "http://x", APISecret: "s"}, nil},
		{"relative url", Config{BaseURL: "/export", APISecret: "s"}, hc},
		{"no secret", Config{BaseURL: "http://x"}, hc},
	}
	for _, tc := range cases {
		if _, err := NewClient(tc.cfg, tc.hc); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}
