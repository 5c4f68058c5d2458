package httpds

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var (
	// ErrAuth marks 401 and 403 responses. Such responses are never retried.
	ErrAuth = errors.New("httpds: authentication failed")

	// ErrRateLimited marks 429 responses.
	ErrRateLimited = errors.New("httpds: rate limited")

	// ErrRetriesExhausted is returned when every allowed attempt failed with
	// a retryable error.
	ErrRetriesExhausted = errors.New("httpds: retries exhausted")
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int

	// RetryAfter is the parsed Retry-After header, zero when absent or
	// unparseable.
	RetryAfter time.Duration

	// Body holds up to the first 512 bytes of the response body.
	Body string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("httpds: %s %s: status %d", e.Method, e.URL, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Unwrap exposes ErrAuth and ErrRateLimited for errors.Is.
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuth
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	return nil
}

const maxErrorBody = 512

func newStatusError(method, url string, resp *http.Response) *StatusError {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Method:     method,
		URL:        url,
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		Body:       strings.TrimSpace(string(b)),
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP-date. Anything else, and
// dates in the past, yield zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// TransientError wraps a failure that is worth retrying: a transport error,
// a body that broke off mid-read, or an attempt that timed out.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "httpds: transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err looks like a broken connection: an
// unexpected EOF, a reset or aborted connection, or a network timeout.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}
