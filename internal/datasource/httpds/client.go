// Package httpds implements a small HTTP datasource with built-in retry and
// backoff, tuned for rate-limited export APIs.
//
// Design goals:
//
//   - Keep a tiny, explicit API (Do, Get, Stream).
//   - Treat 429 as a rate-limit signal: honor Retry-After when the server
//     sends one, otherwise back off exponentially with jitter.
//   - Retry 5xx, connection failures and per-attempt timeouts; never retry
//     401/403.
//   - Stream restarts: when a response body fails mid-read, the whole request
//     is re-issued from scratch.
//   - Be easy to test by injecting a custom RoundTripper and sleep function.
package httpds

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Config configures the HTTP datasource client.
//
// Zero values are given sensible defaults:
//   - AttemptTimeout: 5m
//   - MaxRetries:     0 (a negative value is clamped to 0)
//   - Backoff:        see DefaultBackoff
type Config struct {
	// AttemptTimeout bounds a single attempt, including reading the body
	// inside Stream. A timed-out attempt is retryable.
	AttemptTimeout time.Duration

	// MaxRetries is the number of retry attempts after the initial request.
	// MaxRetries=0 means "no retries" (only the initial attempt).
	MaxRetries int

	// Backoff computes the wait between attempts.
	Backoff Backoff

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool

	// BaseHeaders are headers added to every request. Callers can supply
	// additional headers per request; those take precedence.
	BaseHeaders http.Header

	// Transport is an optional custom RoundTripper. When nil, a default
	// *http.Transport is constructed based on the TLS settings.
	Transport http.RoundTripper

	// OnRetry, when set, is called before each backoff wait with the
	// 1-based number of the attempt that failed, the planned delay and the
	// failure.
	OnRetry func(attempt int, delay time.Duration, err error)

	Logger zerolog.Logger
}

// Client wraps an http.Client with retry and backoff behavior.
type Client struct {
	httpClient     *http.Client
	attemptTimeout time.Duration
	maxRetries     int
	backoff        Backoff
	baseHeaders    http.Header
	onRetry        func(int, time.Duration, error)
	log            zerolog.Logger

	// sleep is injectable to make tests fast and deterministic.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient constructs a Client from Config, applying defaults for zero values.
func NewClient(cfg Config) *Client {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 5 * time.Minute
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // explicitly configurable
			},
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	hdr := http.Header{}
	for k, vs := range cfg.BaseHeaders {
		for _, v := range vs {
			hdr.Add(k, v)
		}
	}

	return &Client{
		// No client-level timeout: streamed bodies may legitimately take
		// longer than any fixed value. AttemptTimeout bounds each attempt.
		httpClient:     &http.Client{Transport: transport},
		attemptTimeout: cfg.AttemptTimeout,
		maxRetries:     cfg.MaxRetries,
		backoff:        cfg.Backoff,
		baseHeaders:    hdr,
		onRetry:        cfg.OnRetry,
		log:            cfg.Logger,
		sleep:          sleepWithContext,
	}
}

// MaxAttempts returns the total number of attempts a single call may make.
func (c *Client) MaxAttempts() int {
	return c.maxRetries + 1
}

// Do sends an HTTP request and returns the first non-retryable response. The
// body is supplied as a byte slice so that it can be safely re-sent on retry.
//
// The returned *http.Response has a non-nil Body which the caller must close.
// The per-attempt timeout does not apply to reading the returned body; use
// Stream when the body itself must be covered by retries.
func (c *Client) Do(
	ctx context.Context,
	method, url string,
	body []byte,
	headers http.Header,
) (*http.Response, error) {
	var out *http.Response
	_, err := c.run(ctx, method, url, body, headers, func(_ context.Context, resp *http.Response) error {
		out = resp
		return errKeepBody
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get is a convenience wrapper over Do for HTTP GET. The caller must close
// the response body.
func (c *Client) Get(ctx context.Context, url string, headers http.Header) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, url, nil, headers)
}

// ConsumeFunc reads a successful response body. It runs inside the attempt
// loop: returning an error for which IsTransient reports true restarts the
// whole request; any other error aborts the call unchanged.
//
// attemptCtx expires with the attempt; consumers that block on downstream
// work should select on it.
type ConsumeFunc func(attemptCtx context.Context, body io.Reader) error

// Stream issues a request and hands the response body to consume, retrying the
// request from scratch on rate-limit signals, retryable statuses, connection
// failures and attempt timeouts, including failures while consume is reading.
// It returns the number of attempts made.
func (c *Client) Stream(
	ctx context.Context,
	method, url string,
	headers http.Header,
	consume ConsumeFunc,
) (int, error) {
	return c.run(ctx, method, url, nil, headers, func(actx context.Context, resp *http.Response) error {
		return consume(actx, resp.Body)
	})
}

// errKeepBody tells run to return without closing the response body.
var errKeepBody = errors.New("httpds: keep body")

// run is the attempt loop shared by Do and Stream. All retry state (attempt
// counter, last error) lives on this call's stack so nothing leaks between
// calls.
func (c *Client) run(
	ctx context.Context,
	method, url string,
	body []byte,
	headers http.Header,
	handle func(context.Context, *http.Response) error,
) (int, error) {
	if method == "" {
		return 0, fmt.Errorf("httpds: method must not be empty")
	}
	if url == "" {
		return 0, fmt.Errorf("httpds: url must not be empty")
	}

	attempts := c.maxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		// Respect context cancellation before each attempt.
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		retryAfter, err := c.attempt(ctx, method, url, body, headers, handle)
		if err == nil {
			return attempt, nil
		}
		if errors.Is(err, errKeepBody) {
			return attempt, nil
		}
		if !isRetryable(ctx, err) {
			return attempt, err
		}
		lastErr = err

		// If this was the last allowed attempt, stop.
		if attempt >= attempts {
			break
		}

		delay := c.backoff.Delay(attempt-1, retryAfter)
		c.log.Debug().
			Str("url", url).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("httpds: retrying")
		if c.onRetry != nil {
			c.onRetry(attempt, delay, err)
		}
		if err := c.sleep(ctx, delay); err != nil {
			return attempt, err
		}
	}

	// lastErr keeps ErrRateLimited reachable through errors.Is when the final
	// signal was a 429.
	return attempts, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}

// attempt performs exactly one request. It returns the server's Retry-After
// hint (zero when absent) alongside any error.
func (c *Client) attempt(
	ctx context.Context,
	method, url string,
	body []byte,
	headers http.Header,
	handle func(context.Context, *http.Response) error,
) (time.Duration, error) {
	actx, cancel := context.WithTimeout(ctx, c.attemptTimeout)

	req, err := http.NewRequestWithContext(actx, method, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return 0, fmt.Errorf("httpds: build request: %w", err)
	}

	// Apply base headers, then per-request headers (which override).
	for k, vs := range c.baseHeaders {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		// Network or transport-level error.
		return 0, &TransientError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := newStatusError(method, url, resp)
		_ = resp.Body.Close()
		cancel()
		return statusErr.RetryAfter, statusErr
	}

	err = handle(actx, resp)
	if errors.Is(err, errKeepBody) {
		// Do hands the body to its caller; the attempt context must outlive
		// this function, so release it when the body is closed.
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return 0, err
	}
	// Read the deadline state before cancel, which always sets actx.Err.
	timedOut := errors.Is(actx.Err(), context.DeadlineExceeded)
	_ = resp.Body.Close()
	cancel()

	if err != nil && timedOut && ctx.Err() == nil {
		// The attempt deadline fired while consuming.
		return 0, &TransientError{Err: fmt.Errorf("attempt timeout: %w", err)}
	}
	if err != nil && IsTransient(err) {
		return 0, &TransientError{Err: err}
	}
	return 0, err
}

// isRetryable reports whether err from one attempt should trigger another.
func isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return isRetryableStatus(se.StatusCode)
	}
	return false
}

// isRetryableStatus reports whether the given HTTP status code should trigger
// a retry: 5xx and 429 are treated as transient; everything else is final.
func isRetryableStatus(code int) bool {
	if code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500 && code <= 599
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// sleepWithContext sleeps for d but aborts early if ctx is canceled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
