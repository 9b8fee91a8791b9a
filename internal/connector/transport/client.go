// Package transport is the rate-limited HTTP client shared by connectors. It
// acquires a token before every attempt, reports outcomes to the source's
// guard, and classifies responses as transient or permanent.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-news-ingest/internal/metrics"
)

const (
	defaultMaxAttempts = 3
	defaultTimeout     = 30 * time.Second
	defaultUserAgent   = "realtime-news-ingest/0.1"
	maxBodyBytes       = 16 << 20
)

// Guard is the slice of ratelimit.Guard the client depends on.
type Guard interface {
	Name() string
	Acquire(ctx context.Context) error
	RecordFailure()
	RecordSuccess()
	Release()
}

// Config controls retries and request defaults.
type Config struct {
	MaxAttempts int
	// Timeout bounds each attempt. Waiting for a token does not count
	// against it.
	Timeout   time.Duration
	UserAgent string
	Headers   map[string]string
}

// Client performs guarded HTTP calls for one source.
type Client struct {
	http   *http.Client
	guard  Guard
	cfg    Config
	logger *zap.Logger
}

// New builds a Client. A nil httpClient gets one with cfg.Timeout.
func New(guard Guard, httpClient *http.Client, cfg Config, logger *zap.Logger) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{http: httpClient, guard: guard, cfg: cfg, logger: logger}
}

// Source returns the guarded source name.
func (c *Client) Source() string {
	return c.guard.Name()
}

// Get fetches url and returns the body of a 2xx response.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	return c.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	})
}

// Do runs the request produced by build, rebuilding it for every attempt.
func (c *Client) Do(ctx context.Context, build func(context.Context) (*http.Request, error)) ([]byte, error) {
	var body []byte
	err := c.Call(ctx, func(ctx context.Context) error {
		req, err := build(ctx)
		if err != nil {
			return Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)
		for k, v := range c.cfg.Headers {
			req.Header.Set(k, v)
		}
		b, err := c.once(req)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	return body, err
}

// Call runs fn under the guard with the client's retry budget. Every attempt
// gets its own Timeout. fn signals a non-retriable failure by returning an
// error wrapped with Permanent or an *ingest.PermanentFetchError; anything
// else but caller cancellation is retried, including attempts that timed out.
// SDK-based connectors use Call directly.
func (c *Client) Call(ctx context.Context, fn func(context.Context) error) error {
	source := c.guard.Name()
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.guard.Acquire(ctx); err != nil {
			if errors.Is(err, ingest.ErrCircuitOpen) {
				return err
			}
			if lastErr != nil {
				return &ingest.TransientFetchError{Source: source, Attempts: attempt - 1, Err: lastErr}
			}
			return fmt.Errorf("acquire %s: %w", source, err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		err := fn(attemptCtx)
		cancel()
		switch {
		case err == nil:
			c.guard.RecordSuccess()
			return nil
		case ctx.Err() != nil:
			return c.interrupted(ctx, attempt, err)
		case !Retryable(ctx, err):
			// The source answered; a permanent error is not a health signal.
			c.guard.RecordSuccess()
			return err
		}
		c.guard.RecordFailure()
		lastErr = err
		c.logger.Debug("transient source failure",
			zap.String("source", source),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return &ingest.TransientFetchError{Source: source, Attempts: c.cfg.MaxAttempts, Err: lastErr}
}

// interrupted settles an attempt cut short by the caller's context. A caller
// deadline counts against the source; a plain cancellation says nothing about
// its health and only gives back the half-open probe slot.
func (c *Client) interrupted(ctx context.Context, attempt int, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		c.guard.RecordFailure()
		return &ingest.TransientFetchError{Source: c.guard.Name(), Attempts: attempt, Err: err}
	}
	c.guard.Release()
	return err
}

func (c *Client) once(req *http.Request) ([]byte, error) {
	source := c.guard.Name()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveSourceRequest(source, req.URL.String(), "error")
		return nil, fmt.Errorf("http %s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("close response body", zap.Error(closeErr))
		}
	}()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if readErr != nil {
			metrics.ObserveSourceRequest(source, req.URL.String(), "error")
			return nil, fmt.Errorf("read body: %w", readErr)
		}
		metrics.ObserveSourceRequest(source, req.URL.String(), "success")
		return body, nil
	case transientStatus(resp.StatusCode):
		metrics.ObserveSourceRequest(source, req.URL.String(), "transient")
		return nil, &StatusError{Status: resp.StatusCode, URL: req.URL.Redacted()}
	default:
		metrics.ObserveSourceRequest(source, req.URL.String(), "permanent")
		return nil, &ingest.PermanentFetchError{Source: source, Status: resp.StatusCode, URL: req.URL.Redacted()}
	}
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

// StatusError is a retriable non-2xx response.
type StatusError struct {
	Status int
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transient status %d from %s", e.Status, e.URL)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Retryable reports whether err should consume another attempt. Caller
// cancellation is never retried; per-request timeouts are.
func Retryable(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	var perm permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, ingest.ErrPermanentFetch) || errors.Is(err, ingest.ErrMalformed) {
		return false
	}
	return true
}
