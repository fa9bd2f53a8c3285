package hydra

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"time"
)

// retryProvider wraps a Provider and retries transient failures (HTTP 429 and
// 503, connect errors, timeouts) with exponential backoff before the stream
// starts. Once a body is returned, errors pass through: a mid-stream retry
// would replay tokens the caller already saw.
type retryProvider struct {
	inner      Provider
	maxRetries int
	baseDelay  time.Duration
	jitterMax  time.Duration
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error // test seam
}

// RetryOption configures a retryProvider.
type RetryOption func(*retryProvider)

// RetryMax sets the number of retries after the first attempt (default: 3,
// so up to four attempts).
func RetryMax(n int) RetryOption {
	return func(r *retryProvider) { r.maxRetries = n }
}

// RetryBaseDelay sets the backoff unit. Attempt k waits baseDelay*2^(k-1)
// plus uniform jitter (default: 1s).
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.baseDelay = d }
}

// RetryLogger sets the structured logger for retry events. Retries log at
// WARN, exhaustion at ERROR. Default is a no-op logger.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryProvider) { r.logger = l }
}

// WithRetry wraps p with automatic retry on transient failures. When the
// error carries a Retry-After duration, the delay is at least that long.
// Compose with any Provider:
//
//	llm = hydra.WithRetry(gemini.New())
//	llm = hydra.WithRetry(gemini.New(), hydra.RetryMax(5))
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retryProvider{
		inner:      p,
		maxRetries: 3,
		baseDelay:  time.Second,
		jitterMax:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	if r.sleep == nil {
		r.sleep = sleepCtx
	}
	return r
}

// Name delegates to the inner provider.
func (r *retryProvider) Name() string { return r.inner.Name() }

// Stream implements Provider with retry.
func (r *retryProvider) Stream(ctx context.Context, req GenerateRequest) (io.ReadCloser, error) {
	var last error
	for attempt := 1; attempt <= r.maxRetries+1; attempt++ {
		body, err := r.inner.Stream(ctx, req)
		if err == nil {
			return body, nil
		}
		if !isTransient(err) {
			return nil, err
		}
		last = err
		if attempt > r.maxRetries {
			break
		}
		r.logger.Warn("retrying transient error",
			"provider", r.inner.Name(),
			"status", statusOf(err),
			"attempt", attempt,
			"max_retries", r.maxRetries)
		if err := r.sleep(ctx, r.delay(attempt, last)); err != nil {
			return nil, err
		}
	}
	r.logger.Error("all retry attempts exhausted",
		"provider", r.inner.Name(),
		"retries", r.maxRetries,
		"error", last)
	return nil, truncateFinal(r.inner.Name(), last)
}

// delay computes the wait before the next attempt after attempt k: the
// exponential backoff baseDelay*2^(k-1) plus uniform jitter, floored by the
// server's Retry-After when present.
func (r *retryProvider) delay(attempt int, err error) time.Duration {
	backoff := r.baseDelay * (1 << (attempt - 1))
	backoff += rand.N(r.jitterMax + 1)
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isTransient reports whether err is worth another attempt: HTTP 429 or 503,
// a connect failure, or a timeout.
func isTransient(err error) bool {
	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) {
		return httpErr.Status == 429 || httpErr.Status == 503
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// truncateFinal caps the surfaced error at 500 UTF-8 bytes. An ErrHTTP keeps
// its type (and status) with the body trimmed; anything else is wrapped.
func truncateFinal(provider string, err error) error {
	const maxErrBytes = 500
	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) {
		trimmed := *httpErr
		trimmed.Body = TruncateErr(trimmed.Body, maxErrBytes)
		return &trimmed
	}
	return &ErrLLM{Provider: provider, Message: TruncateErr(err.Error(), maxErrBytes)}
}

var _ Provider = (*retryProvider)(nil)
