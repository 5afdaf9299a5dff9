package engine

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackoffKind selects how the wait between attempts grows.
type BackoffKind int

const (
	// BackoffLinear waits attempt × Delay (Delay, 2×Delay, 3×Delay, ...).
	BackoffLinear BackoffKind = iota
	// BackoffConstant waits Delay between every attempt.
	BackoffConstant
	// BackoffExponential doubles the wait from Delay up to MaxWait.
	BackoffExponential
)

// RetryPolicy controls Retry. Attempts counts the first call too.
type RetryPolicy struct {
	Attempts   int
	Delay      time.Duration
	Kind       BackoffKind
	MaxWait    time.Duration // exponential only
	MaxElapsed time.Duration // 0 = unbounded
}

// DefaultHTTPPolicy is suitable for most provider API calls.
var DefaultHTTPPolicy = RetryPolicy{
	Attempts: 4,
	Delay:    500 * time.Millisecond,
	Kind:     BackoffExponential,
	MaxWait:  10 * time.Second,
}

// linearBackOff implements backoff.BackOff with attempt × step waits.
type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.step
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

func (p RetryPolicy) backOff() backoff.BackOff {
	switch p.Kind {
	case BackoffConstant:
		return backoff.NewConstantBackOff(p.Delay)
	case BackoffExponential:
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = p.Delay
		if p.MaxWait > 0 {
			bo.MaxInterval = p.MaxWait
		}
		return bo
	default:
		return &linearBackOff{step: p.Delay}
	}
}

// Retry calls fn until it succeeds, returns a backoff.Permanent error, the context ends
// or the policy's attempts are exhausted. The last error is returned unwrapped from
// backoff.PermanentError so callers can match sentinels with errors.Is.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func() (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	res, err := backoff.Retry(ctx, fn,
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(p.MaxElapsed),
		backoff.WithNotify(func(err error, wait time.Duration) {
			slog.Debug("retrying", slog.Duration("wait", wait), slog.Any("error", err))
		}),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
	}
	return res, err
}

// RetryHTTP executes an HTTP request function with retry on transient failures.
// Non-retryable transport errors and 4xx statuses are returned as-is without retry.
func RetryHTTP(ctx context.Context, p RetryPolicy, fn func() (*http.Response, error)) (*http.Response, error) {
	return Retry(ctx, p, func() (*http.Response, error) {
		resp, err := fn()
		if err != nil {
			if isRetryable(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		if IsRetryableStatus(resp.StatusCode) {
			resp.Body.Close()
			return nil, &HTTPStatusError{StatusCode: resp.StatusCode}
		}
		return resp, nil
	})
}

// HTTPStatusError wraps a retryable HTTP status code.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return http.StatusText(e.StatusCode)
}

// isRetryable returns true for transient errors worth retrying.
func isRetryable(err error) bool {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	// net.Error includes OpError, so check after OpError
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// IsRetryableStatus returns true for HTTP status codes worth retrying.
func IsRetryableStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}
