package transport

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// RetryPolicy decides whether the engine re-sends a request on its own.
// It is applied per HTTP call and knows nothing about credentials.
type RetryPolicy struct {
	// MaxAttempts is the total number of sends, including the first one.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// RetryOnStatus reports whether a response status should be retried
	RetryOnStatus func(status int) bool

	// RetryOnError reports whether a transport failure should be retried
	RetryOnError func(err error) bool

	// DelayForAttempt returns the wait before retry n, where n starts at 1
	DelayForAttempt func(attempt int) time.Duration

	// RetryNonIdempotent allows retrying POST/PATCH after a transport error.
	// Status-based retries apply to every method regardless.
	RetryNonIdempotent bool
}

// DefaultRetryPolicy retries 408, 429 and gateway-class 5xx responses plus
// retryable transport failures, three sends in total.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		RetryOnStatus:   RetryStatuses(http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout),
		RetryOnError:    RetryableError,
		DelayForAttempt: LinearBackoff(500*time.Millisecond, 5*time.Second),
	}
}

// NoRetryPolicy sends every request exactly once
func NoRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// RetryStatuses builds a RetryOnStatus predicate from a fixed set
func RetryStatuses(statuses ...int) func(int) bool {
	set := make(map[int]struct{}, len(statuses))
	for _, s := range statuses {
		set[s] = struct{}{}
	}
	return func(status int) bool {
		_, ok := set[status]
		return ok
	}
}

// RetryableError retries failures the classifier marks retryable
func RetryableError(err error) bool {
	return ClassifyTransportError(err).Retryable()
}

// LinearBackoff waits base*attempt, capped at max when max > 0
func LinearBackoff(base, max time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return capDelay(base*time.Duration(attempt), max)
	}
}

// ExponentialBackoff waits base*2^(attempt-1), capped at max when max > 0
func ExponentialBackoff(base, max time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if max > 0 && d >= max {
				return max
			}
			if d <= 0 {
				return max
			}
		}
		return capDelay(d, max)
	}
}

func capDelay(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}

// attempts returns the normalised total number of sends
func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the wait before retry n
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.DelayForAttempt == nil {
		return 0
	}
	return p.DelayForAttempt(attempt)
}

// ShouldRetry decides for a single failed send. err is a transport failure,
// status is the response status when err is nil.
func (p RetryPolicy) ShouldRetry(method string, status int, err error) bool {
	if err != nil {
		if !p.RetryNonIdempotent && !isIdempotentMethod(method) {
			return false
		}
		return p.RetryOnError != nil && p.RetryOnError(err)
	}
	return p.RetryOnStatus != nil && p.RetryOnStatus(status)
}

// checkRetry adapts the policy to retryablehttp
func (p RetryPolicy) checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	return p.ShouldRetry(methodFromContext(ctx), status, err), nil
}

// backoff adapts the policy to retryablehttp, whose attempt counter starts at
// 0 for the first retry
func (p RetryPolicy) backoff(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
	return p.Delay(attemptNum + 1)
}

// apply configures a retryablehttp client from the policy
func (p RetryPolicy) apply(c *retryablehttp.Client) {
	c.RetryMax = p.attempts() - 1
	c.CheckRetry = p.checkRetry
	c.Backoff = p.backoff
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
}

type methodKey struct{}

func withMethod(ctx context.Context, method string) context.Context {
	return context.WithValue(ctx, methodKey{}, method)
}

func methodFromContext(ctx context.Context) string {
	m, _ := ctx.Value(methodKey{}).(string)
	return m
}

func isIdempotentMethod(method string) bool {
	switch strings.ToUpper(strings.TrimSpace(method)) {
	case "GET", "HEAD", "PUT", "DELETE", "OPTIONS", "TRACE":
		return true
	default:
		return false
	}
}
