package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is the exponential-backoff retry policy spec.md §4.3 and
// §7 describe for server-protocol I/O: retry transient errors until
// MaxElapsed is exceeded, then give up and let the caller escalate via
// a failure reporter.
type RetryPolicy struct {
	InitialWait time.Duration
	MaxWait     time.Duration
	MaxElapsed  time.Duration
}

// NewRetryPolicy builds a RetryPolicy from the config.Config fields
// retry.wait and max.retry (the total deadline).
func NewRetryPolicy(retryWait, maxRetry time.Duration) RetryPolicy {
	return RetryPolicy{
		InitialWait: retryWait,
		MaxWait:     10 * retryWait,
		MaxElapsed:  maxRetry,
	}
}

// Do runs operation, retrying transient failures under the policy.
// retryable classifies an error as worth retrying; a nil retryable
// retries everything. Do returns the last error once MaxElapsed is
// exceeded or the context is cancelled.
func (p RetryPolicy) Do(ctx context.Context, retryable func(error) bool, operation func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialWait
	b.MaxInterval = p.MaxWait
	b.MaxElapsedTime = p.MaxElapsed
	b.Multiplier = 2.0

	ctxBackoff := backoff.WithContext(b, ctx)

	return backoff.Retry(func() error {
		err := operation()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, ctxBackoff)
}

// DoWithResult is Do's generic counterpart for operations that produce
// a value alongside an error.
func DoWithResult[T any](ctx context.Context, p RetryPolicy, retryable func(error) bool, operation func() (T, error)) (T, error) {
	var result T
	err := p.Do(ctx, retryable, func() error {
		r, opErr := operation()
		if opErr == nil {
			result = r
		}
		return opErr
	})
	return result, err
}

// Exhausted reports whether err is the sentinel backoff.Permanent
// wrapper or the elapsed-time error, i.e. the retry budget ran out
// rather than the context being cancelled by the caller.
func Exhausted(err error) bool {
	if err == nil {
		return false
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return true
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
