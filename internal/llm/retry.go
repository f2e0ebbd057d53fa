package llm

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// RetryDecision tells the retry loop whether and how long to wait
// before the next attempt.
type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

// Classifier inspects an error and the zero-based attempt number and
// decides whether the operation should be retried. It is independent
// of any specific provider error type.
type Classifier func(err error, attempt int) RetryDecision

// RetryPolicy retries an operation according to a pluggable classifier.
// MaxAttempts counts total attempts including the first; the final
// attempt's error propagates unchanged.
type RetryPolicy struct {
	MaxAttempts int
	Classify    Classifier

	// sleep is a test seam; nil means context-aware real sleeping.
	sleep func(ctx context.Context, d time.Duration) error
}

// Do runs call until it succeeds, the classifier declines to retry, or
// attempts are exhausted.
func (p *RetryPolicy) Do(ctx context.Context, call func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = call()
		if err == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		d := p.Classify(err, attempt)
		if !d.Retry {
			return err
		}
		if serr := sleep(ctx, d.Delay); serr != nil {
			return serr
		}
	}
	return err
}

// anthropicRetryClassifier reproduces the provider retry contract:
// 429 responses retry after the advertised retry-after (default 60s)
// unless the wait would be two minutes or more; 5xx and network-level
// faults retry with exponential backoff baseDelay * 2^attempt.
// Everything else propagates immediately.
func anthropicRetryClassifier(baseDelay time.Duration) Classifier {
	return func(err error, attempt int) RetryDecision {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.StatusCode == http.StatusTooManyRequests:
				after := apiErr.RetryAfter
				if after <= 0 {
					after = 60 * time.Second
				}
				if after >= 2*time.Minute {
					return RetryDecision{}
				}
				return RetryDecision{Retry: true, Delay: after}
			case apiErr.StatusCode >= 500:
				return RetryDecision{Retry: true, Delay: baseDelay << attempt}
			default:
				return RetryDecision{}
			}
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return RetryDecision{}
		}
		// Network-level faults (connection reset, EOF) are transient.
		return RetryDecision{Retry: true, Delay: baseDelay << attempt}
	}
}
