// Package reliability holds retry policy for calls to the hosted finance API.
package reliability

import (
	"context"
	"time"
)

// IsRetryableHTTPStatus reports statuses a cold-starting or overloaded host
// answers with. Plain 500s come from the query itself and are not retried.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Policy bounds how often and how patiently a call is retried.
type Policy struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
}

// Do runs fn until it succeeds, reports the error as final, or retries run
// out. fn returns retry=true to ask for another attempt. The last error is
// returned.
func (p Policy) Do(ctx context.Context, fn func(attempt int) (retry bool, err error)) error {
	for attempt := 0; ; attempt++ {
		retry, err := fn(attempt)
		if err == nil || !retry || attempt >= p.MaxRetries {
			return err
		}
		timer := time.NewTimer(ExponentialBackoff(attempt, p.Base, p.Cap))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
