package resilience

import "time"

// RetryPolicy retries transient failures with a linearly growing backoff:
// the first retry waits Backoff, the second 2*Backoff, and so on.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

// Do runs fn until it succeeds or the retry budget is spent, returning the
// last error.
func (r RetryPolicy) Do(fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt >= r.MaxRetries {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * r.Backoff)
	}
}
