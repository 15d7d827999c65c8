package transport

import (
	"fmt"
	"time"
)

// StatusError indicates the platform responded with a non-2xx status that is
// not a rate limit. These are surfaced to the caller without retrying.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("transport: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
	}
	return fmt.Sprintf("transport: unexpected status %d from %s", e.StatusCode, e.URL)
}

// RateLimitError is raised internally when the platform answers 429. The
// retry loop consumes it by sleeping for Delay; callers only ever see it
// after the retry budget is exhausted.
type RateLimitError struct {
	Delay time.Duration
	URL   string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("transport: rate limited on %s, reset in %s", e.URL, e.Delay)
}

// retryableError wraps network and parse failures that the retry loop may
// attempt again after a constant backoff.
type retryableError struct {
	Err error
}

func (e *retryableError) Error() string { return fmt.Sprintf("transport: %v", e.Err) }

func (e *retryableError) Unwrap() error { return e.Err }
