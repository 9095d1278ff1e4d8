package retry

import (
	"errors"
	"fmt"
	"time"
)

// Permanent marks an error as non-retryable.
//
// Authentication failures and malformed input should be wrapped so the policy
// fails fast instead of burning attempts on something that cannot succeed.
//
// Example:
//
//	return retry.Permanent(fmt.Errorf("bad token: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// RateLimited marks an error as an explicit upstream rate-limit signal.
//
// The policy sleeps exactly wait before the next attempt instead of using its
// own computed backoff (Telegram flood waits, HTTP 429 Retry-After).
func RateLimited(err error, wait time.Duration) error {
	if err == nil {
		return nil
	}
	if wait < 0 {
		wait = 0
	}
	return rateLimitError{err: err, wait: wait}
}

// RateLimitError is implemented by errors that carry a server-provided wait.
type RateLimitError interface {
	error
	RetryAfter() time.Duration
}

// RetryAfter extracts the server-provided wait from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rl RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter(), true
	}
	return 0, false
}

type rateLimitError struct {
	err  error
	wait time.Duration
}

func (e rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s): %v", e.wait, e.err)
}
func (e rateLimitError) Unwrap() error             { return e.err }
func (e rateLimitError) RetryAfter() time.Duration { return e.wait }

// ExhaustedError is returned when every allowed attempt failed.
type ExhaustedError struct {
	Op       string
	Attempts int
	Elapsed  time.Duration
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts in %s: %v", e.Op, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }
