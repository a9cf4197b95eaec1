package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// BackoffFunc returns the delay before retry number attempt (1-based, i.e.
// the delay after the attempt-th failure).
type BackoffFunc func(attempt int) time.Duration

// Exponential doubles the base delay on every retry: base, 2*base, 4*base...
func Exponential(base time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		return base << (attempt - 1)
	}
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so Do returns it immediately without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retrier runs an operation up to Attempts times, sleeping Backoff(n)
// between failures. Sleep is injectable so tests can run with a fake clock.
type Retrier struct {
	Attempts int
	Backoff  BackoffFunc
	Sleep    func(time.Duration)
	Logger   *slog.Logger
}

// New returns a Retrier with the default blocking sleep.
func New(attempts int, backoff BackoffFunc, logger *slog.Logger) Retrier {
	return Retrier{
		Attempts: attempts,
		Backoff:  backoff,
		Sleep:    time.Sleep,
		Logger:   logger,
	}
}

// Do invokes fn until it succeeds, returns a Permanent error, the attempt
// budget is spent, or ctx is cancelled. The backoff sleep blocks the calling
// goroutine; total latency is bounded by the attempt cap alone.
func (r Retrier) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		delay := time.Duration(0)
		if r.Backoff != nil {
			delay = r.Backoff(attempt)
		}
		if r.Logger != nil {
			r.Logger.Warn(name+"_retry", "attempt", attempt, "delay", delay.String(), "err", err.Error())
		}
		if delay > 0 {
			sleep(delay)
		}
	}
	return lastErr
}
