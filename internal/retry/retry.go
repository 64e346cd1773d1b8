// Package retry runs an operation with bounded exponential backoff.
//
// Only the operation handed to Do is retried. In a pipeline step that is the
// business handler call; normalization and output I/O run once.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// Defaults used when a Policy field is left at zero.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
)

// Policy configures Do. MaxRetries is the total number of attempts.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	// MaxDelay caps a single backoff interval. Negative means uncapped.
	MaxDelay time.Duration
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	return p
}

// Delay returns the backoff after the given failed attempt (1-based):
// BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// permanentError marks an error that must not be retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do returns it immediately without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Do calls op until it succeeds, returns a permanent error, the attempts are
// exhausted, or ctx is done. It returns the result, the number of attempts
// made, and the last error.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, int, error) {
	p = p.withDefaults()
	var zero T
	var lastErr error

	for attempt := 1; attempt <= p.MaxRetries; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		if IsPermanent(err) {
			log.Debug().Err(err).Int("attempt", attempt).Msg("Permanent error — not retrying")
			return zero, attempt, err
		}
		if attempt == p.MaxRetries {
			return zero, attempt, err
		}

		delay := p.Delay(attempt)
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("maxRetries", p.MaxRetries).
			Dur("backoff", delay).
			Msg("Attempt failed, retrying")
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, attempt, errors.Join(ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
	return zero, p.MaxRetries, lastErr
}
