package supervisor

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy holds the per-kind backoff delay sequence and the total
// attempt budget shared across all kinds.
type RetryPolicy struct {
	Delays      map[Kind][]time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy returns the delay sequences named in the
// component contract: network backs off 1/2/4s, timeout 2/4/8s,
// rate_limit defaults to 5/15/30s when no upstream hint is available.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		Delays: map[Kind][]time.Duration{
			KindNetwork:    {1 * time.Second, 2 * time.Second, 4 * time.Second},
			KindTimeout:    {2 * time.Second, 4 * time.Second, 8 * time.Second},
			KindRateLimit:  {5 * time.Second, 15 * time.Second, 30 * time.Second},
			KindParsing:    {1 * time.Second, 2 * time.Second},
			KindExtraction: {1 * time.Second, 2 * time.Second},
		},
	}
}

// DelayFor returns the backoff delay before retry attempt n (1-based:
// n=1 is the delay before the first retry, after the initial
// attempt). ok is false once attempts or the delay table are
// exhausted, signaling the caller should stop retrying.
func (p RetryPolicy) DelayFor(kind Kind, attempt int) (delay time.Duration, ok bool) {
	if !kind.Retryable() {
		return 0, false
	}
	if attempt > p.MaxAttempts {
		return 0, false
	}
	delays := p.Delays[kind]
	idx := attempt - 1
	if idx < 0 || idx >= len(delays) {
		return 0, false
	}
	return delays[idx], true
}

// RetryableFunc is a unit of work that may fail with a Kind-carrying
// error; retryAfter, when non-zero, is honored as the upstream's
// stated retry-after hint and takes precedence over the policy table
// (e.g. a 429's Retry-After header).
type RetryableFunc func(ctx context.Context, attempt int) (retryAfter time.Duration, err error)

// Do runs fn, retrying according to policy until it succeeds, its
// error becomes non-retryable, the attempt budget is exhausted, or ctx
// is cancelled.
func (p RetryPolicy) Do(ctx context.Context, kind Kind, fn RetryableFunc) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts+1; attempt++ {
		retryAfter, err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		effectiveKind := kind
		if se, ok := asSupervisorError(err); ok {
			effectiveKind = se.Kind
		}
		if !effectiveKind.Retryable() {
			return err
		}

		delay := retryAfter
		if delay == 0 {
			d, ok := p.DelayFor(effectiveKind, attempt)
			if !ok {
				return err
			}
			delay = d
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func asSupervisorError(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
