// Package retry adapts coremodel.RetryPolicy to the
// github.com/cenkalti/backoff/v4 schedule the manifest and chunk fetch
// retry loops sleep on, the same library the pack's network-facing tools
// (darkprince558-JEND, helixml-helix, kenchrcum-s3-encryption-gateway)
// reach for.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gustash/steamdepot/internal/coremodel"
)

// ErrExhausted is returned by Wait once a schedule built with Policy has
// spent its MaxRetries budget.
var ErrExhausted = errors.New("retry: attempts exhausted")

// uncappedMaxInterval stands in for "no cap" when MaxDelayMs is zero or
// negative, since the exponential schedule always clamps to some maximum.
const uncappedMaxInterval = 365 * 24 * time.Hour

func exponential(p coremodel.RetryPolicy) *backoff.ExponentialBackOff {
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	maxInterval := time.Duration(p.MaxDelayMs) * time.Millisecond
	if maxInterval <= 0 {
		maxInterval = uncappedMaxInterval
	}
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     time.Duration(p.InitialDelayMs) * time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          mult,
		MaxInterval:         maxInterval,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	if p.Jitter {
		// uniform jitter in ±25%
		eb.RandomizationFactor = 0.25
	}
	eb.Reset()
	return eb
}

// Policy builds the schedule a retry loop sleeps on:
// min(max_delay, initial_delay · multiplier^attempt) with optional ±25%
// uniform jitter, reporting backoff.Stop after MaxRetries delays.
func Policy(p coremodel.RetryPolicy) backoff.BackOff {
	return backoff.WithMaxRetries(exponential(p), uint64(p.MaxRetries))
}

// Delay computes RetryPolicy.GetDelay(attempt) by advancing a fresh
// schedule to the attempt'th interval. Retry loops should hold one Policy
// schedule and Wait on it instead of calling Delay per attempt.
func Delay(p coremodel.RetryPolicy, attempt int) time.Duration {
	eb := exponential(p)
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = eb.NextBackOff()
	}
	return d
}

// Wait sleeps for b's next delay or until ctx is cancelled, whichever comes
// first. It returns ErrExhausted once b reports backoff.Stop, and ctx.Err()
// on cancellation.
func Wait(ctx context.Context, b backoff.BackOff) error {
	d := b.NextBackOff()
	if d == backoff.Stop {
		return ErrExhausted
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
