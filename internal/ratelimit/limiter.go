// Package ratelimit implements the shared download speed limiter from
// a token-bucket limiter on top of golang.org/x/time/rate, the library
// network-facing tools like prysmaticlabs-prysm, guiyumin-vget,
// canonical-snapd, and James-Wolfley-steam-achievement-tracker already carry.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter caps aggregate byte throughput across all chunk workers sharing
// it. Capacity is one second of bytes at the configured rate, refilled
// continuously — exactly rate.Limiter's native token-bucket semantics.
type Limiter struct {
	rl *rate.Limiter
}

// New builds a Limiter for bytesPerSecond. A nil or non-positive rate means
// unlimited: Wait then never blocks.
func New(bytesPerSecond *int64) *Limiter {
	if bytesPerSecond == nil || *bytesPerSecond <= 0 {
		return &Limiter{rl: nil}
	}
	r := rate.Limit(*bytesPerSecond)
	burst := int(*bytesPerSecond)
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{rl: rate.NewLimiter(r, burst)}
}

// Wait blocks until n bytes' worth of tokens are available, or ctx is done.
func (l *Limiter) Wait(ctx context.Context, n int) error {
	if l.rl == nil {
		return nil
	}
	// WaitN requires n <= burst; burst was sized to one second of bytes, but
	// a single chunk can exceed a very low configured rate. Clamp by
	// spending in bursts of at most the limiter's burst size.
	burst := l.rl.Burst()
	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}
		if err := l.rl.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

// Unlimited reports whether this limiter imposes no bound.
func (l *Limiter) Unlimited() bool { return l.rl == nil }
