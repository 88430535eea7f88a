package supervisor

import (
	"context"
	"math/rand"
	"time"
)

// Backoff is capped doubling with jitter. The zero value is usable and
// behaves like NewBackoff(250ms, 30s).
//
// Not safe for concurrent use; each retry loop owns its own Backoff.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the wait added at random, 0.2 = up to +20%

	cur time.Duration
	rng *rand.Rand
}

func NewBackoff(min, max time.Duration) *Backoff {
	return &Backoff{Min: min, Max: max, Jitter: 0.2}
}

func (b *Backoff) bounds() (time.Duration, time.Duration) {
	lo, hi := b.Min, b.Max
	if lo <= 0 {
		lo = 250 * time.Millisecond
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// Next returns the wait before the next attempt and advances the window.
func (b *Backoff) Next() time.Duration {
	lo, hi := b.bounds()
	if b.cur < lo {
		b.cur = lo
	}
	wait := b.cur
	if wait > hi {
		wait = hi
	}
	if b.Jitter > 0 {
		if b.rng == nil {
			b.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		if j := int64(float64(wait) * b.Jitter); j > 0 {
			wait += time.Duration(b.rng.Int63n(j + 1))
		}
	}
	b.cur *= 2
	if b.cur > hi {
		b.cur = hi
	}
	return wait
}

// Raise lifts the window so the next wait is at least d (still capped).
func (b *Backoff) Raise(d time.Duration) {
	if d > b.cur {
		b.cur = d
	}
}

// Reset restores the initial window.
func (b *Backoff) Reset() { b.cur = 0 }

// Sleep waits for d or until ctx is done. It reports whether the full wait
// elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
