package syncer

import (
	"math/rand/v2"
	"time"
)

// Default retry delays for transient failures.
const (
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 60 * time.Second
)

// Backoff computes retry delays for consecutive transient failures.
//
// The ceiling for attempt n is min(cap, base*2^n). The delay is drawn from
// [ceiling/2, ceiling] and never drops below the previous delay, so a run of
// failures waits non-decreasing amounts up to the cap. Reset starts over.
//
// Backoff is not safe for concurrent use; the engine's Run loop owns it.
type Backoff struct {
	base   time.Duration
	cap    time.Duration
	jitter func() float64

	attempt int
	prev    time.Duration
}

// NewBackoff creates a backoff. jitter returns values in [0, 1); nil uses
// math/rand.
func NewBackoff(base, cap time.Duration, jitter func() float64) *Backoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if cap < base {
		cap = base
	}
	if jitter == nil {
		jitter = rand.Float64
	}
	return &Backoff{base: base, cap: cap, jitter: jitter}
}

// Next returns the delay before the next retry.
func (b *Backoff) Next() time.Duration {
	ceiling := b.cap
	if b.attempt < 32 {
		if c := b.base << b.attempt; c > 0 && c < b.cap {
			ceiling = c
		}
	}
	b.attempt++

	half := ceiling / 2
	d := half + time.Duration(b.jitter()*float64(ceiling-half))
	d = max(d, b.prev)
	d = min(d, b.cap)
	b.prev = d
	return d
}

// Attempts returns how many delays were handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}

// Reset clears the failure history after a success.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.prev = 0
}
