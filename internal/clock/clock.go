// Package clock abstracts wall time for the store and the sync engine and
// issues the strictly increasing timestamps that last-writer-wins compares.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock supplies wall time and timers.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// System is the real wall clock.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time { return time.Now() }

// After returns time.After(d).
func (System) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Stamper issues mutation timestamps in unix milliseconds. Every stamp is
// strictly greater than the previous one, even when the wall clock stalls or
// steps backwards.
//
// Stamper is safe for concurrent use.
type Stamper struct {
	clock Clock
	last  atomic.Int64
}

// NewStamper creates a stamper reading c.
func NewStamper(c Clock) *Stamper {
	return &Stamper{clock: c}
}

// NewStamperAt creates a stamper whose first stamp is greater than last.
// Used on open to continue after the newest persisted timestamp.
func NewStamperAt(c Clock, last int64) *Stamper {
	s := &Stamper{clock: c}
	s.last.Store(last)
	return s
}

// Next returns max(now, previous+1).
func (s *Stamper) Next() int64 {
	for {
		prev := s.last.Load()
		next := s.clock.Now().UnixMilli()
		if next <= prev {
			next = prev + 1
		}
		if s.last.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// Current returns the last issued stamp without advancing.
func (s *Stamper) Current() int64 {
	return s.last.Load()
}
