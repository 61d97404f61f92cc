package session

import (
	"context"
	"sync"

	"github.com/roach88/localsync/internal/clock"
)

// Static is an in-memory Provider holding credentials set by the caller.
type Static struct {
	clock clock.Clock

	mu    sync.Mutex
	creds Credentials

	expired   callbacks
	refreshed callbacks
}

// NewStatic returns a provider holding c. Pass a zero Credentials to start
// signed out.
func NewStatic(c Credentials) *Static {
	return &Static{clock: clock.System{}, creds: c}
}

// NewStaticWithClock is NewStatic with an explicit clock for expiry checks.
func NewStaticWithClock(c Credentials, clk clock.Clock) *Static {
	return &Static{clock: clk, creds: c}
}

// CurrentCredentials implements Provider.
func (s *Static) CurrentCredentials(ctx context.Context) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}
	s.mu.Lock()
	c := s.creds
	s.mu.Unlock()

	if !c.Valid() || c.Expired(s.clock.Now()) {
		return Credentials{}, ErrUnauthenticated
	}
	return c, nil
}

// Update replaces the credentials and notifies refresh listeners.
func (s *Static) Update(c Credentials) {
	s.mu.Lock()
	s.creds = c
	s.mu.Unlock()
	s.refreshed.fire()
}

// Expire drops the credentials and notifies expiry listeners.
func (s *Static) Expire() {
	s.mu.Lock()
	s.creds = Credentials{}
	s.mu.Unlock()
	s.expired.fire()
}

// Invalidate implements Invalidator. Only the matching token is dropped, so
// a rejection racing with Update does not discard the new credentials.
func (s *Static) Invalidate(c Credentials) {
	s.mu.Lock()
	match := s.creds.Token != "" && s.creds.Token == c.Token
	if match {
		s.creds = Credentials{}
	}
	s.mu.Unlock()
	if match {
		s.expired.fire()
	}
}

// OnCredentialsExpired implements Provider.
func (s *Static) OnCredentialsExpired(fn func()) func() {
	return s.expired.add(fn)
}

// OnCredentialsRefreshed implements RefreshNotifier.
func (s *Static) OnCredentialsRefreshed(fn func()) func() {
	return s.refreshed.add(fn)
}

var (
	_ Provider        = (*Static)(nil)
	_ Invalidator     = (*Static)(nil)
	_ RefreshNotifier = (*Static)(nil)
)
