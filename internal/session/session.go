// Package session defines how the sync engine obtains credentials. The store
// and engine never authenticate on their own; they ask a Provider for the
// current credentials and react when those expire.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrUnauthenticated is returned by CurrentCredentials when no session exists.
var ErrUnauthenticated = errors.New("session: not signed in")

// Credentials identify the signed-in user to the remote service.
type Credentials struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether c carries a token.
func (c Credentials) Valid() bool {
	return c.Token != ""
}

// Expired reports whether c has expired at now. A zero ExpiresAt never
// expires.
func (c Credentials) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Provider supplies credentials to the sync engine.
type Provider interface {
	// CurrentCredentials returns the active credentials or ErrUnauthenticated.
	CurrentCredentials(ctx context.Context) (Credentials, error)

	// OnCredentialsExpired registers fn to run when the session ends. The
	// returned func removes the registration.
	OnCredentialsExpired(fn func()) (cancel func())
}

// Invalidator is implemented by providers that can drop credentials the
// remote service rejected.
type Invalidator interface {
	Invalidate(c Credentials)
}

// RefreshNotifier is implemented by providers that announce new credentials.
type RefreshNotifier interface {
	OnCredentialsRefreshed(fn func()) (cancel func())
}

// callbacks is a registry of funcs fired in registration order.
type callbacks struct {
	mu   sync.Mutex
	fns  map[int]func()
	next int
}

func (c *callbacks) add(fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fns == nil {
		c.fns = make(map[int]func())
	}
	id := c.next
	c.next++
	c.fns[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.fns, id)
	}
}

// fire runs the registered funcs outside the lock.
func (c *callbacks) fire() {
	c.mu.Lock()
	ids := make([]int, 0, len(c.fns))
	for id := range c.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.fns[id])
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
