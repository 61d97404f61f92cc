package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/roach88/localsync/internal/clock"
	"github.com/roach88/localsync/internal/model"
	"github.com/roach88/localsync/internal/session"
)

// DefaultTokenTTL is how long issued tokens stay valid.
const DefaultTokenTTL = time.Hour

const minPasswordLen = 6

type account struct {
	id   string
	hash []byte
}

type token struct {
	userID  string
	expires time.Time
}

// Accounts holds users and the bearer tokens issued to them, in memory.
//
// Thread-safety: All methods are safe for concurrent use.
type Accounts struct {
	ttl   time.Duration
	cost  int
	clock clock.Clock

	mu     sync.Mutex
	users  map[string]account
	tokens map[string]token
}

// AccountsOption configures Accounts.
type AccountsOption func(*Accounts)

// WithTokenTTL sets the lifetime of issued tokens.
func WithTokenTTL(d time.Duration) AccountsOption {
	return func(a *Accounts) { a.ttl = d }
}

// WithBcryptCost sets the password hashing cost.
func WithBcryptCost(cost int) AccountsOption {
	return func(a *Accounts) { a.cost = cost }
}

// WithClock sets the clock used for token expiry.
func WithClock(c clock.Clock) AccountsOption {
	return func(a *Accounts) { a.clock = c }
}

// NewAccounts creates an empty account registry.
func NewAccounts(opts ...AccountsOption) *Accounts {
	a := &Accounts{
		ttl:    DefaultTokenTTL,
		cost:   bcrypt.DefaultCost,
		clock:  clock.System{},
		users:  make(map[string]account),
		tokens: make(map[string]token),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ErrUsernameTaken is returned by SignUp for an existing username.
var ErrUsernameTaken = &model.Error{Code: model.ErrCodeValidation, Message: "username taken"}

// SignUp registers a user.
func (a *Accounts) SignUp(username, password string) error {
	if username == "" {
		return model.NewValidationError("", "username is required")
	}
	if len(password) < minPasswordLen {
		return model.NewValidationError("", "password must be at least %d characters", minPasswordLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return model.NewValidationError("", "hash password: %v", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.users[username]; ok {
		return ErrUsernameTaken
	}
	a.users[username] = account{id: uuid.NewString(), hash: hash}
	return nil
}

// SignIn checks a password and issues a token.
func (a *Accounts) SignIn(username, password string) (session.TokenResponse, error) {
	a.mu.Lock()
	acct, ok := a.users[username]
	a.mu.Unlock()

	if !ok || bcrypt.CompareHashAndPassword(acct.hash, []byte(password)) != nil {
		return session.TokenResponse{}, model.NewAuthorizationError("invalid username or password", nil)
	}

	tok := token{userID: acct.id, expires: a.clock.Now().Add(a.ttl)}
	value := uuid.NewString()

	a.mu.Lock()
	a.tokens[value] = tok
	a.mu.Unlock()

	return session.TokenResponse{UserID: tok.userID, Token: value, ExpiresAt: tok.expires}, nil
}

// Lookup resolves a bearer token. Expired tokens are forgotten.
func (a *Accounts) Lookup(value string) (session.Info, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tok, ok := a.tokens[value]
	if !ok {
		return session.Info{}, model.NewAuthorizationError("unknown token", nil)
	}
	if !a.clock.Now().Before(tok.expires) {
		delete(a.tokens, value)
		return session.Info{}, model.NewAuthorizationError("token expired", nil)
	}
	return session.Info{SignedIn: true, UserID: tok.userID, ExpiresAt: tok.expires}, nil
}

// Authorize implements remote.Authorizer.
func (a *Accounts) Authorize(_ context.Context, creds session.Credentials) (string, error) {
	info, err := a.Lookup(creds.Token)
	if err != nil {
		return "", err
	}
	return info.UserID, nil
}
