package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/roach88/localsync/internal/clock"
	"github.com/roach88/localsync/internal/model"
)

// expirySkew is how long before ExpiresAt cached credentials stop being
// handed out.
const expirySkew = 30 * time.Second

// HTTP is a Provider backed by the dev server's account endpoints.
//
// After SignIn the token is cached until shortly before it expires. If the
// provider knows a password (SignIn or WithPassword), it signs in again on
// demand; otherwise expiry ends the session and fires OnCredentialsExpired.
type HTTP struct {
	baseURL string
	client  *http.Client
	clock   clock.Clock
	logger  *slog.Logger

	mu       sync.Mutex
	username string
	password string
	creds    Credentials

	expired   callbacks
	refreshed callbacks
}

// HTTPOption configures an HTTP provider.
type HTTPOption func(*HTTP)

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

// WithClock sets the clock used for expiry checks.
func WithClock(c clock.Clock) HTTPOption {
	return func(h *HTTP) { h.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) HTTPOption {
	return func(h *HTTP) { h.logger = l }
}

// WithPassword lets the provider sign in on demand.
func WithPassword(username, password string) HTTPOption {
	return func(h *HTTP) {
		h.username = username
		h.password = password
	}
}

// WithToken seeds the provider with an existing token.
func WithToken(c Credentials) HTTPOption {
	return func(h *HTTP) { h.creds = c }
}

// NewHTTP creates a provider talking to the server at baseURL.
func NewHTTP(baseURL string, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		clock:   clock.System{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SignUp creates an account.
func (h *HTTP) SignUp(ctx context.Context, username, password string) error {
	return h.do(ctx, http.MethodPost, PathSignUp, "", AuthRequest{Username: username, Password: password}, nil)
}

// SignIn exchanges a username and password for credentials and caches them.
func (h *HTTP) SignIn(ctx context.Context, username, password string) (Credentials, error) {
	var resp TokenResponse
	if err := h.do(ctx, http.MethodPost, PathSignIn, "", AuthRequest{Username: username, Password: password}, &resp); err != nil {
		return Credentials{}, err
	}
	c := resp.Credentials()

	h.mu.Lock()
	h.username = username
	h.password = password
	h.creds = c
	h.mu.Unlock()

	h.logger.Debug("signed in", "user", c.UserID, "expires_at", c.ExpiresAt)
	h.refreshed.fire()
	return c, nil
}

// SignOut forgets the cached credentials and password.
func (h *HTTP) SignOut() {
	h.mu.Lock()
	had := h.creds.Valid()
	h.creds = Credentials{}
	h.password = ""
	h.mu.Unlock()
	if had {
		h.expired.fire()
	}
}

// FetchSession asks the server about the cached token. Without a token it
// reports a signed-out session and makes no request.
func (h *HTTP) FetchSession(ctx context.Context) (Info, error) {
	h.mu.Lock()
	c := h.creds
	h.mu.Unlock()
	if !c.Valid() {
		return Info{}, nil
	}

	var info Info
	err := h.do(ctx, http.MethodGet, PathSession, c.Token, nil, &info)
	if model.IsAuthorization(err) {
		return Info{}, nil
	}
	if err != nil {
		return Info{}, err
	}
	return info, nil
}

// CurrentCredentials implements Provider.
func (h *HTTP) CurrentCredentials(ctx context.Context) (Credentials, error) {
	h.mu.Lock()
	c := h.creds
	username, password := h.username, h.password
	h.mu.Unlock()

	now := h.clock.Now()
	if c.Valid() && !c.Expired(now.Add(expirySkew)) {
		return c, nil
	}

	if password != "" {
		fresh, err := h.SignIn(ctx, username, password)
		if err != nil {
			if model.IsAuthorization(err) {
				return Credentials{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
			}
			return Credentials{}, err
		}
		return fresh, nil
	}

	if c.Valid() {
		h.logger.Info("session expired", "user", c.UserID)
		h.Invalidate(c)
	}
	return Credentials{}, ErrUnauthenticated
}

// Invalidate implements Invalidator.
func (h *HTTP) Invalidate(c Credentials) {
	h.mu.Lock()
	match := h.creds.Token != "" && h.creds.Token == c.Token
	if match {
		h.creds = Credentials{}
	}
	h.mu.Unlock()
	if match {
		h.expired.fire()
	}
}

// OnCredentialsExpired implements Provider.
func (h *HTTP) OnCredentialsExpired(fn func()) func() {
	return h.expired.add(fn)
}

// OnCredentialsRefreshed implements RefreshNotifier.
func (h *HTTP) OnCredentialsRefreshed(fn func()) func() {
	return h.refreshed.add(fn)
}

func (h *HTTP) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s %s: encode: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return model.NewTransientError(fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

// decodeError maps a non-2xx response onto the model error taxonomy.
func decodeError(resp *http.Response) error {
	var body struct {
		Error struct {
			Code    model.ErrorCode `json:"code"`
			Message string          `json:"message"`
		} `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body)

	code := body.Error.Code
	if code == "" {
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			code = model.ErrCodeAuthorization
		case resp.StatusCode >= 500:
			code = model.ErrCodeTransient
		default:
			code = model.ErrCodeValidation
		}
	}
	msg := body.Error.Message
	if msg == "" {
		msg = resp.Status
	}
	return &model.Error{Code: code, Message: msg}
}

var (
	_ Provider        = (*HTTP)(nil)
	_ Invalidator     = (*HTTP)(nil)
	_ RefreshNotifier = (*HTTP)(nil)
)
