package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/localsync/internal/model"
	"github.com/roach88/localsync/internal/testutil"
)

var start = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func TestCredentials_Expired(t *testing.T) {
	c := Credentials{Token: "t", ExpiresAt: start}
	assert.False(t, c.Expired(start.Add(-time.Second)))
	assert.True(t, c.Expired(start))
	assert.False(t, Credentials{Token: "t"}.Expired(start), "zero expiry never expires")
}

func TestStatic_SignedOut(t *testing.T) {
	s := NewStatic(Credentials{})
	_, err := s.CurrentCredentials(context.Background())
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestStatic_ExpiresByClock(t *testing.T) {
	clk := testutil.NewFakeClock(start)
	s := NewStaticWithClock(Credentials{UserID: "u", Token: "t", ExpiresAt: start.Add(time.Minute)}, clk)

	c, err := s.CurrentCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t", c.Token)

	clk.Advance(time.Minute)
	_, err = s.CurrentCredentials(context.Background())
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestStatic_CallbacksAndInvalidate(t *testing.T) {
	s := NewStatic(Credentials{Token: "old"})

	var expired, refreshed int
	cancelExpired := s.OnCredentialsExpired(func() { expired++ })
	s.OnCredentialsRefreshed(func() { refreshed++ })

	// A stale token does not discard the current one.
	s.Invalidate(Credentials{Token: "other"})
	assert.Equal(t, 0, expired)

	s.Invalidate(Credentials{Token: "old"})
	assert.Equal(t, 1, expired)
	_, err := s.CurrentCredentials(context.Background())
	assert.ErrorIs(t, err, ErrUnauthenticated)

	s.Update(Credentials{Token: "new"})
	assert.Equal(t, 1, refreshed)
	c, err := s.CurrentCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new", c.Token)

	cancelExpired()
	s.Expire()
	assert.Equal(t, 1, expired)
}

func TestCallbacks_FireInRegistrationOrder(t *testing.T) {
	var cb callbacks
	var got []int
	for i := range 5 {
		cb.add(func() { got = append(got, i) })
	}
	cb.fire()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

// fakeAccounts serves the account endpoints for one user.
type fakeAccounts struct {
	signIns atomic.Int32
	ttl     time.Duration
	now     func() time.Time
}

func (f *fakeAccounts) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+PathSignUp, func(w http.ResponseWriter, r *http.Request) {
		var req AuthRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Username == "taken" {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":{"code":"VALIDATION","message":"username taken"}}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("POST "+PathSignIn, func(w http.ResponseWriter, r *http.Request) {
		var req AuthRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"AUTHORIZATION","message":"bad credentials"}}`))
			return
		}
		n := f.signIns.Add(1)
		_ = json.NewEncoder(w).Encode(TokenResponse{
			UserID:    "user-" + req.Username,
			Token:     "tok-" + string(rune('0'+n)),
			ExpiresAt: f.now().Add(f.ttl),
		})
	})
	mux.HandleFunc("GET "+PathSession, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(Info{SignedIn: true, UserID: "user-alice"})
	})
	return mux
}

func newHTTPProvider(t *testing.T, clk *testutil.FakeClock, opts ...HTTPOption) (*HTTP, *fakeAccounts) {
	t.Helper()
	fa := &fakeAccounts{ttl: time.Hour, now: clk.Now}
	srv := httptest.NewServer(fa.handler())
	t.Cleanup(srv.Close)
	opts = append([]HTTPOption{WithClock(clk), WithHTTPClient(srv.Client())}, opts...)
	return NewHTTP(srv.URL, opts...), fa
}

func TestHTTP_SignUpAndSignIn(t *testing.T) {
	clk := testutil.NewFakeClock(start)
	h, _ := newHTTPProvider(t, clk)
	ctx := context.Background()

	require.NoError(t, h.SignUp(ctx, "alice", "secret"))

	err := h.SignUp(ctx, "taken", "secret")
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))

	_, err = h.SignIn(ctx, "alice", "wrong")
	assert.True(t, model.IsAuthorization(err))

	c, err := h.SignIn(ctx, "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, "user-alice", c.UserID)
	assert.True(t, start.Add(time.Hour).Equal(c.ExpiresAt), "expires at %v", c.ExpiresAt)

	cur, err := h.CurrentCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, c.Token, cur.Token)
}

func TestHTTP_FetchSession(t *testing.T) {
	clk := testutil.NewFakeClock(start)
	h, _ := newHTTPProvider(t, clk)
	ctx := context.Background()

	info, err := h.FetchSession(ctx)
	require.NoError(t, err)
	assert.False(t, info.SignedIn)

	_, err = h.SignIn(ctx, "alice", "secret")
	require.NoError(t, err)
	info, err = h.FetchSession(ctx)
	require.NoError(t, err)
	assert.True(t, info.SignedIn)
	assert.Equal(t, "user-alice", info.UserID)
}

func TestHTTP_SignsInAgainNearExpiry(t *testing.T) {
	clk := testutil.NewFakeClock(start)
	h, fa := newHTTPProvider(t, clk, WithPassword("alice", "secret"))
	ctx := context.Background()

	refreshed := 0
	h.OnCredentialsRefreshed(func() { refreshed++ })

	first, err := h.CurrentCredentials(ctx)
	require.NoError(t, err)
	again, err := h.CurrentCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Token, again.Token, "cached token reused")
	assert.Equal(t, int32(1), fa.signIns.Load())

	clk.Advance(time.Hour - 10*time.Second)
	second, err := h.CurrentCredentials(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, second.Token)
	assert.Equal(t, int32(2), fa.signIns.Load())
	assert.Equal(t, 2, refreshed)
}

func TestHTTP_ExpiryWithoutPasswordEndsSession(t *testing.T) {
	clk := testutil.NewFakeClock(start)
	h, _ := newHTTPProvider(t, clk, WithToken(Credentials{UserID: "u", Token: "t", ExpiresAt: start.Add(time.Minute)}))
	ctx := context.Background()

	expired := 0
	h.OnCredentialsExpired(func() { expired++ })

	_, err := h.CurrentCredentials(ctx)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	_, err = h.CurrentCredentials(ctx)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, 1, expired)
}

func TestHTTP_TransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	h := NewHTTP(url)
	_, err := h.SignIn(context.Background(), "alice", "secret")
	require.Error(t, err)
	assert.True(t, model.IsTransient(err))
	assert.False(t, errors.Is(err, ErrUnauthenticated))
}
