package session

import "time"

// Account endpoint paths served by the dev server.
const (
	PathSignUp  = "/v1/auth/signup"
	PathSignIn  = "/v1/auth/signin"
	PathSession = "/v1/auth/session"
)

// AuthRequest is the body of sign-up and sign-in requests.
type AuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse is returned by a successful sign-in.
type TokenResponse struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Credentials converts the response.
func (r TokenResponse) Credentials() Credentials {
	return Credentials{UserID: r.UserID, Token: r.Token, ExpiresAt: r.ExpiresAt}
}

// Info describes the session as the server sees it.
type Info struct {
	SignedIn  bool      `json:"signed_in"`
	UserID    string    `json:"user_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}
