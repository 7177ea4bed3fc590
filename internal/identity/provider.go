// Package identity talks to the identity provider that proves who a user is.
// A proven identity says nothing about what the user may do; that decision
// belongs to the portal user store.
package identity

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// Identity is a proven user as reported by the provider.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is the provider's session payload. It is passed through to
// clients unchanged.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
}

type Provider interface {
	SignInWithPassword(ctx context.Context, email, password string) (Identity, Session, error)
	GetUser(ctx context.Context, accessToken string) (Identity, error)
	SignOut(ctx context.Context, accessToken string) error
}

// NormalizeEmail is the canonical form used for every lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
