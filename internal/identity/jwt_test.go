package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// recordingProvider knows which tokens belong to a live session.
type recordingProvider struct {
	sessions     map[string]Identity
	getUserCalls int
}

func newRecordingProvider() *recordingProvider {
	return &recordingProvider{sessions: map[string]Identity{}}
}

func (p *recordingProvider) SignInWithPassword(context.Context, string, string) (Identity, Session, error) {
	return Identity{}, Session{}, nil
}

func (p *recordingProvider) GetUser(_ context.Context, token string) (Identity, error) {
	p.getUserCalls++
	ident, ok := p.sessions[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return ident, nil
}

func (p *recordingProvider) SignOut(_ context.Context, token string) error {
	if _, ok := p.sessions[token]; !ok {
		return ErrInvalidToken
	}
	delete(p.sessions, token)
	return nil
}

func signToken(t *testing.T, method jwt.SigningMethod, key any, claims accessClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func validClaims() accessClaims {
	return accessClaims{
		Email: "Author@News.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u-7",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestJWTVerifier_ValidTokenIsConfirmedWithProvider(t *testing.T) {
	remote := newRecordingProvider()
	verifier := NewJWTVerifier(remote, testSecret)

	token := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims())
	remote.sessions[token] = Identity{ID: "u-7", Email: "author@news.com"}

	ident, err := verifier.GetUser(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, Identity{ID: "u-7", Email: "author@news.com"}, ident)
	assert.Equal(t, 1, remote.getUserCalls)
}

func TestJWTVerifier_RejectsTokenAfterSignOut(t *testing.T) {
	remote := newRecordingProvider()
	verifier := NewJWTVerifier(remote, testSecret)
	ctx := context.Background()

	token := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims())
	remote.sessions[token] = Identity{ID: "u-7", Email: "author@news.com"}

	_, err := verifier.GetUser(ctx, token)
	require.NoError(t, err)

	require.NoError(t, verifier.SignOut(ctx, token))

	_, err = verifier.GetUser(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidToken, "signature and expiry are still valid, the session is not")
}

func TestJWTVerifier_RejectsSubjectMismatch(t *testing.T) {
	remote := newRecordingProvider()
	verifier := NewJWTVerifier(remote, testSecret)

	token := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims())
	remote.sessions[token] = Identity{ID: "someone-else", Email: "other@news.com"}

	_, err := verifier.GetUser(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTVerifier_RejectsBadTokens(t *testing.T) {
	remote := newRecordingProvider()
	verifier := NewJWTVerifier(remote, testSecret)

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	noExpiry := validClaims()
	noExpiry.ExpiresAt = nil

	noEmail := validClaims()
	noEmail.Email = ""

	tests := map[string]string{
		"wrong secret": signToken(t, jwt.SigningMethodHS256, []byte("another-secret-another-secret-xx"), validClaims()),
		"expired":      signToken(t, jwt.SigningMethodHS256, []byte(testSecret), expired),
		"no expiry":    signToken(t, jwt.SigningMethodHS256, []byte(testSecret), noExpiry),
		"no email":     signToken(t, jwt.SigningMethodHS256, []byte(testSecret), noEmail),
		"wrong alg":    signToken(t, jwt.SigningMethodHS512, []byte(testSecret), validClaims()),
		"garbage":      "not-a-jwt",
		"empty":        "",
	}

	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := verifier.GetUser(context.Background(), token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
	assert.Equal(t, 0, remote.getUserCalls, "locally rejected tokens never reach the provider")
}

func TestJWTVerifier_DelegatesWithoutSecret(t *testing.T) {
	remote := newRecordingProvider()
	remote.sessions["opaque"] = Identity{ID: "remote", Email: "remote@news.com"}
	verifier := NewJWTVerifier(remote, "")

	ident, err := verifier.GetUser(context.Background(), "opaque")
	require.NoError(t, err)
	assert.Equal(t, "remote@news.com", ident.Email)
	assert.Equal(t, 1, remote.getUserCalls)
}

func TestNewLocalProvider_RequiresLongSecret(t *testing.T) {
	_, err := NewLocalProvider(nil, "short", time.Hour)
	assert.Error(t, err)
}

func TestLocalProvider_ParseRequiresSessionClaims(t *testing.T) {
	p := &LocalProvider{secret: []byte(testSecret)}

	withoutSession := validClaims()
	_, err := p.parse(signToken(t, jwt.SigningMethodHS256, []byte(testSecret), withoutSession))
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongType := validClaims()
	wrongType.SessionID = "s-1"
	wrongType.Type = "refresh"
	_, err = p.parse(signToken(t, jwt.SigningMethodHS256, []byte(testSecret), wrongType))
	assert.ErrorIs(t, err, ErrInvalidToken)

	good := validClaims()
	good.SessionID = "s-1"
	good.Type = accessTokenType
	claims, err := p.parse(signToken(t, jwt.SigningMethodHS256, []byte(testSecret), good))
	require.NoError(t, err)
	assert.Equal(t, "s-1", claims.SessionID)
}
