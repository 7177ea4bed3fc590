package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultSessionTTL = 60 * time.Minute
	accessTokenType   = "access"
)

// LocalProvider is a self-hosted identity provider for deployments without
// a managed auth service. Credentials live in auth_credentials, sessions in
// auth_sessions; a session is revoked on sign out.
type LocalProvider struct {
	db         *sql.DB
	secret     []byte
	sessionTTL time.Duration
	dummyHash  []byte
	now        func() time.Time
}

var _ Provider = (*LocalProvider)(nil)

func NewLocalProvider(db *sql.DB, secret string, sessionTTL time.Duration) (*LocalProvider, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < 32 {
		return nil, fmt.Errorf("session secret must be at least 32 characters")
	}
	if sessionTTL <= 0 {
		sessionTTL = defaultSessionTTL
	}

	// Compared against when the account is unknown so both paths cost the same.
	dummyHash, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash dummy password: %w", err)
	}

	return &LocalProvider{
		db:         db,
		secret:     []byte(secret),
		sessionTTL: sessionTTL,
		dummyHash:  dummyHash,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func (p *LocalProvider) SignInWithPassword(ctx context.Context, email, password string) (Identity, Session, error) {
	email = NormalizeEmail(email)

	var userID, passwordHash string
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, password_hash
		FROM auth_credentials
		WHERE email = $1
	`, email).Scan(&userID, &passwordHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			_ = bcrypt.CompareHashAndPassword(p.dummyHash, []byte(password))
			return Identity{}, Session{}, ErrInvalidCredentials
		}
		return Identity{}, Session{}, fmt.Errorf("query credentials: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return Identity{}, Session{}, ErrInvalidCredentials
	}

	sessionID, err := uuid.NewV7()
	if err != nil {
		return Identity{}, Session{}, fmt.Errorf("generate session id: %w", err)
	}

	now := p.now()
	expiresAt := now.Add(p.sessionTTL)

	if _, err := p.db.ExecContext(ctx, `
		INSERT INTO auth_sessions (id, user_id, email, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, sessionID.String(), userID, email, expiresAt, now); err != nil {
		return Identity{}, Session{}, fmt.Errorf("insert session: %w", err)
	}

	claims := accessClaims{
		Email:     email,
		SessionID: sessionID.String(),
		Type:      accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	encoded, err := token.SignedString(p.secret)
	if err != nil {
		return Identity{}, Session{}, fmt.Errorf("sign jwt: %w", err)
	}

	return Identity{ID: userID, Email: email}, Session{
		AccessToken: encoded,
		TokenType:   "Bearer",
		ExpiresIn:   int64(p.sessionTTL.Seconds()),
		ExpiresAt:   expiresAt.Unix(),
	}, nil
}

func (p *LocalProvider) GetUser(ctx context.Context, accessToken string) (Identity, error) {
	claims, err := p.parse(accessToken)
	if err != nil {
		return Identity{}, err
	}

	var expiresAt time.Time
	var revokedAt sql.NullTime
	err = p.db.QueryRowContext(ctx, `
		SELECT expires_at, revoked_at
		FROM auth_sessions
		WHERE id = $1
	`, claims.SessionID).Scan(&expiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Identity{}, ErrInvalidToken
		}
		return Identity{}, fmt.Errorf("query session: %w", err)
	}
	if revokedAt.Valid || !p.now().Before(expiresAt.UTC()) {
		return Identity{}, ErrInvalidToken
	}

	return Identity{ID: claims.Subject, Email: claims.Email}, nil
}

func (p *LocalProvider) SignOut(ctx context.Context, accessToken string) error {
	claims, err := p.parse(accessToken)
	if err != nil {
		return err
	}

	if _, err := p.db.ExecContext(ctx, `
		UPDATE auth_sessions
		SET revoked_at = COALESCE(revoked_at, $2)
		WHERE id = $1
	`, claims.SessionID, p.now()); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}

	return nil
}

// PurgeExpiredSessions deletes up to batchSize sessions that expired or were
// revoked, oldest first.
func (p *LocalProvider) PurgeExpiredSessions(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	res, err := p.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_sessions
			WHERE expires_at < $1 OR revoked_at IS NOT NULL
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM auth_sessions s
		USING stale
		WHERE s.id = stale.id
	`, p.now(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired sessions rows affected: %w", err)
	}

	return affected, nil
}

func (p *LocalProvider) parse(accessToken string) (*accessClaims, error) {
	claims, err := parseAccessToken(accessToken, p.secret)
	if err != nil {
		return nil, err
	}
	if claims.Type != accessTokenType || claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// SetCredentials creates or replaces the password for email. Accounts are
// provisioned by administrators; nothing creates them on first login.
func (p *LocalProvider) SetCredentials(ctx context.Context, userID, email, password string) error {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return fmt.Errorf("email and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, `
		INSERT INTO auth_credentials (email, user_id, password_hash, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email)
		DO UPDATE SET
			user_id = EXCLUDED.user_id,
			password_hash = EXCLUDED.password_hash,
			updated_at = EXCLUDED.updated_at
	`, email, userID, string(hash), p.now()); err != nil {
		return fmt.Errorf("upsert credentials: %w", err)
	}

	return nil
}
