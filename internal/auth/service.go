package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"newsportal/internal/identity"
	"newsportal/internal/observability"
	"newsportal/internal/portal"
	"newsportal/internal/ratelimit"
)

var emailRegex = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

const (
	defaultUpstreamTimeout = 5 * time.Second
	maxEmailLength         = 254
	maxPasswordLength      = 200
)

type AuditWriter interface {
	InsertAuditLog(ctx context.Context, entry portal.AuditEntry) error
}

type LoginInput struct {
	Email     string
	Password  string
	ClientID  string
	UserAgent string
}

type LoginResult struct {
	User    portal.User      `json:"user"`
	Session identity.Session `json:"session"`
}

// Service runs the login sequence and session checks: rate limit, identity
// proof, then portal membership. Any denial after a session was issued
// terminates that session.
type Service struct {
	provider        identity.Provider
	gate            *Gate
	limiter         *ratelimit.Limiter
	audit           AuditWriter
	logger          *observability.Logger
	metrics         *observability.Metrics
	upstreamTimeout time.Duration
}

func NewService(provider identity.Provider, gate *Gate, limiter *ratelimit.Limiter, logger *observability.Logger) *Service {
	return &Service{
		provider:        provider,
		gate:            gate,
		limiter:         limiter,
		logger:          logger,
		upstreamTimeout: defaultUpstreamTimeout,
	}
}

func (s *Service) WithAudit(audit AuditWriter) *Service {
	s.audit = audit
	return s
}

func (s *Service) WithMetrics(metrics *observability.Metrics) *Service {
	s.metrics = metrics
	return s
}

// WithUpstreamTimeout bounds each identity provider and user store call.
func (s *Service) WithUpstreamTimeout(timeout time.Duration) *Service {
	if timeout > 0 {
		s.upstreamTimeout = timeout
	}
	return s
}

func ValidateLogin(email, password string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return "", ValidationError{Message: "email and password are required"}
	}
	if len(email) > maxEmailLength || !emailRegex.MatchString(email) {
		return "", ValidationError{Message: "invalid email format"}
	}
	if len(password) > maxPasswordLength {
		return "", ValidationError{Message: "invalid password format"}
	}
	return identity.NormalizeEmail(email), nil
}

func (s *Service) Login(ctx context.Context, in LoginInput) (LoginResult, error) {
	email, err := ValidateLogin(in.Email, in.Password)
	if err != nil {
		s.metrics.LoginAttempt("invalid_input")
		return LoginResult{}, err
	}

	decision, err := s.limiter.Check(ctx, in.ClientID)
	if err != nil {
		s.logger.Error("rate_limit_check_failed", map[string]any{"ip": in.ClientID, "error": err.Error()})
	}
	if !decision.Allowed {
		retryAfter := s.limiter.RetryAfter(decision)
		s.metrics.LoginAttempt("rate_limited")
		s.logger.Warn("login_rate_limited", map[string]any{
			"ip":            in.ClientID,
			"retry_after_s": int(retryAfter.Seconds()),
		})
		return LoginResult{}, RateLimitedError{RetryAfter: retryAfter}
	}

	proven, session, err := s.signIn(ctx, email, in.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			record, recErr := s.limiter.RecordFailure(ctx, in.ClientID)
			if recErr != nil {
				s.logger.Error("rate_limit_record_failed", map[string]any{"ip": in.ClientID, "error": recErr.Error()})
			}
			s.metrics.LoginAttempt("invalid_credentials")
			s.logger.Warn("login_failed", map[string]any{
				"email":    email,
				"ip":       in.ClientID,
				"attempts": record.Count,
				"blocked":  record.Blocked,
			})
			return LoginResult{}, ErrInvalidCredentials
		}
		s.metrics.LoginAttempt("error")
		s.logger.Error("login_error", map[string]any{"email": email, "ip": in.ClientID, "error": err.Error()})
		return LoginResult{}, fmt.Errorf("sign in: %w", err)
	}

	result, err := s.authorize(ctx, proven.Email, PortalSurface)
	if err != nil {
		s.signOut(ctx, session.AccessToken, proven.Email)
		s.metrics.LoginAttempt("error")
		s.logger.Error("login_error", map[string]any{"email": proven.Email, "ip": in.ClientID, "error": err.Error()})
		return LoginResult{}, err
	}
	if !result.Authorized {
		s.signOut(ctx, session.AccessToken, proven.Email)
		s.metrics.LoginAttempt("not_authorized")
		s.logger.Warn("login_unauthorized", map[string]any{
			"email":  proven.Email,
			"ip":     in.ClientID,
			"reason": string(result.Reason),
		})
		return LoginResult{}, ErrNotAuthorized
	}

	if err := s.limiter.Clear(ctx, in.ClientID); err != nil {
		s.logger.Error("rate_limit_clear_failed", map[string]any{"ip": in.ClientID, "error": err.Error()})
	}

	s.metrics.LoginAttempt("success")
	s.logger.Info("login_succeeded", map[string]any{
		"email": result.User.Email,
		"role":  string(result.User.Role),
		"ip":    in.ClientID,
	})
	s.writeAudit(ctx, result.User, in)

	return LoginResult{User: result.User, Session: session}, nil
}

// Verify checks a session token for general portal access.
func (s *Service) Verify(ctx context.Context, accessToken string) (portal.User, error) {
	result, err := s.Authorize(ctx, accessToken, PortalSurface)
	if err != nil {
		return portal.User{}, err
	}
	if !result.Authorized {
		return portal.User{}, ErrNotAuthorized
	}
	return result.User, nil
}

// Authorize proves the token with the provider and runs the gate for
// surface. A proven identity with no portal user has its session
// terminated before the denial is returned.
func (s *Service) Authorize(ctx context.Context, accessToken string, surface Surface) (Result, error) {
	proven, err := s.getUser(ctx, accessToken)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidToken) {
			return Result{}, ErrInvalidToken
		}
		return Result{}, fmt.Errorf("get user: %w", err)
	}

	result, err := s.authorize(ctx, proven.Email, surface)
	if err != nil {
		return Result{}, err
	}
	if !result.Authorized && result.Reason == DenyMissingUser {
		s.signOut(ctx, accessToken, proven.Email)
		s.logger.Warn("session_unauthorized", map[string]any{
			"email":   proven.Email,
			"surface": surface.Name,
		})
	}

	return result, nil
}

func (s *Service) Logout(ctx context.Context, accessToken string) error {
	ctx, cancel := context.WithTimeout(ctx, s.upstreamTimeout)
	defer cancel()

	if err := s.provider.SignOut(ctx, accessToken); err != nil {
		if errors.Is(err, identity.ErrInvalidToken) {
			return ErrInvalidToken
		}
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

func (s *Service) signIn(ctx context.Context, email, password string) (identity.Identity, identity.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.upstreamTimeout)
	defer cancel()
	return s.provider.SignInWithPassword(ctx, email, password)
}

func (s *Service) getUser(ctx context.Context, accessToken string) (identity.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, s.upstreamTimeout)
	defer cancel()
	return s.provider.GetUser(ctx, accessToken)
}

func (s *Service) authorize(ctx context.Context, email string, surface Surface) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.upstreamTimeout)
	defer cancel()
	return s.gate.Authorize(ctx, email, surface)
}

// signOut terminates a session even when the request context is already
// cancelled. Failures are logged, never returned.
func (s *Service) signOut(ctx context.Context, accessToken, email string) {
	if accessToken == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.upstreamTimeout)
	defer cancel()

	if err := s.provider.SignOut(ctx, accessToken); err != nil {
		s.logger.Error("forced_sign_out_failed", map[string]any{"email": email, "error": err.Error()})
	}
}

func (s *Service) writeAudit(ctx context.Context, user portal.User, in LoginInput) {
	if s.audit == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.upstreamTimeout)
	defer cancel()

	_ = s.audit.InsertAuditLog(ctx, portal.AuditEntry{
		UserID:    user.ID,
		Action:    "login",
		IPAddress: in.ClientID,
		UserAgent: in.UserAgent,
		Details:   map[string]any{"email": user.Email, "role": string(user.Role)},
	})
}
