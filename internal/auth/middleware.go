package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"newsportal/internal/observability"
	"newsportal/internal/portal"
)

const (
	SessionCookieName = "sb-access-token"

	DefaultLoginPath  = "/login"
	DefaultPortalPath = "/admin"
)

type contextKey struct{}

func WithUser(ctx context.Context, user portal.User) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

func UserFromContext(ctx context.Context) (portal.User, bool) {
	user, ok := ctx.Value(contextKey{}).(portal.User)
	return user, ok
}

type Authorizer interface {
	Authorize(ctx context.Context, accessToken string, surface Surface) (Result, error)
}

// Guard protects navigation into authenticated areas. Unauthenticated or
// unauthorized requests are redirected instead of receiving an error body.
type Guard struct {
	authorizer Authorizer
	logger     *observability.Logger
	loginPath  string
	portalPath string
}

func NewGuard(authorizer Authorizer, logger *observability.Logger) *Guard {
	return &Guard{
		authorizer: authorizer,
		logger:     logger,
		loginPath:  DefaultLoginPath,
		portalPath: DefaultPortalPath,
	}
}

// RequirePortalUser admits any portal role.
func (g *Guard) RequirePortalUser(next http.Handler) http.Handler {
	return g.require(PortalSurface, g.loginPath, next)
}

// RequireAdmin admits admins only. Other portal users are sent back to the
// general portal area with their session intact.
func (g *Guard) RequireAdmin(next http.Handler) http.Handler {
	return g.require(AdminSurface, g.portalPath, next)
}

func (g *Guard) require(surface Surface, roleDeniedPath string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		observability.AnnotateRequest(r.Context(), map[string]any{"surface": surface.Name})

		token := sessionToken(r)
		if token == "" {
			observability.AnnotateRequest(r.Context(), map[string]any{"guard": "no_session"})
			http.Redirect(w, r, g.loginPath, http.StatusSeeOther)
			return
		}

		result, err := g.authorizer.Authorize(r.Context(), token, surface)
		if err != nil {
			observability.AnnotateRequest(r.Context(), map[string]any{"guard": "error"})
			if !errors.Is(err, ErrInvalidToken) {
				g.logger.Error("guard_check_failed", map[string]any{
					"path":  r.URL.Path,
					"error": err.Error(),
				})
			}
			http.Redirect(w, r, g.loginPath, http.StatusSeeOther)
			return
		}

		if !result.Authorized {
			observability.AnnotateRequest(r.Context(), map[string]any{"guard": string(result.Reason)})
			if result.Reason == DenyMissingUser {
				clearSessionCookie(w)
				http.Redirect(w, r, g.loginPath, http.StatusSeeOther)
				return
			}
			g.logger.Warn("guard_role_denied", map[string]any{
				"path":    r.URL.Path,
				"surface": surface.Name,
			})
			http.Redirect(w, r, roleDeniedPath, http.StatusSeeOther)
			return
		}

		observability.AnnotateRequest(r.Context(), map[string]any{
			"guard":   "authorized",
			"user_id": result.User.ID,
			"role":    string(result.User.Role),
		})
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), result.User)))
	})
}

func sessionToken(r *http.Request) string {
	if token, ok := bearerToken(r); ok {
		return token
	}
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}
