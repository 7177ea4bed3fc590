package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/getsentry/sentry-go"

	"newsportal/internal/clientid"
	"newsportal/internal/observability"
	"newsportal/internal/portal"
	"newsportal/internal/ratelimit"
)

const maxJSONBodyBytes = 1 << 20

type Authenticator interface {
	Login(ctx context.Context, in LoginInput) (LoginResult, error)
	Verify(ctx context.Context, accessToken string) (portal.User, error)
	Logout(ctx context.Context, accessToken string) error
}

type Handler struct {
	service Authenticator
}

func NewHandler(service Authenticator) *Handler {
	return &Handler{service: service}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Success bool `json:"success"`
	LoginResult
}

type verifyResponse struct {
	Valid bool        `json:"valid"`
	User  portal.User `json:"user"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	// Extra fields such as "remember" are ignored.
	var body loginRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	result, err := h.service.Login(r.Context(), LoginInput{
		Email:     body.Email,
		Password:  body.Password,
		ClientID:  clientid.Resolve(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		var validationErr ValidationError
		if errors.As(err, &validationErr) {
			annotateLogin(r, "invalid_input")
			writeError(w, http.StatusBadRequest, validationErr.Message)
			return
		}
		var limitedErr RateLimitedError
		if errors.As(err, &limitedErr) {
			annotateLogin(r, "rate_limited")
			w.Header().Set("Retry-After", strconv.Itoa(int(limitedErr.RetryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, fmt.Sprintf(
				"too many login attempts, try again in %d minutes", ratelimit.WaitMinutes(limitedErr.RetryAfter)))
			return
		}
		if errors.Is(err, ErrInvalidCredentials) {
			annotateLogin(r, "invalid_credentials")
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		if errors.Is(err, ErrNotAuthorized) {
			annotateLogin(r, "not_authorized")
			writeError(w, http.StatusForbidden, "user is not authorized to access the portal")
			return
		}

		annotateLogin(r, "error")
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	observability.AnnotateRequest(r.Context(), map[string]any{
		"login":   "success",
		"user_id": result.User.ID,
		"role":    string(result.User.Role),
	})
	writeJSON(w, http.StatusOK, loginResponse{Success: true, LoginResult: result})
}

func annotateLogin(r *http.Request, outcome string) {
	observability.AnnotateRequest(r.Context(), map[string]any{"login": outcome})
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	user, err := h.service.Verify(r.Context(), token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		if errors.Is(err, ErrNotAuthorized) {
			writeError(w, http.StatusForbidden, "user is not authorized")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to verify session")
		return
	}

	writeJSON(w, http.StatusOK, verifyResponse{Valid: true, User: user})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	if err := h.service.Logout(r.Context(), token); err != nil {
		if errors.Is(err, ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to logout")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Me returns the portal user placed in the context by a guard.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
