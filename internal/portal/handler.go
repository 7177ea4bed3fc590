package portal

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/getsentry/sentry-go"
)

type UserLister interface {
	List(ctx context.Context) ([]User, error)
}

type Handler struct {
	users UserLister
}

func NewHandler(users UserLister) *Handler {
	return &Handler{users: users}
}

// ListUsers returns every portal user. Mounted behind the admin guard.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.List(r.Context())
	if err != nil {
		sentry.CaptureException(err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list users"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
