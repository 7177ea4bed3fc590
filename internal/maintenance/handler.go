package maintenance

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// Task is one cleanup step. Run reports how many entries it removed.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

type Logger interface {
	Info(message string, fields map[string]any)
	Error(message string, fields map[string]any)
}

type CleanupHandler struct {
	logger     Logger
	cronSecret string
	tasks      []Task
}

func NewCleanupHandler(logger Logger, cronSecret string, tasks ...Task) *CleanupHandler {
	return &CleanupHandler{
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
		tasks:      tasks,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	removed := make(map[string]int64, len(h.tasks))
	failed := make([]string, 0)
	for _, task := range h.tasks {
		n, err := task.Run(r.Context())
		if err != nil {
			h.logger.Error("cleanup_task_failed", map[string]any{"task": task.Name, "error": err.Error()})
			failed = append(failed, task.Name)
			continue
		}
		removed[task.Name] = n
	}

	h.logger.Info("cleanup_completed", map[string]any{"removed": removed, "failed": failed})

	if len(failed) > 0 {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "cleanup failed",
			"failed":  failed,
			"removed": removed,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"removed": removed,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
