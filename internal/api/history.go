package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/genprogress/internal/progress/sinks"
	"github.com/JakeFAU/genprogress/internal/storage"
	"github.com/JakeFAU/genprogress/internal/store"
)

const (
	defaultTaskLimit = 50
	maxTaskLimit     = 500
	historyTimeout   = 3 * time.Second
)

// HistoryHandler exposes read-only run history endpoints.
type HistoryHandler struct {
	repo    store.TaskRepository
	blobs   storage.BlobStore
	timeout time.Duration
	logger  *zap.Logger
}

// NewHistoryHandler wires the repository, the optional result archive, and logger.
func NewHistoryHandler(repo store.TaskRepository, blobs storage.BlobStore, logger *zap.Logger) *HistoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryHandler{
		repo:    repo,
		blobs:   blobs,
		timeout: historyTimeout,
		logger:  logger,
	}
}

// ListTasks handles GET /api/tasks?status=&limit=&offset=. It returns a JSON
// object {"tasks": [...]} on success, 400 for invalid filters, 503 when the
// repo is unavailable, or 500 if the repository call fails.
func (h *HistoryHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "task repository unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	limit, offset, err := parseLimitOffset(r, defaultTaskLimit, maxTaskLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.TaskRunStatus
	if statusParam := strings.TrimSpace(r.URL.Query().Get("status")); statusParam != "" {
		statusVal, parseErr := parseStatus(statusParam)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &statusVal
	}
	runs, err := h.repo.ListTasks(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list tasks failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if runs == nil {
		runs = []store.TaskRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": runs})
}

// GetTask handles GET /api/tasks/{task_id}. It returns {"task": {...}} on
// success, 404 when the repository reports store.ErrNotFound, 503 if the repo
// is not initialized, or 500 otherwise.
func (h *HistoryHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": run})
}

// GetResult handles GET /api/tasks/{task_id}/result. It serves the archived
// outcome of the latest attempt, or 404 when nothing was archived.
func (h *HistoryHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	if h.blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "result archive unavailable")
		return
	}
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	data, err := h.blobs.GetObject(ctx, sinks.ArchivePath(run.TaskID, run.AttemptID))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			writeError(w, http.StatusNotFound, "result not archived")
			return
		}
		h.logger.Error("load archived result failed", zap.String("task_id", run.TaskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load result")
		return
	}
	var doc sinks.ArchivedResult
	if err := json.Unmarshal(data, &doc); err != nil {
		h.logger.Error("decode archived result failed", zap.String("task_id", run.TaskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "corrupt archived result")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": doc})
}

func (h *HistoryHandler) loadRun(w http.ResponseWriter, r *http.Request) (store.TaskRun, bool) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "task repository unavailable")
		return store.TaskRun{}, false
	}
	taskID := strings.TrimSpace(chi.URLParam(r, "task_id"))
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return store.TaskRun{}, false
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return store.TaskRun{}, false
		}
		h.logger.Error("get task failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return store.TaskRun{}, false
	}
	return run, true
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (store.TaskRunStatus, error) {
	switch strings.ToLower(input) {
	case "running", "in_progress":
		return store.RunRunning, nil
	case "completed", "success":
		return store.RunCompleted, nil
	case "failed", "error", "failure":
		return store.RunFailed, nil
	case "abandoned", "cancelled", "canceled":
		return store.RunAbandoned, nil
	default:
		return "", errors.New("invalid status")
	}
}
