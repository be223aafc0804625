package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/genprogress/internal/phase"
	"github.com/JakeFAU/genprogress/internal/progress"
	"github.com/JakeFAU/genprogress/internal/tracker"
)

type trackRequest struct {
	EstimatedTotalSeconds *float64 `json:"estimated_total_seconds"`
	PollIntervalSeconds   *float64 `json:"poll_interval_seconds"`
}

type trackResponse struct {
	TaskID    string        `json:"task_id"`
	AttemptID string        `json:"attempt_id"`
	Mode      progress.Mode `json:"mode"`
}

// taskView is the relay representation of one tracked task.
type taskView struct {
	Snapshot progress.Snapshot `json:"snapshot"`
	Phase    phase.Descriptor  `json:"phase"`
	Outcome  *progress.Outcome `json:"outcome,omitempty"`
}

func (s *Server) trackTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "task_id"))
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	cfg, err := req.config()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	c, err := s.tracker.Subscribe(s.baseCtx, taskID, cfg)
	if err != nil {
		switch {
		case errors.Is(err, tracker.ErrAlreadyTracking):
			writeError(w, http.StatusConflict, "task is already being tracked")
		case errors.Is(err, tracker.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, "tracker is shutting down")
		default:
			s.logger.Error("subscribe failed", zap.String("task_id", taskID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to track task")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, trackResponse{
		TaskID:    taskID,
		AttemptID: c.AttemptID(),
		Mode:      c.Mode(),
	})
}

func (req trackRequest) config() (tracker.Config, error) {
	var cfg tracker.Config
	if req.EstimatedTotalSeconds != nil {
		if *req.EstimatedTotalSeconds <= 0 {
			return cfg, errors.New("estimated_total_seconds must be > 0")
		}
		cfg.EstimatedTotalTime = time.Duration(*req.EstimatedTotalSeconds * float64(time.Second))
	}
	if req.PollIntervalSeconds != nil {
		if *req.PollIntervalSeconds <= 0 {
			return cfg, errors.New("poll_interval_seconds must be > 0")
		}
		cfg.PollInterval = time.Duration(*req.PollIntervalSeconds * float64(time.Second))
	}
	return cfg, nil
}

func (s *Server) listTracked(w http.ResponseWriter, _ *http.Request) {
	ids := s.tracker.Tasks()
	tasks := make([]trackResponse, 0, len(ids))
	for _, id := range ids {
		c, ok := s.tracker.Get(id)
		if !ok {
			continue
		}
		tasks = append(tasks, trackResponse{TaskID: id, AttemptID: c.AttemptID(), Mode: c.Mode()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.view(c))
}

func (s *Server) view(c *tracker.Coordinator) taskView {
	snap := c.Snapshot()
	v := taskView{Snapshot: snap, Phase: snap.Phase(s.tracker.Registry())}
	if out, ok := c.Outcome(); ok {
		v.Outcome = &out
	}
	return v
}

func (s *Server) getPreview(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	phaseID := chi.URLParam(r, "phase_id")
	preview := c.Snapshot().Previews.Get(phaseID)
	if preview == nil {
		writeError(w, http.StatusNotFound, "no preview for phase")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"phase_id": phaseID, "preview": preview})
}

func (s *Server) abandonTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	if err := s.tracker.Abandon(taskID); err != nil {
		writeError(w, http.StatusNotFound, "task not tracked")
		return
	}
	c, _ := s.tracker.Get(taskID)
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "mode": string(c.Mode())})
}

func (s *Server) coordinator(w http.ResponseWriter, r *http.Request) (*tracker.Coordinator, bool) {
	taskID := chi.URLParam(r, "task_id")
	c, ok := s.tracker.Get(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "task not tracked")
		return nil, false
	}
	return c, true
}
