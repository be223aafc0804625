package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/genprogress/internal/store"
)

// TaskStore provides an in-memory TaskRepository for development/testing.
type TaskStore struct {
	mu   sync.RWMutex
	runs map[string]store.TaskRun
}

var _ store.TaskRepository = (*TaskStore)(nil)

// NewTaskStore constructs a TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{runs: make(map[string]store.TaskRun)}
}

// UpsertTaskStart inserts a run, or resets it when attemptID differs from the stored one.
func (s *TaskStore) UpsertTaskStart(_ context.Context, taskID, attemptID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.runs[taskID]; ok && existing.AttemptID == attemptID {
		return nil
	}
	s.runs[taskID] = store.TaskRun{
		TaskID:          taskID,
		AttemptID:       attemptID,
		StartedAt:       startedAt,
		UpdatedAt:       startedAt,
		Status:          store.RunRunning,
		CompletedPhases: []string{},
	}
	return nil
}

// UpdateProgress stores the latest progress. Updates older than the stored one are ignored.
func (s *TaskStore) UpdateProgress(_ context.Context, taskID string, update store.ProgressUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[taskID]
	if !ok || update.At.Before(run.UpdatedAt) {
		return nil
	}
	run.CurrentPhase = update.CurrentPhase
	run.OverallProgress = update.OverallProgress
	run.CompletedPhases = slices.Clone(update.CompletedPhases)
	if run.CompletedPhases == nil {
		run.CompletedPhases = []string{}
	}
	run.LastMessage = update.LastMessage
	run.UpdatedAt = update.At
	s.runs[taskID] = run
	return nil
}

// CompleteTask marks a run finished.
func (s *TaskStore) CompleteTask(
	_ context.Context,
	taskID string,
	finishedAt time.Time,
	status store.TaskRunStatus,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[taskID]
	if !ok {
		return store.ErrNotFound
	}
	run.FinishedAt = pointerTime(finishedAt)
	run.UpdatedAt = finishedAt
	run.Status = status
	if errMsg != nil {
		msg := *errMsg
		run.ErrorMessage = &msg
	} else {
		run.ErrorMessage = nil
	}
	s.runs[taskID] = run
	return nil
}

// GetTask fetches a run by task id.
func (s *TaskStore) GetTask(_ context.Context, taskID string) (store.TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[taskID]
	if !ok {
		return store.TaskRun{}, store.ErrNotFound
	}
	return cloneRun(run), nil
}

// ListTasks returns runs newest first, optionally filtered by status.
func (s *TaskStore) ListTasks(_ context.Context, status *store.TaskRunStatus, limit, offset int) ([]store.TaskRun, error) {
	s.mu.RLock()
	runs := make([]store.TaskRun, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		runs = append(runs, cloneRun(run))
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].TaskID < runs[j].TaskID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if offset >= len(runs) {
		return []store.TaskRun{}, nil
	}
	runs = runs[max(offset, 0):]
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}

func cloneRun(run store.TaskRun) store.TaskRun {
	run.CompletedPhases = slices.Clone(run.CompletedPhases)
	if run.FinishedAt != nil {
		run.FinishedAt = pointerTime(*run.FinishedAt)
	}
	if run.ErrorMessage != nil {
		msg := *run.ErrorMessage
		run.ErrorMessage = &msg
	}
	return run
}

func pointerTime(t time.Time) *time.Time {
	return &t
}
