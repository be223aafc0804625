package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("task record not found")

// TaskRunStatus mirrors the task_runs status column.
type TaskRunStatus string

// Task run statuses persisted in task_runs.status.
const (
	RunRunning   TaskRunStatus = "running"
	RunCompleted TaskRunStatus = "completed"
	RunFailed    TaskRunStatus = "failed"
	RunAbandoned TaskRunStatus = "abandoned"
)

// Valid reports whether s is a known status.
func (s TaskRunStatus) Valid() bool {
	switch s {
	case RunRunning, RunCompleted, RunFailed, RunAbandoned:
		return true
	default:
		return false
	}
}

// TaskRun models one tracked attempt of a backend task.
type TaskRun struct {
	// TaskID is the backend task identifier and the primary key.
	TaskID string `json:"task_id"`
	// AttemptID identifies the latest tracking attempt.
	AttemptID string `json:"attempt_id"`
	// StartedAt captures when tracking began.
	StartedAt time.Time `json:"started_at"`
	// UpdatedAt is the time of the last persisted progress update.
	UpdatedAt time.Time `json:"updated_at"`
	// FinishedAt is nil until the run completes, fails, or is abandoned.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	// Status is running/completed/failed/abandoned.
	Status TaskRunStatus `json:"status"`
	// CurrentPhase is the last phase reported by the backend.
	CurrentPhase string `json:"current_phase"`
	// OverallProgress is the monotonic overall fraction.
	OverallProgress float64 `json:"overall_progress"`
	// CompletedPhases lists finished phases in completion order.
	CompletedPhases []string `json:"completed_phases"`
	// LastMessage is the most recent status line.
	LastMessage string `json:"last_message"`
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string `json:"error_message,omitempty"`
}

// ProgressUpdate is the mutable part of a running task.
type ProgressUpdate struct {
	CurrentPhase    string
	OverallProgress float64
	CompletedPhases []string
	LastMessage     string
	At              time.Time
}

// TaskRepository persists task run history.
type TaskRepository interface {
	// UpsertTaskStart inserts the run, or resets it when attemptID is new.
	UpsertTaskStart(ctx context.Context, taskID, attemptID string, startedAt time.Time) error
	// UpdateProgress stores the latest progress of a running task.
	UpdateProgress(ctx context.Context, taskID string, update ProgressUpdate) error
	// CompleteTask marks the run finished with the provided status and error.
	CompleteTask(ctx context.Context, taskID string, finishedAt time.Time, status TaskRunStatus, errMsg *string) error

	// GetTask loads a single run or returns ErrNotFound.
	GetTask(ctx context.Context, taskID string) (TaskRun, error)
	// ListTasks returns runs filtered by optional status plus limit/offset,
	// newest first.
	ListTasks(ctx context.Context, status *TaskRunStatus, limit, offset int) ([]TaskRun, error)
}
