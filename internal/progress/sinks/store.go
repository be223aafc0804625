package sinks

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/genprogress/internal/progress"
	"github.com/JakeFAU/genprogress/internal/store"
)

// StoreSink persists run history via a store.TaskRepository. Consecutive
// updates of one task inside a batch collapse into a single write.
type StoreSink struct {
	repo   store.TaskRepository
	logger *zap.Logger

	mu      sync.Mutex
	started map[string]string
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.TaskRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger, started: make(map[string]string)}
}

// Consume writes the batch to the repository in record order. It respects
// ctx deadlines and returns any repository errors verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Record) error {
	if s == nil || s.repo == nil {
		return nil
	}
	pending := make(map[string]progress.Record)
	order := make([]string, 0, len(batch))

	flush := func(taskID string) error {
		rec, ok := pending[taskID]
		if !ok {
			return nil
		}
		delete(pending, taskID)
		return s.writeProgress(ctx, rec)
	}

	for _, rec := range batch {
		if err := s.ensureStarted(ctx, rec); err != nil {
			return err
		}
		switch {
		case rec.Kind == progress.RecordTerminal:
			if err := flush(rec.TaskID); err != nil {
				return err
			}
			if err := s.complete(ctx, rec); err != nil {
				return err
			}
		case rec.Snapshot.Mode == progress.ModeAbandoned:
			if err := flush(rec.TaskID); err != nil {
				return err
			}
			if err := s.complete(ctx, rec); err != nil {
				return err
			}
		default:
			if _, ok := pending[rec.TaskID]; !ok {
				order = append(order, rec.TaskID)
			}
			pending[rec.TaskID] = rec
		}
	}

	for _, taskID := range order {
		if err := flush(taskID); err != nil {
			return err
		}
	}
	return nil
}

// ensureStarted inserts the run the first time an attempt is seen.
func (s *StoreSink) ensureStarted(ctx context.Context, rec progress.Record) error {
	attemptID := rec.Snapshot.AttemptID
	s.mu.Lock()
	known := s.started[rec.TaskID] == attemptID
	s.mu.Unlock()
	if known {
		return nil
	}
	startedAt := rec.Snapshot.StartTime
	if startedAt.IsZero() {
		startedAt = rec.TS
	}
	if err := s.repo.UpsertTaskStart(ctx, rec.TaskID, attemptID, startedAt); err != nil {
		return fmt.Errorf("upsert task start: %w", err)
	}
	s.mu.Lock()
	s.started[rec.TaskID] = attemptID
	s.mu.Unlock()
	return nil
}

func (s *StoreSink) writeProgress(ctx context.Context, rec progress.Record) error {
	snap := rec.Snapshot
	err := s.repo.UpdateProgress(ctx, rec.TaskID, store.ProgressUpdate{
		CurrentPhase:    snap.CurrentPhase,
		OverallProgress: snap.OverallProgress,
		CompletedPhases: snap.CompletedPhases,
		LastMessage:     snap.LastMessage,
		At:              rec.TS,
	})
	if err != nil {
		return fmt.Errorf("update task progress: %w", err)
	}
	return nil
}

func (s *StoreSink) complete(ctx context.Context, rec progress.Record) error {
	if err := s.writeProgress(ctx, rec); err != nil {
		return err
	}
	status := store.RunAbandoned
	var errMsg *string
	if rec.Outcome != nil {
		status = store.RunCompleted
		if rec.Outcome.Kind == progress.OutcomeFailed {
			status = store.RunFailed
			msg := rec.Outcome.Error
			errMsg = &msg
		}
	}
	if err := s.repo.CompleteTask(ctx, rec.TaskID, rec.TS, status, errMsg); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	s.mu.Lock()
	delete(s.started, rec.TaskID)
	s.mu.Unlock()
	s.logger.Debug("task run finished",
		zap.String("task_id", rec.TaskID),
		zap.String("status", string(status)),
	)
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
