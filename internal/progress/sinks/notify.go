package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/genprogress/internal/progress"
)

// Publisher pushes terminal notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Notification is the payload published when an attempt finishes.
type Notification struct {
	TaskID         string               `json:"task_id"`
	AttemptID      string               `json:"attempt_id"`
	Outcome        progress.OutcomeKind `json:"outcome"`
	Error          string               `json:"error,omitempty"`
	CompletedAt    time.Time            `json:"completed_at"`
	ElapsedSeconds float64              `json:"elapsed_seconds"`
	ResultPath     string               `json:"result_path,omitempty"`
}

// NotifySink publishes a Notification for every terminal record.
type NotifySink struct {
	publisher Publisher
	topic     string
	archived  bool
	logger    *zap.Logger
}

// NewNotifySink constructs a NotifySink. When archived is set, notifications
// carry the ArchivePath of the result.
func NewNotifySink(publisher Publisher, topic string, archived bool, logger *zap.Logger) *NotifySink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifySink{publisher: publisher, topic: topic, archived: archived, logger: logger}
}

// Consume publishes terminal records and ignores updates.
func (s *NotifySink) Consume(ctx context.Context, batch []progress.Record) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	for _, rec := range batch {
		if rec.Kind != progress.RecordTerminal || rec.Outcome == nil {
			continue
		}
		note := Notification{
			TaskID:         rec.TaskID,
			AttemptID:      rec.Snapshot.AttemptID,
			Outcome:        rec.Outcome.Kind,
			Error:          rec.Outcome.Error,
			CompletedAt:    rec.TS,
			ElapsedSeconds: rec.Elapsed().Seconds(),
		}
		if s.archived {
			note.ResultPath = ArchivePath(note.TaskID, note.AttemptID)
		}
		id, err := s.publisher.Publish(ctx, s.topic, note)
		if err != nil {
			return fmt.Errorf("publish notification: %w", err)
		}
		s.logger.Debug("published task notification",
			zap.String("task_id", rec.TaskID),
			zap.String("message_id", id),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *NotifySink) Close(context.Context) error {
	return nil
}
