package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/genprogress/internal/progress"
	"github.com/JakeFAU/genprogress/internal/storage"
)

// ArchivePath is the blob path of the archived outcome of one attempt.
func ArchivePath(taskID, attemptID string) string {
	return fmt.Sprintf("results/%s/%s.json", taskID, attemptID)
}

// ArchivedResult is the document written for every terminal record.
type ArchivedResult struct {
	TaskID     string            `json:"task_id"`
	AttemptID  string            `json:"attempt_id"`
	Outcome    progress.Outcome  `json:"outcome"`
	Snapshot   progress.Snapshot `json:"snapshot"`
	ArchivedAt time.Time         `json:"archived_at"`
}

// ArchiveSink stores terminal outcomes in a BlobStore so results outlive the
// in-memory tracker.
type ArchiveSink struct {
	blobs  storage.BlobStore
	logger *zap.Logger
}

// NewArchiveSink constructs an ArchiveSink.
func NewArchiveSink(blobs storage.BlobStore, logger *zap.Logger) *ArchiveSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveSink{blobs: blobs, logger: logger}
}

// Consume uploads one document per terminal record and ignores the rest.
func (s *ArchiveSink) Consume(ctx context.Context, batch []progress.Record) error {
	if s == nil || s.blobs == nil {
		return nil
	}
	for _, rec := range batch {
		if rec.Kind != progress.RecordTerminal || rec.Outcome == nil {
			continue
		}
		doc := ArchivedResult{
			TaskID:     rec.TaskID,
			AttemptID:  rec.Snapshot.AttemptID,
			Outcome:    *rec.Outcome,
			Snapshot:   rec.Snapshot,
			ArchivedAt: rec.TS,
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal archived result: %w", err)
		}
		path := ArchivePath(doc.TaskID, doc.AttemptID)
		uri, err := s.blobs.PutObject(ctx, path, "application/json", bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("archive result: %w", err)
		}
		s.logger.Debug("archived task result", zap.String("task_id", rec.TaskID), zap.String("uri", uri))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *ArchiveSink) Close(context.Context) error {
	return nil
}
