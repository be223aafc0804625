package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/genprogress/internal/progress"
)

// LogSink emits structured logs for debugging record streams. It is useful
// during development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each record in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Record) error {
	for _, rec := range batch {
		snap := rec.Snapshot
		fields := []zap.Field{
			zap.String("task_id", rec.TaskID),
			zap.String("attempt_id", snap.AttemptID),
			zap.String("kind", string(rec.Kind)),
			zap.String("mode", string(snap.Mode)),
			zap.String("phase", snap.CurrentPhase),
			zap.Float64("overall_progress", snap.OverallProgress),
			zap.Float64("phase_progress", snap.PhaseProgress),
			zap.Bool("degraded", snap.Degraded),
			zap.String("message", snap.LastMessage),
		}
		if rec.Outcome != nil {
			fields = append(fields,
				zap.String("outcome", string(rec.Outcome.Kind)),
				zap.String("error", rec.Outcome.Error),
				zap.Duration("elapsed", rec.Elapsed()),
			)
			s.logger.Info("task record", fields...)
			continue
		}
		s.logger.Debug("task record", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
